package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Handovers
		r.Post("/handovers", h.SubmitHandover)
		r.Get("/handovers", h.ListHandovers)
		r.Get("/handovers/{token}", h.GetHandover)
		r.Get("/handovers/{token}/events", h.ListHandoverEvents)

		// Completion reports
		r.Post("/reports/when-complete", h.WatchReport)
	})
}
