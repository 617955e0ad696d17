package http

import (
	"net/http"
	"strings"

	"github.com/Strob0t/DataHandover/internal/domain/handover"
	"github.com/Strob0t/DataHandover/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Handlers holds the services the HTTP API exposes.
type Handlers struct {
	Handovers *service.HandoverService
	Reports   *service.ReportService
}

// SubmitHandover handles POST /api/v1/handovers. Intake runs synchronously:
// the response carries the token of an accepted handover, or the reason it
// was refused.
func (h *Handlers) SubmitHandover(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[handover.SubmitRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}

	created, err := h.Handovers.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "source database not found")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"handover_token": created.Token})
}

// ListHandovers handles GET /api/v1/handovers, newest first.
func (h *Handlers) ListHandovers(w http.ResponseWriter, r *http.Request) {
	handovers, err := h.Handovers.List(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if handovers == nil {
		handovers = []handover.Handover{}
	}
	writeJSON(w, http.StatusOK, handovers)
}

// GetHandover handles GET /api/v1/handovers/{token}.
func (h *Handlers) GetHandover(w http.ResponseWriter, r *http.Request) {
	token := urlParam(r, "token")

	ho, err := h.Handovers.Get(r.Context(), token)
	if err != nil {
		writeDomainError(w, err, "handover not found")
		return
	}
	writeJSON(w, http.StatusOK, ho)
}

// ListHandoverEvents handles GET /api/v1/handovers/{token}/events: the
// transition log of one handover, oldest first.
func (h *Handlers) ListHandoverEvents(w http.ResponseWriter, r *http.Request) {
	token := urlParam(r, "token")

	events, err := h.Handovers.Events(r.Context(), token)
	if err != nil {
		writeDomainError(w, err, "handover not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type reportWatchRequest struct {
	URL     string `json:"url"`
	Address string `json:"address"`
}

// WatchReport handles POST /api/v1/reports/when-complete: mail the report at
// url to address once it declares itself finished.
func (h *Handlers) WatchReport(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reportWatchRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	if !requireField(w, req.URL, "url") || !requireField(w, req.Address, "address") {
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		writeError(w, http.StatusBadRequest, "url must be an http(s) URL")
		return
	}

	if err := h.Reports.NotifyWhenComplete(r.Context(), req.URL, req.Address); err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "watching"})
}
