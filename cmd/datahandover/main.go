package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/DataHandover/internal/adapter/email"
	"github.com/Strob0t/DataHandover/internal/adapter/hive"
	dhhttp "github.com/Strob0t/DataHandover/internal/adapter/http"
	dhnats "github.com/Strob0t/DataHandover/internal/adapter/nats"
	dhotel "github.com/Strob0t/DataHandover/internal/adapter/otel"
	"github.com/Strob0t/DataHandover/internal/adapter/postgres"
	"github.com/Strob0t/DataHandover/internal/adapter/ws"
	"github.com/Strob0t/DataHandover/internal/config"
	"github.com/Strob0t/DataHandover/internal/domain/checks"
	"github.com/Strob0t/DataHandover/internal/logger"
	"github.com/Strob0t/DataHandover/internal/middleware"
	"github.com/Strob0t/DataHandover/internal/resilience"
	"github.com/Strob0t/DataHandover/internal/service"
)

// maxSourceProbes bounds concurrent existence probes against source servers.
const maxSourceProbes = 4

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"poll_delay", cfg.Handover.PollDelay,
	)

	ctx := context.Background()

	// --- Observability ---
	shutdownOtel, err := dhotel.Setup(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	metrics, err := dhotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS JetStream, the deferred execution substrate
	queue, err := dhnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() {
		if err := queue.Drain(); err != nil {
			slog.Error("queue drain", "error", err)
		}
	}()

	kv, err := queue.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}

	// --- Job service clients ---
	hcClient := hive.NewHealthcheckClient(cfg.Services.Healthcheck.URL)
	copyClient := hive.NewCopyClient(cfg.Services.Copy.URL)
	metaClient := hive.NewMetadataClient(cfg.Services.Metadata.URL)
	hcClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	copyClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	metaClient.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	transitions := postgres.NewTransitionLog(pool)
	notifier := email.NewNotifier(email.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		From:     cfg.SMTP.From,
		Password: cfg.SMTP.Password,
	})

	handoverSvc := service.NewHandoverService(service.HandoverDeps{
		Store:       store,
		Transitions: transitions,
		Queue:       queue,
		Resolver:    postgres.NewResolver(maxSourceProbes),
		Healthcheck: hcClient,
		Copy:        copyClient,
		Metadata:    metaClient,
		Notifier:    notifier,
		Broadcaster: hub,
		Metrics:     metrics,
		Handover:    cfg.Handover,
		Services:    cfg.Services,
		Rules: checks.DefaultRules(
			cfg.Groups.Core, cfg.Groups.Variation, cfg.Groups.Funcgen, cfg.Groups.Compara),
	})
	reportSvc := service.NewReportService(queue, notifier, cfg.Handover.PollDelay)

	// Start the queue-step subscribers
	cancelHandover, err := handoverSvc.Start(ctx)
	if err != nil {
		return fmt.Errorf("handover subscribers: %w", err)
	}
	defer cancelHandover()

	cancelReports, err := reportSvc.Start(ctx)
	if err != nil {
		return fmt.Errorf("report subscriber: %w", err)
	}
	defer cancelReports()

	// --- HTTP ---
	handlers := &dhhttp.Handlers{
		Handovers: handoverSvc,
		Reports:   reportSvc,
	}

	rateLimiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := rateLimiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(dhhttp.SecurityHeaders)
	r.Use(dhhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(dhhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(dhotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(rateLimiter.Handler)
	r.Use(middleware.Idempotency(kv))

	r.Get("/health", healthHandler(pool, queue))
	r.Get("/ws", hub.HandleWS)

	dhhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports the state of the service's dependencies.
func healthHandler(pool *pgxpool.Pool, queue *dhnats.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok", Postgres: "up", NATS: "up"}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Postgres = "down"
		}
		if !queue.IsConnected() {
			status.Status = "degraded"
			status.NATS = "down"
		}

		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
