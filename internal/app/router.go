package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/esgqa/qa-engine/internal/metadata"
	"github.com/esgqa/qa-engine/internal/notifications"
	"github.com/esgqa/qa-engine/internal/observability"
	"github.com/esgqa/qa-engine/internal/qareports"
	"github.com/esgqa/qa-engine/internal/qastatus"
	"github.com/esgqa/qa-engine/internal/review"
	"github.com/esgqa/qa-engine/jobs"
)

// HealthCheck checks one backing service.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	ReportHandler   *qareports.Handler
	ReviewHandler   *review.Handler
	DatasetHandler  *qastatus.Handler
	EventHandler    *notifications.Handler
	MetadataHandler *metadata.Handler
	JobHandler      *jobs.Handler

	// Checks are run by /readyz keyed by component name.
	Checks map[string]HealthCheck
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.Checks))

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.ReportHandler != nil {
			params.ReportHandler.MountRoutes(r)
		}
		if params.ReviewHandler != nil {
			params.ReviewHandler.MountRoutes(r)
		}
		if params.DatasetHandler != nil {
			params.DatasetHandler.MountRoutes(r)
		}
		if params.EventHandler != nil {
			params.EventHandler.MountRoutes(r)
		}
		if params.MetadataHandler != nil {
			params.MetadataHandler.MountRoutes(r)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	return r
}

func readiness(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		body := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
