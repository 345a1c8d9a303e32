package notifications

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/esgqa/qa-engine/internal/platform/httpx"
)

type eventService interface {
	Record(ctx context.Context, notice UploadNotice) (ElementaryEvent, *NotificationEvent, error)
	ListEvents(ctx context.Context, companyID string) ([]ElementaryEvent, error)
	Backfill(ctx context.Context) (int, error)
}

// Handler exposes elementary event endpoints.
type Handler struct {
	logger  *slog.Logger
	service eventService
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service eventService) *Handler {
	return &Handler{logger: logger, service: service}
}

type recordResponse struct {
	Event        ElementaryEvent    `json:"event"`
	Notification *NotificationEvent `json:"notification,omitempty"`
}

type backfillResponse struct {
	Bundled int `json:"bundled"`
}

// MountRoutes registers routes under the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		r.Post("/uploads", h.record)
		r.Get("/", h.list)
		r.Post("/backfill", h.backfill)
	})
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request) {
	var notice UploadNotice
	if err := httpx.DecodeJSON(r, &notice); err != nil {
		httpx.RespondError(w, err)
		return
	}
	event, notification, err := h.service.Record(r.Context(), notice)
	if err != nil {
		h.fail(w, "record event", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, recordResponse{Event: event, Notification: notification})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.ListEvents(r.Context(), r.URL.Query().Get("companyId"))
	if err != nil {
		h.fail(w, "list events", err)
		return
	}
	if events == nil {
		events = []ElementaryEvent{}
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Backfill(r.Context())
	if err != nil {
		h.fail(w, "backfill events", err)
		return
	}
	httpx.JSON(w, http.StatusOK, backfillResponse{Bundled: n})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
