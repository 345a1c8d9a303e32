package review

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/esgqa/qa-engine/internal/platform/httpx"
	"github.com/esgqa/qa-engine/internal/qareports"
)

type reviewService interface {
	Start(ctx context.Context, datasetID, reviewerUserID string) (DatasetReview, error)
	AcceptDataPoint(ctx context.Context, in AcceptInput) (DatasetReview, error)
	Finish(ctx context.Context, reviewID, actorID string) (Outcome, error)
	Abort(ctx context.Context, reviewID, actorID, reason string) (DatasetReview, error)
	Get(ctx context.Context, reviewID string) (DatasetReview, error)
	ListByDataset(ctx context.Context, datasetID string) ([]DatasetReview, error)
	Candidates(ctx context.Context, reviewID, dataPointType string) ([]qareports.Report, error)
	Outcome(ctx context.Context, reviewID string) (Outcome, error)
	ExportXLSX(ctx context.Context, reviewID string) ([]byte, error)
}

// Handler exposes review endpoints.
type Handler struct {
	logger  *slog.Logger
	service reviewService
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service reviewService) *Handler {
	return &Handler{logger: logger, service: service}
}

type startRequest struct {
	DatasetID string `json:"datasetId" validate:"required"`
}

type decisionRequest struct {
	Source Source `json:"source" validate:"required,oneof=Original Qa Custom"`
	Ref    string `json:"ref"`
}

type abortRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// MountRoutes registers routes under the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/qa/reviews", func(r chi.Router) {
		r.Post("/", h.start)
		r.Get("/", h.list)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Get("/candidates", h.candidates)
			r.Put("/decisions/{dataPointType}", h.decide)
			r.Post("/finish", h.finish)
			r.Post("/abort", h.abort)
			r.Get("/outcome", h.outcome)
			r.Get("/export.xlsx", h.export)
		})
	})
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req startRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rev, err := h.service.Start(r.Context(), req.DatasetID, actor)
	if err != nil {
		h.fail(w, "start review", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rev)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.service.ListByDataset(r.Context(), r.URL.Query().Get("datasetId"))
	if err != nil {
		h.fail(w, "list reviews", err)
		return
	}
	if reviews == nil {
		reviews = []DatasetReview{}
	}
	httpx.JSON(w, http.StatusOK, reviews)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rev, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get review", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rev)
}

func (h *Handler) candidates(w http.ResponseWriter, r *http.Request) {
	reports, err := h.service.Candidates(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("dataPointType"))
	if err != nil {
		h.fail(w, "list candidates", err)
		return
	}
	if reports == nil {
		reports = []qareports.Report{}
	}
	httpx.JSON(w, http.StatusOK, reports)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req decisionRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rev, err := h.service.AcceptDataPoint(r.Context(), AcceptInput{
		ReviewID:      chi.URLParam(r, "id"),
		DataPointType: chi.URLParam(r, "dataPointType"),
		Source:        req.Source,
		Ref:           req.Ref,
		ActorID:       actor,
	})
	if err != nil {
		h.fail(w, "record decision", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rev)
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	outcome, err := h.service.Finish(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, "finish review", err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcome)
}

func (h *Handler) abort(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req abortRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeAndValidate(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	rev, err := h.service.Abort(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		h.fail(w, "abort review", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rev)
}

func (h *Handler) outcome(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.service.Outcome(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "review outcome", err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcome)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := h.service.ExportXLSX(r.Context(), id)
	if err != nil {
		h.fail(w, "export review", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=review-"+id+".xlsx")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
