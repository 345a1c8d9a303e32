package qastatus

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/esgqa/qa-engine/internal/platform/httpx"
)

type datasetService interface {
	RegisterDataset(ctx context.Context, in RegisterInput) (Dataset, error)
	GetDataset(ctx context.Context, dataID string) (Dataset, error)
	ListDataPoints(ctx context.Context, dataID string) ([]DataPoint, error)
	ActiveDataset(ctx context.Context, triple Triple) (*string, error)
	StatusHistory(ctx context.Context, triple Triple) ([]StatusChange, error)
}

// Handler exposes dataset upload and status endpoints.
type Handler struct {
	logger  *slog.Logger
	service datasetService
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service datasetService) *Handler {
	return &Handler{logger: logger, service: service}
}

type registerRequest struct {
	DataID          string            `json:"dataId" validate:"omitempty,max=128"`
	CompanyID       string            `json:"companyId" validate:"required"`
	DataType        string            `json:"dataType" validate:"required"`
	ReportingPeriod string            `json:"reportingPeriod" validate:"required"`
	DataPoints      map[string]string `json:"dataPoints" validate:"required,min=1"`
	BypassQa        bool              `json:"bypassQa"`
}

type activeResponse struct {
	Triple                Triple  `json:"triple"`
	CurrentlyActiveDataID *string `json:"currentlyActiveDataId"`
}

// MountRoutes registers routes under the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/datasets", func(r chi.Router) {
		r.Post("/", h.register)
		r.Get("/active", h.active)
		r.Get("/history", h.history)
		r.Get("/{dataId}", h.get)
		r.Get("/{dataId}/data-points", h.dataPoints)
	})
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req registerRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ds, err := h.service.RegisterDataset(r.Context(), RegisterInput{
		DataID:         req.DataID,
		Triple:         Triple{CompanyID: req.CompanyID, DataType: req.DataType, ReportingPeriod: req.ReportingPeriod},
		UploaderUserID: actor,
		DataPoints:     req.DataPoints,
		BypassQa:       req.BypassQa,
	})
	if err != nil {
		h.fail(w, "register dataset", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ds)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	ds, err := h.service.GetDataset(r.Context(), chi.URLParam(r, "dataId"))
	if err != nil {
		h.fail(w, "get dataset", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ds)
}

func (h *Handler) dataPoints(w http.ResponseWriter, r *http.Request) {
	points, err := h.service.ListDataPoints(r.Context(), chi.URLParam(r, "dataId"))
	if err != nil {
		h.fail(w, "list data points", err)
		return
	}
	if points == nil {
		points = []DataPoint{}
	}
	httpx.JSON(w, http.StatusOK, points)
}

func tripleFrom(r *http.Request) Triple {
	q := r.URL.Query()
	return Triple{CompanyID: q.Get("companyId"), DataType: q.Get("dataType"), ReportingPeriod: q.Get("reportingPeriod")}
}

func (h *Handler) active(w http.ResponseWriter, r *http.Request) {
	triple := tripleFrom(r)
	id, err := h.service.ActiveDataset(r.Context(), triple)
	if err != nil {
		h.fail(w, "active dataset", err)
		return
	}
	httpx.JSON(w, http.StatusOK, activeResponse{Triple: triple, CurrentlyActiveDataID: id})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	triple := tripleFrom(r)
	if err := triple.Validate(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	changes, err := h.service.StatusHistory(r.Context(), triple)
	if err != nil {
		h.fail(w, "status history", err)
		return
	}
	if changes == nil {
		changes = []StatusChange{}
	}
	httpx.JSON(w, http.StatusOK, changes)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
