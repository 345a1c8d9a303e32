package metadata

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/esgqa/qa-engine/internal/platform/httpx"
	"github.com/esgqa/qa-engine/internal/qastatus"
)

type metadataService interface {
	Get(ctx context.Context, dataID string) (MetaInformation, error)
	ActiveDataset(ctx context.Context, triple qastatus.Triple) (*string, error)
	IsNonSourceable(ctx context.Context, triple qastatus.Triple) (NonSourceableInfo, error)
}

// Handler exposes metadata reads.
type Handler struct {
	logger  *slog.Logger
	service metadataService
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service metadataService) *Handler {
	return &Handler{logger: logger, service: service}
}

type activeResponse struct {
	Triple                qastatus.Triple `json:"triple"`
	CurrentlyActiveDataID *string         `json:"currentlyActiveDataId"`
}

// MountRoutes registers routes under the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/metadata", func(r chi.Router) {
		r.Get("/datasets/{dataId}", h.get)
		r.Get("/active", h.active)
		r.Get("/non-sourceable", h.nonSourceable)
	})
}

func tripleFrom(r *http.Request) qastatus.Triple {
	q := r.URL.Query()
	return qastatus.Triple{CompanyID: q.Get("companyId"), DataType: q.Get("dataType"), ReportingPeriod: q.Get("reportingPeriod")}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	meta, err := h.service.Get(r.Context(), chi.URLParam(r, "dataId"))
	if err != nil {
		h.fail(w, "get metadata", err)
		return
	}
	httpx.JSON(w, http.StatusOK, meta)
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

func (h *Handler) nonSourceable(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.IsNonSourceable(r.Context(), tripleFrom(r))
	if err != nil {
		h.fail(w, "non-sourceable", err)
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
