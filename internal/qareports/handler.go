package qareports

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/esgqa/qa-engine/internal/platform/httpx"
)

type reportService interface {
	Submit(ctx context.Context, in SubmitInput) (Report, error)
	Get(ctx context.Context, qaReportID string) (Report, error)
	List(ctx context.Context, dims DataPointDimensions) ([]Report, error)
	Candidates(ctx context.Context, dims DataPointDimensions) ([]Report, error)
	Retract(ctx context.Context, qaReportID, actorID string) (Report, error)
}

// Handler exposes QA report endpoints.
type Handler struct {
	logger  *slog.Logger
	service reportService
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service reportService) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers routes under the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/qa/reports", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/retract", h.retract)
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in SubmitInput
	if err := httpx.DecodeAndValidate(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.ReporterUserID = actor
	rep, err := h.service.Submit(r.Context(), in)
	if err != nil {
		h.fail(w, "submit qa report", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rep)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dims := DataPointDimensions{
		CompanyID:       q.Get("companyId"),
		DataPointType:   q.Get("dataPointType"),
		ReportingPeriod: q.Get("reportingPeriod"),
	}
	activeOnly, _ := strconv.ParseBool(q.Get("active"))
	var (
		reports []Report
		err     error
	)
	if activeOnly {
		reports, err = h.service.Candidates(r.Context(), dims)
	} else {
		reports, err = h.service.List(r.Context(), dims)
	}
	if err != nil {
		h.fail(w, "list qa reports", err)
		return
	}
	if reports == nil {
		reports = []Report{}
	}
	httpx.JSON(w, http.StatusOK, reports)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get qa report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rep)
}

func (h *Handler) retract(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rep, err := h.service.Retract(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, "retract qa report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rep)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
