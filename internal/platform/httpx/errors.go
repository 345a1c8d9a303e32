// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/esgqa/qa-engine/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var incomplete *shared.IncompleteReviewError
	switch {
	case errors.As(err, &incomplete):
		JSON(w, http.StatusConflict, ProblemDetail{
			Title:     "Incomplete Review",
			Status:    http.StatusConflict,
			Detail:    err.Error(),
			Undecided: incomplete.Undecided,
		})
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrInvalidInput):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrTransientIO):
		Problem(w, http.StatusServiceUnavailable, "Temporarily Unavailable", "retry later")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
