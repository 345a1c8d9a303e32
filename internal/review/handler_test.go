package review_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/esgqa/qa-engine/internal/platform/httpx"
	"github.com/esgqa/qa-engine/internal/review"
)

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerReviewFlow(t *testing.T) {
	f := newFixture(t)
	r := chi.NewRouter()
	review.NewHandler(nil, f.svc).MountRoutes(r)

	rec := do(t, r, http.MethodPost, "/qa/reviews", "rev-1", `{"datasetId":"ds-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rev review.DatasetReview
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rev))
	base := "/qa/reviews/" + rev.DataSetReviewID

	rec = do(t, r, http.MethodPost, "/qa/reviews", "rev-2", `{"datasetId":"ds-1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, r, http.MethodPut, base+"/decisions/scope1", "rev-1", `{"source":"Original"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodPost, base+"/finish", "rev-1", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	require.Equal(t, []string{"policy"}, problem.Undecided)

	rec = do(t, r, http.MethodPut, base+"/decisions/policy", "rev-1", `{"source":"Custom","ref":"true"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodPost, base+"/finish", "rev-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome review.Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&outcome))
	require.Len(t, outcome.DataPoints, 2)

	rec = do(t, r, http.MethodGet, base+"/outcome", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, base+"/export.xlsx", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotZero(t, rec.Body.Len())

	rec = do(t, r, http.MethodGet, "/qa/reviews?datasetId=ds-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []review.DatasetReview
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&listed))
	require.Len(t, listed, 1)
	require.Equal(t, review.StatusFinished, listed[0].Status)
}

func TestHandlerMapsReviewErrors(t *testing.T) {
	f := newFixture(t)
	r := chi.NewRouter()
	review.NewHandler(nil, f.svc).MountRoutes(r)

	cases := []struct {
		name, method, path, user, body string
		status                         int
	}{
		{"missing actor", http.MethodPost, "/qa/reviews", "", `{"datasetId":"ds-1"}`, http.StatusBadRequest},
		{"missing dataset id", http.MethodPost, "/qa/reviews", "rev-1", `{}`, http.StatusBadRequest},
		{"unknown dataset", http.MethodPost, "/qa/reviews", "rev-1", `{"datasetId":"nope"}`, http.StatusNotFound},
		{"unknown review", http.MethodGet, "/qa/reviews/nope", "", "", http.StatusNotFound},
		{"bad source", http.MethodPut, "/qa/reviews/nope/decisions/scope1", "rev-1", `{"source":"Guess"}`, http.StatusBadRequest},
		{"list without dataset", http.MethodGet, "/qa/reviews", "", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, r, tc.method, tc.path, tc.user, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}
