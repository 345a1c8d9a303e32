package qastatus_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/esgqa/qa-engine/internal/messaging"
	"github.com/esgqa/qa-engine/internal/qastatus"
)

func TestHandlerRegistersAndReadsDatasets(t *testing.T) {
	svc, repo := newService(t)
	r := chi.NewRouter()
	qastatus.NewHandler(nil, svc).MountRoutes(r)

	body := `{"companyId":"c-1","dataType":"sfdr","reportingPeriod":"2023","dataPoints":{"scope1":"8","policy":"No"}}`
	req := httptest.NewRequest(http.MethodPost, "/datasets", strings.NewReader(body))
	req.Header.Set("X-User-Id", "uploader-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ds qastatus.Dataset
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ds))
	require.Equal(t, qastatus.StatusPending, ds.QaStatus)
	require.Equal(t, "uploader-1", ds.UploaderUserID)

	outbox := repo.Outbox()
	require.Len(t, outbox, 1)
	require.Equal(t, messaging.TypeManualQaRequested, outbox[0].MessageType)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/"+ds.DataID+"/data-points", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var points []qastatus.DataPoint
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&points))
	require.Len(t, points, 2)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/active?companyId=c-1&dataType=sfdr&reportingPeriod=2023", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"triple":{"companyId":"c-1","dataType":"sfdr","reportingPeriod":"2023"},"currentlyActiveDataId":null}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/history?companyId=c-1&dataType=sfdr&reportingPeriod=2023", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var history []qastatus.StatusChange
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history, 1)
}

func TestHandlerDatasetErrors(t *testing.T) {
	svc, _ := newService(t)
	r := chi.NewRouter()
	qastatus.NewHandler(nil, svc).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/datasets", strings.NewReader(`{"companyId":"c-1"}`))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code, "uploader header is required")

	req = httptest.NewRequest(http.MethodPost, "/datasets", strings.NewReader(`{"companyId":"c-1","dataType":"sfdr","reportingPeriod":"2023","dataPoints":{}}`))
	req.Header.Set("X-User-Id", "uploader-1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/datasets/history?companyId=c-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
