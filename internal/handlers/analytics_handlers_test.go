package handlers

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate-platform/internal/store"
	"climate-platform/pkg/database"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

var (
	testLogger  = newTestLogger()
	testMetrics = metrics.NewCollector("climate_test_handlers")
)

func newTestLogger() *logging.StructuredLogger {
	l := logging.NewStructuredLogger("test", "test", logging.ErrorLevel)
	l.SetOutput(io.Discard)
	return l
}

func newTestRouter(t *testing.T) (*mux.Router, *store.Store) {
	t.Helper()
	db, err := database.NewDuckDB(&database.Config{Path: ""}, testLogger, testMetrics)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(context.Background(), db, testLogger, testMetrics)
	require.NoError(t, err)

	handler := NewAnalyticsHandler(st, testLogger, testMetrics)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router, st
}

func seedSlopes(t *testing.T, st *store.Store) {
	t.Helper()
	df := dataframe.New(
		series.New([]string{"Italy", "Italy", "Spain"}, series.String, "Area"),
		series.New([]string{"CO2", "CH4", "CO2"}, series.String, "Element"),
		series.New([]float64{-1.5, 0.3, math.NaN()}, series.Float, "Annual_slope"),
	)
	require.NoError(t, st.Write(context.Background(), "mart_index_slopes", df, store.ModeReplace))
}

func doGET(t *testing.T, router *mux.Router, url string) (*httptest.ResponseRecorder, TableResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body TableResponse
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestGetIndexSlopes(t *testing.T) {
	router, st := newTestRouter(t)
	seedSlopes(t, st)

	rec, body := doGET(t, router, "/api/emissions/slopes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 1, body.Page)
	require.Len(t, body.Data, 3)

	// NULL slope serializes as JSON null.
	var sawNull bool
	for _, row := range body.Data {
		if row["Area"] == "Spain" {
			assert.Nil(t, row["Annual_slope"])
			sawNull = true
		}
	}
	assert.True(t, sawNull)
}

func TestAreaFilter(t *testing.T) {
	router, st := newTestRouter(t)
	seedSlopes(t, st)

	_, body := doGET(t, router, "/api/emissions/slopes?area=Italy")
	assert.Equal(t, 2, body.Total)
	for _, rec := range body.Data {
		assert.Equal(t, "Italy", rec["Area"])
	}
}

func TestPagination(t *testing.T) {
	router, st := newTestRouter(t)
	seedSlopes(t, st)

	_, body := doGET(t, router, "/api/emissions/slopes?page=2&limit=2")
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.Page)
	assert.Equal(t, 2, body.TotalPages)
	assert.Len(t, body.Data, 1)

	// Pages past the end are empty, not errors.
	rec, body := doGET(t, router, "/api/emissions/slopes?page=99&limit=2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body.Data)
}

func TestEmptyTableIsEmptyPage(t *testing.T) {
	router, _ := newTestRouter(t)

	rec, body := doGET(t, router, "/api/agriculture/top-items")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, body.Total)
	assert.Empty(t, body.Data)
}

func TestHealthCheck(t *testing.T) {
	router, st := newTestRouter(t)
	seedSlopes(t, st)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status    string           `json:"status"`
		RowCounts map[string]int64 `json:"row_counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, int64(3), body.RowCounts["mart_index_slopes"])
}

func TestOpenAPISpec(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/docs/openapi.json", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))
	assert.Equal(t, "3.0.0", spec["openapi"])
	paths, ok := spec["paths"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, paths, "/api/emissions/index")
	assert.Contains(t, paths, "/api/sectors")
}
