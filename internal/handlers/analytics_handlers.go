package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/gorilla/mux"

	"climate-platform/internal/models"
	"climate-platform/internal/store"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// AnalyticsHandler serves the mart tables over HTTP.
type AnalyticsHandler struct {
	store   *store.Store
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewAnalyticsHandler creates a new analytics handler
func NewAnalyticsHandler(st *store.Store, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *AnalyticsHandler {
	return &AnalyticsHandler{
		store:   st,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// TableResponse returns a page of a tabular result as column-named
// JSON records.
type TableResponse struct {
	Data       []map[string]interface{} `json:"data"`
	Total      int                      `json:"total"`
	Page       int                      `json:"page"`
	Limit      int                      `json:"limit"`
	TotalPages int                      `json:"total_pages"`
}

// GetEmissionsIndex handles GET /api/emissions/index
func (h *AnalyticsHandler) GetEmissionsIndex(w http.ResponseWriter, r *http.Request) {
	h.serveTable(w, r, "/api/emissions/index", "mart_emissions_index")
}

// GetPercentChanges handles GET /api/emissions/changes
func (h *AnalyticsHandler) GetPercentChanges(w http.ResponseWriter, r *http.Request) {
	h.serveTable(w, r, "/api/emissions/changes", "mart_percent_change")
}

// GetIndexSlopes handles GET /api/emissions/slopes
func (h *AnalyticsHandler) GetIndexSlopes(w http.ResponseWriter, r *http.Request) {
	h.serveTable(w, r, "/api/emissions/slopes", "mart_index_slopes")
}

// GetTopAgItems handles GET /api/agriculture/top-items
func (h *AnalyticsHandler) GetTopAgItems(w http.ResponseWriter, r *http.Request) {
	h.serveTable(w, r, "/api/agriculture/top-items", "mart_top_ag_items")
}

// GetSectorShares handles GET /api/sectors
func (h *AnalyticsHandler) GetSectorShares(w http.ResponseWriter, r *http.Request) {
	h.serveTable(w, r, "/api/sectors", "stg_sector_shares")
}

func (h *AnalyticsHandler) serveTable(w http.ResponseWriter, r *http.Request, endpoint, table string) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	}()

	page, limit := parsePagination(r)
	area := r.URL.Query().Get("area")

	df, err := h.store.Read(ctx, table)
	if err != nil {
		h.logger.Error(ctx, "[API_READ_ERROR] Failed to read table", logging.Fields{
			"table": table,
		}, err)
		h.metrics.RecordAPIError("internal_error", endpoint)
		h.sendError(w, r, "failed to retrieve data", http.StatusInternalServerError)
		return
	}

	records := toRecords(df)
	if area != "" {
		records = filterRecords(records, area)
	}

	total := len(records)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	response := TableResponse{
		Data:       records[start:end],
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}

	h.metrics.RecordAPIRequest(endpoint, "GET", "200")
	h.sendJSON(w, response, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *AnalyticsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.store.RowCounts(ctx)
	if err != nil {
		h.sendError(w, r, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	status := map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"row_counts": counts,
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.sendJSON(w, status, http.StatusOK)
}

func parsePagination(r *http.Request) (page, limit int) {
	page = 1
	limit = 100

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	return page, limit
}

// toRecords converts a frame to JSON-friendly records. Numeric NaN
// comes out as null.
func toRecords(df dataframe.DataFrame) []map[string]interface{} {
	names := df.Names()
	rows := df.Records()
	out := make([]map[string]interface{}, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]interface{}, len(names))
		for i, name := range names {
			v := row[i]
			if v == "NaN" {
				rec[name] = nil
				continue
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				rec[name] = f
				continue
			}
			rec[name] = v
		}
		out = append(out, rec)
	}
	return out
}

// filterRecords keeps rows whose Area or Country field matches.
func filterRecords(records []map[string]interface{}, area string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, rec := range records {
		if rec[models.ColArea] == area || rec[models.ColCountry] == area {
			out = append(out, rec)
		}
	}
	return out
}

// sendJSON sends a JSON response
func (h *AnalyticsHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *AnalyticsHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all analytics API routes
func (h *AnalyticsHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/emissions/index", h.GetEmissionsIndex).Methods("GET")
	router.HandleFunc("/api/emissions/changes", h.GetPercentChanges).Methods("GET")
	router.HandleFunc("/api/emissions/slopes", h.GetIndexSlopes).Methods("GET")
	router.HandleFunc("/api/agriculture/top-items", h.GetTopAgItems).Methods("GET")
	router.HandleFunc("/api/sectors", h.GetSectorShares).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI).Methods("GET")
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
}
