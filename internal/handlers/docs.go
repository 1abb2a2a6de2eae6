package handlers

import (
	"encoding/json"
	"net/http"
)

// OpenAPISpec returns the OpenAPI 3.0 specification for the Climate Platform API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Climate Platform API",
			"description": "Emissions and agriculture analytics over FAOSTAT, World Bank, and national inventory data",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "Climate Platform Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/emissions/index": tableEndpoint(
				"Get indexed emissions",
				"Emissions with GDP, intensity per million USD, and the 1990=100 index"),
			"/api/emissions/changes": tableEndpoint(
				"Get percent changes",
				"Percent change in emissions between the base year and the latest year per country and gas"),
			"/api/emissions/slopes": tableEndpoint(
				"Get index slopes",
				"Annual linear-trend slope of the emissions index per country and gas"),
			"/api/agriculture/top-items": tableEndpoint(
				"Get top agricultural items",
				"Highest-producing agricultural item per country and five-year period"),
			"/api/sectors": tableEndpoint(
				"Get sector shares",
				"Per-country emissions breakdown by economic sector for the reference year"),
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Health check",
					"description": "Service health plus per-table row counts",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Service is healthy",
						},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}

// tableEndpoint describes a paginated GET endpoint over one analytics
// table. All table endpoints share the same query parameters.
func tableEndpoint(summary, description string) map[string]interface{} {
	return map[string]interface{}{
		"get": map[string]interface{}{
			"summary":     summary,
			"description": description,
			"parameters": []map[string]interface{}{
				{
					"name":        "area",
					"in":          "query",
					"description": "Filter by country name",
					"required":    false,
					"schema":      map[string]string{"type": "string"},
				},
				{
					"name":        "page",
					"in":          "query",
					"description": "Page number (default: 1)",
					"required":    false,
					"schema":      map[string]interface{}{"type": "integer", "default": 1},
				},
				{
					"name":        "limit",
					"in":          "query",
					"description": "Records per page (default: 100, max: 1000)",
					"required":    false,
					"schema":      map[string]interface{}{"type": "integer", "default": 100},
				},
			},
			"responses": map[string]interface{}{
				"200": map[string]interface{}{
					"description": "Successful response",
					"content": map[string]interface{}{
						"application/json": map[string]interface{}{
							"schema": map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"data":        map[string]interface{}{"type": "array", "items": map[string]string{"type": "object"}},
									"total":       map[string]string{"type": "integer"},
									"page":        map[string]string{"type": "integer"},
									"limit":       map[string]string{"type": "integer"},
									"total_pages": map[string]string{"type": "integer"},
								},
							},
						},
					},
				},
				"500": map[string]interface{}{
					"description": "Internal server error",
				},
			},
		},
	}
}
