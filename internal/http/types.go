package http

import "github.com/fyrsmithlabs/vectorrouter/internal/router"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Connected     int    `json:"connected"`
	Instances     int    `json:"instances"`
	ActivePrimary string `json:"activePrimary,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status and
// POST /api/v1/reload.
type StatusResponse struct {
	router.Report
	Generation uint64 `json:"generation"`
}

// BackendsHealthResponse is the response body for GET /api/v1/backends/health.
// Backends is keyed by instance ("qdrant@1").
type BackendsHealthResponse struct {
	Healthy  int                            `json:"healthy"`
	Total    int                            `json:"total"`
	Backends map[string]router.HealthResult `json:"backends"`
}

// CollectionsResponse is the response body for GET /api/v1/collections.
type CollectionsResponse struct {
	Collections []string       `json:"collections"`
	PointCounts map[string]int `json:"pointCounts"`
}
