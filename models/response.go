package models

import "time"

// Document is the aggregated result of a run: the lazy frame sequence
// collected in full before responding.
type Document struct {
	ScrapedAt time.Time `json:"scraped_at"`
	Source    Source    `json:"source"`
	Count     int       `json:"count"`
	Results   []Record  `json:"results"`

	// CacheStatus indicates whether the document was served from cache.
	// Values: "hit", "miss", or empty (caching not requested).
	CacheStatus string `json:"cache_status,omitempty"`
}

// ErrorResponse is the body of a failed aggregated request.
type ErrorResponse struct {
	Success bool         `json:"success"`
	Error   *ErrorDetail `json:"error"`
}

// HealthResponse is the response for GET / and GET /api/v1/health.
type HealthResponse struct {
	Status    string    `json:"status"` // "ok" or "busy"
	Service   string    `json:"service"`
	Uptime    string    `json:"uptime"`
	Busy      bool      `json:"busy"`
	PoolStats PoolStats `json:"pool_stats"`
	Version   string    `json:"version"`
}

// PoolStats reports the state of the browser page pool.
type PoolStats struct {
	MaxPages    int `json:"max_pages"`
	ActivePages int `json:"active_pages"`
}
