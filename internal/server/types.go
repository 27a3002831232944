// Package server provides the optional HTTP surface of the extractor:
// health, live run status and Prometheus metrics.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// ItemsQuery holds the query parameters of GET /items.
type ItemsQuery struct {
	// State filters items by processing state.
	State string `validate:"omitempty,oneof=DISCOVERED LOADED TRIMMED EXTRACTED PERSISTED SKIPPED QUARANTINED FAILED"`
	// Limit caps the number of returned items; zero means no cap.
	Limit int `validate:"gte=0,lte=10000"`
}

// StatusResponse is the HTTP response for the run status endpoint.
type StatusResponse struct {
	// RunID identifies the current or last run.
	RunID string `json:"run_id,omitempty"`
	// Running reports whether a run is in progress.
	Running bool `json:"running"`
	// StartedAt is when the run started.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// Total is the number of files queued in the run.
	Total int `json:"total"`
	// Completed is the number of files that reached a terminal state.
	Completed int `json:"completed"`
	// Progress is the percentage of completion (0-100).
	Progress int `json:"progress"`
	// InFlight is the number of files being processed right now.
	InFlight int64 `json:"in_flight"`
	// States counts files per processing state.
	States map[string]int `json:"states"`
}

// ItemResponse describes one file of the run.
type ItemResponse struct {
	Path           string    `json:"path"`
	Stem           string    `json:"stem"`
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	OnsetMs        float64   `json:"onset_ms,omitempty"`
	ArtifactPath   string    `json:"artifact_path,omitempty"`
	QuarantinePath string    `json:"quarantine_path,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ItemsResponse is the HTTP response for listing items.
type ItemsResponse struct {
	Items []ItemResponse `json:"items"`
	Count int            `json:"count"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
