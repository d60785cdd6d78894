// Package analytics stores completed request events for the operator
// surface: recent events, per-model aggregates and CSV/JSON export.
//
// Two backends are available: an in-process ring buffer and a ClickHouse
// batch writer for deployments that keep history. Recording is always
// non-blocking; a slow or absent backend drops events rather than stalling
// the proxy.
package analytics

import (
	"context"
	"time"
)

// Event is one completed proxy exchange as seen by analytics.
type Event struct {
	RequestID    string    `json:"request_id"`
	RouteID      string    `json:"route_id,omitempty"`
	Route        string    `json:"route"`
	API          string    `json:"api"`
	Model        string    `json:"model"`
	Mode         string    `json:"mode"`
	Stream       bool      `json:"stream"`
	KeyID        string    `json:"key_id,omitempty"`
	Status       uint16    `json:"status"`
	LatencyMs    uint32    `json:"latency_ms"`
	InputTokens  uint32    `json:"input_tokens"`
	OutputTokens uint32    `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// ModelAggregate summarizes events for one model over a query window.
type ModelAggregate struct {
	Model        string  `json:"model"`
	Requests     uint64  `json:"requests"`
	Errors       uint64  `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	InputTokens  uint64  `json:"input_tokens"`
	OutputTokens uint64  `json:"output_tokens"`
}

// Stats is the backend health snapshot reported on the status surface.
type Stats struct {
	Backend  string `json:"backend"`
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Held     uint64 `json:"held,omitempty"` // entries currently queryable (memory backend)
}

// Store is the analytics backend.
type Store interface {
	// Record enqueues an event. It never blocks; overflow is dropped and
	// counted in Stats.
	Record(Event)
	// Query returns events in [start, end), newest first, capped at limit.
	Query(ctx context.Context, start, end time.Time, limit int) ([]Event, error)
	// Aggregate summarizes events in [start, end) per model.
	Aggregate(ctx context.Context, start, end time.Time) ([]ModelAggregate, error)
	Stats() Stats
	// Clear drops all stored events.
	Clear(ctx context.Context) error
	Close() error
}
