package analytics

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// WriteCSV writes events as CSV with a header row.
func WriteCSV(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	header := []string{
		"request_id", "route_id", "route", "api", "model", "mode", "stream",
		"key_id", "status", "latency_ms", "input_tokens", "output_tokens", "created_at",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("analytics: csv header: %w", err)
	}
	for _, e := range events {
		row := []string{
			e.RequestID,
			e.RouteID,
			e.Route,
			e.API,
			e.Model,
			e.Mode,
			strconv.FormatBool(e.Stream),
			e.KeyID,
			strconv.FormatUint(uint64(e.Status), 10),
			strconv.FormatUint(uint64(e.LatencyMs), 10),
			strconv.FormatUint(uint64(e.InputTokens), 10),
			strconv.FormatUint(uint64(e.OutputTokens), 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("analytics: csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes events as a JSON array.
func WriteJSON(w io.Writer, events []Event) error {
	if events == nil {
		events = []Event{}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(events)
}
