package api

import (
	"encoding/json"

	"github.com/mattjoyce/severance/internal/journal"
	"github.com/mattjoyce/severance/internal/supervise"
)

// OpRequest is the JSON body for POST /ops/{op}
type OpRequest struct {
	Args   []json.RawMessage          `json:"args,omitempty"`
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// OpResponse carries the worker's return value.
type OpResponse struct {
	Op    string          `json:"op"`
	PID   int             `json:"pid"`
	Value json.RawMessage `json:"value"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	supervise.Status
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// CallsResponse is returned by GET /calls.
type CallsResponse struct {
	Calls []journal.Entry `json:"calls"`
}

// SummaryResponse is returned by GET /calls/summary.
type SummaryResponse struct {
	Ops []journal.OpSummary `json:"ops"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	// Code is the worker's failure code when the operation itself failed.
	Code string `json:"code,omitempty"`
}
