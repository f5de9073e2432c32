package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/severance/internal/journal"
	"github.com/mattjoyce/severance/internal/mirror"
	"github.com/mattjoyce/severance/internal/supervise"
)

// handleStatus handles GET /status (no auth).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{
		Status:        s.worker.Status(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleCalls handles GET /calls?kind=&op=&limit=
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.writeError(w, http.StatusNotFound, "call journal disabled")
		return
	}

	q := r.URL.Query()
	f := journal.Filter{Kind: q.Get("kind"), Op: q.Get("op")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	entries, err := s.calls.Recent(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to read call journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read call journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, CallsResponse{Calls: entries})
}

// handleSummary handles GET /calls/summary
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.writeError(w, http.StatusNotFound, "call journal disabled")
		return
	}
	ops, err := s.calls.Summary(r.Context())
	if err != nil {
		s.logger.Error("failed to summarise call journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to summarise call journal")
		return
	}
	if ops == nil {
		ops = []journal.OpSummary{}
	}
	respondJSON(w, http.StatusOK, SummaryResponse{Ops: ops})
}

// handleOp handles POST /ops/{op}: it forwards one call to the worker.
func (s *Server) handleOp(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")

	var req OpRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		args[i] = a
	}
	var kwargs mirror.Kwargs
	if len(req.Kwargs) > 0 {
		kwargs = make(mirror.Kwargs, len(req.Kwargs))
		for k, v := range req.Kwargs {
			kwargs[k] = v
		}
	}

	ctx := r.Context()
	if s.config.MaxCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.MaxCallTimeout)
		defer cancel()
	}

	value, err := s.worker.Invoke(ctx, op, args, kwargs)
	if err != nil {
		s.writeCallError(w, op, err)
		return
	}
	respondJSON(w, http.StatusOK, OpResponse{Op: op, PID: s.worker.Status().PID, Value: value})
}

// writeCallError maps the mirror error taxonomy onto HTTP statuses.
func (s *Server) writeCallError(w http.ResponseWriter, op string, err error) {
	var remote *mirror.RemoteError
	switch {
	case errors.Is(err, mirror.ErrUnknownOperation):
		s.writeError(w, http.StatusNotFound, "unknown operation: "+op)
	case errors.Is(err, mirror.ErrBadArgument):
		resp := ErrorResponse{Error: err.Error()}
		if errors.As(err, &remote) {
			resp = ErrorResponse{Error: remote.Message, Code: remote.Code}
		}
		respondJSON(w, http.StatusBadRequest, resp)
	case errors.As(err, &remote):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: remote.Message, Code: remote.Code})
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "operation timed out")
	case errors.Is(err, mirror.ErrChannelClosed), errors.Is(err, supervise.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "worker unavailable")
	default:
		s.logger.Error("operation failed", "op", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
