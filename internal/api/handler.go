// Package api provides the HTTP surface for the dispatch service: the RPC
// endpoint, the async job accessor, and health.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/codequay/codequay/internal/dispatch"
	"github.com/codequay/codequay/internal/rpc"
)

// maxRequestBodyBytes bounds an inbound RPC body.
const maxRequestBodyBytes = 1 << 20

// Handler serves the RPC and job endpoints.
type Handler struct {
	dispatcher *dispatch.Dispatcher
}

// NewHandler creates a new Handler.
func NewHandler(dispatcher *dispatch.Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

// RegisterRoutes registers the dispatch routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/rpc", h.RPC)
	r.Get("/api/jobs/{jobID}", h.JobStatus)
	r.Get("/api/sessions/{sessionID}/audit", h.SessionAudit)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RPC handles one structured envelope. The HTTP status is 200 for every
// well-formed envelope; failures travel in the error field so callers never
// see a bare failure for work that ran before any stream began.
func (h *Handler) RPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		JSON(w, http.StatusOK, rpc.Fail(nil, rpc.Errorf(rpc.CodeParseError, "read request: %v", err)))
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		JSON(w, http.StatusOK, rpc.Fail(nil, rpc.Errorf(rpc.CodeParseError, "invalid envelope: %v", err)))
		return
	}
	if req.Method == "" {
		JSON(w, http.StatusOK, rpc.Fail(req.ID, rpc.Errorf(rpc.CodeInvalidRequest, "method is required")))
		return
	}

	mode := requestMode(req)
	if mode == dispatch.ModeStream {
		h.stream(w, r, req)
		return
	}

	result, rpcErr := h.dispatcher.Dispatch(r.Context(), req.Method, req.Params, mode)
	if rpcErr != nil {
		JSON(w, http.StatusOK, rpc.Fail(req.ID, rpcErr))
		return
	}
	JSON(w, http.StatusOK, rpc.Ok(req.ID, result))
}

// stream relays the backend's raw response bytes to the caller as they
// arrive, with no intermediate buffering.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req rpc.Request) {
	body, rpcErr := h.dispatcher.OpenStream(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		JSON(w, http.StatusOK, rpc.Fail(req.ID, rpcErr))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// JobStatus returns the current record of one async job.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, rpcErr := h.dispatcher.GetJobStatus(r.Context(), jobID)
	if rpcErr != nil {
		status := http.StatusInternalServerError
		switch rpcErr.Code {
		case rpc.CodeJobNotFound:
			status = http.StatusNotFound
		case rpc.CodeInvalidParams:
			status = http.StatusBadRequest
		}
		Error(w, status, rpcErr.Message)
		return
	}
	JSON(w, http.StatusOK, job)
}

// SessionAudit returns the recent prompt audit trail for a session.
func (h *Handler) SessionAudit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, rpcErr := h.dispatcher.ListSessionAudit(r.Context(), sessionID, limit)
	if rpcErr != nil {
		status := http.StatusInternalServerError
		if rpcErr.Code == rpc.CodeInvalidParams {
			status = http.StatusBadRequest
		}
		Error(w, status, rpcErr.Message)
		return
	}
	JSON(w, http.StatusOK, records)
}

// requestMode derives the execution mode from the params' async/stream
// flags. Async wins when both are set; a stream cannot be queued.
func requestMode(req rpc.Request) dispatch.Mode {
	if req.Method != dispatch.MethodSessionPrompt || len(req.Params) == 0 {
		return dispatch.ModeSync
	}
	var flags struct {
		Async  bool `json:"async"`
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(req.Params, &flags); err != nil {
		return dispatch.ModeSync
	}
	switch {
	case flags.Async:
		return dispatch.ModeAsync
	case flags.Stream:
		return dispatch.ModeStream
	default:
		return dispatch.ModeSync
	}
}
