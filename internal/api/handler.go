// Package api provides the HTTP handlers and routing for the generation queue.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sdqueue/internal/apperrors"
	"sdqueue/internal/dispatcher"
	"sdqueue/internal/health"
	"sdqueue/internal/job"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// serviceInfo is returned by GET /.
var serviceInfo = map[string]string{
	"service": "sdqueue",
	"health":  "ok",
	"api":     "POST /api/request, GET /api/status/{transaction_key}",
}

// Handler contains HTTP handlers for the queue API
type Handler struct {
	svc        *job.Service
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
}

// NewHandler creates a new API handler. d may be nil.
func NewHandler(svc *job.Service, healthChecker *health.Checker, d dispatcher.Dispatcher) *Handler {
	return &Handler{
		svc:        svc,
		health:     healthChecker,
		dispatcher: d,
	}
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statsResponse is returned by GET /api/stats.
type statsResponse struct {
	job.Stats
	Dispatcher *dispatcher.Stats `json:"dispatcher,omitempty"`
}

// Submit handles POST /api/request
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Status handles GET /api/status/{transaction_key}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "transaction_key")
	if r.URL.RawPath != "" {
		// chi matched on the escaped path; keys may carry '/' or '%'.
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed transaction_key")
			return
		}
		key = unescaped
	}
	if key == "" {
		writeError(w, http.StatusBadRequest, "transaction_key is required")
		return
	}

	status, err := h.svc.Status(r.Context(), key)
	if err != nil {
		handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// Stats handles GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stats: h.svc.Stats()}
	if h.dispatcher != nil {
		ds := h.dispatcher.Stats()
		resp.Dispatcher = &ds
	}
	writeJSON(w, http.StatusOK, resp)
}

// Root handles GET /
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serviceInfo)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while the worker is stopped or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// handleError maps service errors to HTTP status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	var resp errorResponse
	resp.Error, resp.Field = apperrors.Public(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, resp)
}
