package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/KanavDutta/seigen/core"
	"github.com/KanavDutta/seigen/pkg/seigen"
)

// Handler handles admission check requests for remote callers
type Handler struct {
	engine  *seigen.Engine
	metrics MetricsRecorder
}

// MetricsRecorder defines the interface for recording metrics
type MetricsRecorder interface {
	RecordRequest(clientID string, allowed bool)
}

// NewHandler creates a new API handler. metrics may be nil.
func NewHandler(engine *seigen.Engine, metrics MetricsRecorder) *Handler {
	return &Handler{
		engine:  engine,
		metrics: metrics,
	}
}

// CheckRequest describes the request being admitted on the caller's side.
type CheckRequest struct {
	ClientID string            `json:"client_id"` // Client key; empty follows the engine's empty-key policy
	Method   string            `json:"method,omitempty"`
	Path     string            `json:"path,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"` // Inspected by rule predicates
}

// CheckResponse represents the admission decision
type CheckResponse struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	Message      string `json:"message,omitempty"`
	ResetAt      int64  `json:"reset_at,omitempty"`       // Ban end, Unix milliseconds
	ResetAfterMs int64  `json:"reset_after_ms,omitempty"` // Milliseconds until the ban ends
	Attempts     int64  `json:"attempts,omitempty"`       // Requests refused during the ban
	RuleID       string `json:"rule_id,omitempty"`        // Rule that issued the ban, on the banning request
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /check requests
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	view := core.StaticRequest{
		M:       strings.ToUpper(req.Method),
		P:       req.Path,
		Addr:    r.RemoteAddr,
		Headers: req.Headers,
	}

	decision, err := h.engine.Check(req.ClientID, view)
	if err != nil {
		if errors.Is(err, seigen.ErrInvalidKey) {
			h.sendError(w, http.StatusBadRequest, "missing_client_id", "client_id is required")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	if h.metrics != nil {
		h.metrics.RecordRequest(decision.Key, decision.Allowed)
	}

	statusCode := http.StatusOK
	if !decision.Allowed {
		statusCode = http.StatusTooManyRequests
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(NewCheckResponse(decision))
}

// NewCheckResponse converts a decision to its wire form.
func NewCheckResponse(d core.Decision) CheckResponse {
	resp := CheckResponse{Allowed: d.Allowed}
	if d.Allowed {
		return resp
	}

	resp.Reason = d.Reason
	resp.Message = d.Message
	resp.ResetAt = d.ResetAt.UnixMilli()
	resp.ResetAfterMs = d.ResetAfter.Milliseconds()
	resp.Attempts = d.Attempts
	resp.RuleID = string(d.RuleID)
	return resp
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
