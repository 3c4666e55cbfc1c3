package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/KanavDutta/seigen/core"
	"github.com/KanavDutta/seigen/pkg/seigen"
)

// DecisionFunc is called with every decision the middleware makes.
type DecisionFunc func(r *http.Request, d core.Decision)

// RateLimiter provides HTTP middleware that admits or bans clients through a
// seigen.Engine.
type RateLimiter struct {
	engine     *seigen.Engine
	keyFunc    seigen.KeyExtractor
	onDecision DecisionFunc
	logger     *slog.Logger
}

// Config for creating a rate limiter
type Config struct {
	Engine     *seigen.Engine      // Required
	KeyFunc    seigen.KeyExtractor // Optional: defaults to seigen.ExtractIP()
	OnDecision DecisionFunc        // Optional
	Logger     *slog.Logger        // Optional: defaults to slog.Default()
}

// NewRateLimiter creates a new rate limiting middleware
func NewRateLimiter(config Config) (*RateLimiter, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("%w: engine is required", seigen.ErrInvalidConfig)
	}
	if config.KeyFunc == nil {
		config.KeyFunc = seigen.ExtractIP()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RateLimiter{
		engine:     config.Engine,
		keyFunc:    config.KeyFunc,
		onDecision: config.OnDecision,
		logger:     config.Logger,
	}, nil
}

// Middleware wraps an http.Handler with rate limiting.
// Admitted requests reach next untouched; banned clients get a 429 with the
// ban details (see WriteDenied).
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := rl.keyFunc(r)
		if err != nil {
			// Keyless requests are handled by the engine's empty-key policy
			rl.logger.Debug("key extraction failed", slog.Any("error", err))
			key = ""
		}

		decision, err := rl.engine.Check(key, seigen.HTTPRequest(r))
		if err != nil {
			if errors.Is(err, seigen.ErrInvalidKey) {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error":   "Bad Request",
					"message": "client could not be identified",
				})
				return
			}
			rl.logger.Error("rate limit check failed", slog.Any("error", err))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if rl.onDecision != nil {
			rl.onDecision(r, decision)
		}

		if !decision.Allowed {
			WriteDenied(w, decision)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DeniedBody is the JSON body of a 429 response.
type DeniedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Reset      int64  `json:"reset"`      // Ban end, Unix milliseconds
	ResetAfter int64  `json:"resetAfter"` // Milliseconds until the ban ends
	Remaining  int64  `json:"remaining"`  // Requests refused during this ban
}

// NewDeniedBody builds the response body for a denied decision.
func NewDeniedBody(d core.Decision) DeniedBody {
	return DeniedBody{
		Error:      "Time-out",
		Message:    d.Message,
		Reset:      d.ResetAt.UnixMilli(),
		ResetAfter: d.ResetAfter.Milliseconds(),
		Remaining:  d.Attempts,
	}
}

// WriteDenied writes a 429 Too Many Requests response for d.
//
// Headers:
//   - X-RateLimit-Reset: ban end (Unix ms)
//   - X-RateLimit-Reset-After: ms until the ban ends
//   - X-RateLimit-Remaining: requests refused during this ban
//   - X-RateLimit-Message: the message of the rule that banned the client
//   - Retry-After: seconds until the ban ends, at least 1
func WriteDenied(w http.ResponseWriter, d core.Decision) {
	body := NewDeniedBody(d)

	h := w.Header()
	h.Set("X-RateLimit-Reset", strconv.FormatInt(body.Reset, 10))
	h.Set("X-RateLimit-Reset-After", strconv.FormatInt(body.ResetAfter, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(body.Remaining, 10))
	h.Set("X-RateLimit-Message", body.Message)
	h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))

	writeJSON(w, http.StatusTooManyRequests, body)
}

func retryAfterSeconds(d core.Decision) int {
	secs := int(math.Ceil(d.ResetAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
