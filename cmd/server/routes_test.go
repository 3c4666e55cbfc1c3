package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KanavDutta/seigen/metrics"
	"github.com/KanavDutta/seigen/middleware"
	"github.com/KanavDutta/seigen/pkg/seigen"
)

func newTestServer(t *testing.T) (*server, http.Handler) {
	t.Helper()

	m := metrics.NewMetrics()
	engine, err := seigen.New(
		seigen.WithObserver(m),
		seigen.WithRule(3, time.Minute, time.Minute, "slow down", nil),
	)
	if err != nil {
		t.Fatalf("seigen.New() failed: %v", err)
	}
	if err := m.WatchEngine(engine); err != nil {
		t.Fatalf("WatchEngine() failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter, err := middleware.NewRateLimiter(middleware.Config{Engine: engine, Logger: logger})
	if err != nil {
		t.Fatalf("NewRateLimiter() failed: %v", err)
	}

	srv := &server{engine: engine, limiter: limiter, metrics: m, logger: logger}
	return srv, srv.routes()
}

func serve(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRoutes_DemoIsGuarded(t *testing.T) {
	_, h := newTestServer(t)

	for i := 0; i < 2; i++ {
		if rr := serve(h, http.MethodGet, "/demo", nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
	}

	rr := serve(h, http.MethodGet, "/demo", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Message"); got != "slow down" {
		t.Errorf("X-RateLimit-Message = %q, want slow down", got)
	}
}

func TestRoutes_CheckAndStats(t *testing.T) {
	_, h := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"client_id": "alice"})
	if rr := serve(h, http.MethodPost, "/check", body); rr.Code != http.StatusOK {
		t.Fatalf("/check status = %d, want 200", rr.Code)
	}

	rr := serve(h, http.MethodGet, "/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("/stats status = %d, want 200", rr.Code)
	}
	var stats struct {
		TotalRequests int64        `json:"total_requests"`
		Engine        seigen.Stats `json:"engine"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decode /stats: %v", err)
	}
	if stats.TotalRequests != 1 || stats.Engine.Identities != 1 {
		t.Errorf("stats = %+v, want 1 request and 1 identity", stats)
	}

	if rr := serve(h, http.MethodGet, "/check", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /check status = %d, want 405", rr.Code)
	}
}

func TestRoutes_Metrics(t *testing.T) {
	_, h := newTestServer(t)

	serve(h, http.MethodPost, "/check", []byte(`{"client_id":"bob"}`))

	rr := serve(h, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	for _, want := range []string{
		`seigen_requests_total{outcome="allowed"} 1`,
		"seigen_engine_rules 1",
	} {
		if !strings.Contains(rr.Body.String(), want) {
			t.Errorf("/metrics output missing %q", want)
		}
	}
}

func TestRoutes_Health(t *testing.T) {
	srv, h := newTestServer(t)

	rr := serve(h, http.MethodGet, "/health", nil)
	var resp map[string]any
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	if _, ok := resp["ban_feed"]; ok {
		t.Error("ban_feed should be absent without Redis")
	}

	srv.pingBanLog = func(context.Context) error { return errors.New("connection refused") }
	rr = serve(srv.routes(), http.MethodGet, "/health", nil)
	resp = nil
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestRoutes_Static(t *testing.T) {
	_, h := newTestServer(t)

	rr := serve(h, http.MethodGet, "/dashboard", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "/stats") {
		t.Errorf("/dashboard: status %d", rr.Code)
	}

	rr = serve(h, http.MethodGet, "/", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("/: status %d", rr.Code)
	}
}

func TestValidateCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - {threshold: 2, window: 1s, ban: 1s, message: x}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := (&ValidateCmd{Rules: path}).Run(); err != nil {
		t.Errorf("valid file: %v", err)
	}

	if err := os.WriteFile(path, []byte("rules:\n  - {threshold: 0, window: 1s, ban: 1s}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := (&ValidateCmd{Rules: path}).Run(); !errors.Is(err, seigen.ErrInvalidConfig) {
		t.Errorf("invalid file: got %v, want ErrInvalidConfig", err)
	}
}

func TestValidateCmd_ExampleRules(t *testing.T) {
	if err := (&ValidateCmd{Rules: filepath.Join("..", "..", "examples", "with-config", "rules.yaml")}).Run(); err != nil {
		t.Errorf("example rules file: %v", err)
	}
}
