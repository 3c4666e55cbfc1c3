package api

import (
	"encoding/json"
	"net/http"

	"github.com/KanavDutta/seigen/metrics"
	"github.com/KanavDutta/seigen/pkg/seigen"
)

// MetricsProvider defines the interface for getting metrics
type MetricsProvider interface {
	GetSnapshot() *metrics.Snapshot
}

// EngineStatser reports the engine's live state sizes.
type EngineStatser interface {
	Stats() seigen.Stats
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	*metrics.Snapshot
	Engine *seigen.Stats `json:"engine,omitempty"`
}

// MetricsHandler handles GET /stats requests
type MetricsHandler struct {
	provider MetricsProvider
	engine   EngineStatser
}

// NewMetricsHandler creates a new stats handler. engine may be nil.
func NewMetricsHandler(provider MetricsProvider, engine EngineStatser) *MetricsHandler {
	return &MetricsHandler{provider: provider, engine: engine}
}

// ServeHTTP handles the stats endpoint
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatsResponse{Snapshot: h.provider.GetSnapshot()}
	if h.engine != nil {
		stats := h.engine.Stats()
		resp.Engine = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*") // Allow dashboard to fetch
	json.NewEncoder(w).Encode(resp)
}
