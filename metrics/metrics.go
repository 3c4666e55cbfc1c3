package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/KanavDutta/seigen/core"
	"github.com/KanavDutta/seigen/pkg/seigen"
)

const namespace = "seigen"

// DefaultMaxClients bounds the per-client stats table.
const DefaultMaxClients = 10_000

// Metrics tracks admission statistics. It is an engine observer (bans, rule
// errors) and a decision recorder (admitted/denied requests), and exports both
// as Prometheus metrics on its own registry.
type Metrics struct {
	totalRequests   atomic.Int64
	allowedRequests atomic.Int64
	blockedRequests atomic.Int64
	bans            atomic.Int64
	ruleErrors      atomic.Int64

	// Per-client stats
	mu          sync.RWMutex
	clientStats map[string]*ClientStats
	maxClients  int
	startTime   time.Time
	now         func() time.Time

	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	bansTotal    *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	clientsGauge prometheus.GaugeFunc
}

var _ seigen.Observer = (*Metrics)(nil)

// ClientStats tracks statistics for a specific client
type ClientStats struct {
	ClientID        string    `json:"client_id"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	Bans            int64     `json:"bans"`
	LastRequestAt   time.Time `json:"last_request_at"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	m := &Metrics{
		clientStats: make(map[string]*ClientStats),
		maxClients:  DefaultMaxClients,
		startTime:   time.Now(),
		now:         time.Now,
		registry:    prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests evaluated, by outcome.",
		}, []string{"outcome"}),
		bansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bans_total",
			Help:      "Bans issued, by rule message.",
		}, []string{"rule"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule predicates that failed or panicked.",
		}, []string{"rule_id"}),
	}
	m.clientsGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients",
		Help:      "Client keys currently tracked in per-client stats.",
	}, func() float64 {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return float64(len(m.clientStats))
	})

	m.registry.MustRegister(
		m.requests,
		m.bansTotal,
		m.errorsTotal,
		m.clientsGauge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the Prometheus registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WatchEngine exports the engine's live rule, identity and window counts.
func (m *Metrics) WatchEngine(engine *seigen.Engine) error {
	gauge := func(name, help string, pick func(seigen.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(engine.Stats())) })
	}

	for _, c := range []prometheus.Collector{
		gauge("rules", "Registered rules.", func(s seigen.Stats) int { return s.Rules }),
		gauge("identities", "Tracked identities.", func(s seigen.Stats) int { return s.Identities }),
		gauge("windows", "Tracked rule windows.", func(s seigen.Stats) int { return s.Windows }),
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRequest records an admission decision
func (m *Metrics) RecordRequest(clientID string, allowed bool) {
	m.totalRequests.Add(1)

	outcome := "allowed"
	if allowed {
		m.allowedRequests.Add(1)
	} else {
		m.blockedRequests.Add(1)
		outcome = "blocked"
	}
	m.requests.WithLabelValues(outcome).Inc()

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.clientLocked(clientID, now)
	stats.TotalRequests++
	if allowed {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastRequestAt = now
}

// RecordDecision records d, keyed by its client key.
func (m *Metrics) RecordDecision(d core.Decision) {
	m.RecordRequest(d.Key, d.Allowed)
}

func (m *Metrics) OnState(core.IdentityView, core.RequestView) {}

func (m *Metrics) OnBan(id core.IdentityView, rule core.Rule) {
	m.bans.Add(1)
	m.bansTotal.WithLabelValues(rule.Message).Inc()

	m.mu.Lock()
	m.clientLocked(id.Key, m.now()).Bans++
	m.mu.Unlock()
}

func (m *Metrics) OnRuleError(rule core.Rule, _ error) {
	m.ruleErrors.Add(1)
	m.errorsTotal.WithLabelValues(string(rule.ID)).Inc()
}

// SetMaxClients caps how many clients keep individual stats. When full, the
// least recently seen client is dropped to make room. n < 1 is ignored.
func (m *Metrics) SetMaxClients(n int) {
	if n < 1 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxClients = n
	for len(m.clientStats) > n {
		m.evictOldestLocked()
	}
}

// PruneIdle drops per-client stats of clients not seen since before cutoff.
// Returns the number of clients removed.
func (m *Metrics) PruneIdle(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for clientID, stats := range m.clientStats {
		if stats.lastSeen().Before(cutoff) {
			delete(m.clientStats, clientID)
			removed++
		}
	}
	return removed
}

// clientLocked returns the stats of clientID, creating them. Caller holds m.mu.
func (m *Metrics) clientLocked(clientID string, now time.Time) *ClientStats {
	stats, exists := m.clientStats[clientID]
	if !exists {
		if len(m.clientStats) >= m.maxClients {
			m.evictOldestLocked()
		}
		stats = &ClientStats{
			ClientID:       clientID,
			FirstRequestAt: now,
		}
		m.clientStats[clientID] = stats
	}
	return stats
}

func (m *Metrics) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
		found    bool
	)
	for clientID, stats := range m.clientStats {
		seen := stats.lastSeen()
		if !found || seen.Before(oldest) || (seen.Equal(oldest) && clientID < oldestID) {
			oldestID, oldest, found = clientID, seen, true
		}
	}
	if found {
		delete(m.clientStats, oldestID)
	}
}

func (s *ClientStats) lastSeen() time.Time {
	if s.LastRequestAt.IsZero() {
		return s.FirstRequestAt
	}
	return s.LastRequestAt
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	topClients := make([]*ClientStats, 0, len(m.clientStats))
	for _, stats := range m.clientStats {
		clone := *stats
		topClients = append(topClients, &clone)
	}
	m.mu.RUnlock()

	sort.Slice(topClients, func(i, j int) bool {
		if topClients[i].TotalRequests != topClients[j].TotalRequests {
			return topClients[i].TotalRequests > topClients[j].TotalRequests
		}
		return topClients[i].ClientID < topClients[j].ClientID
	})
	uniqueClients := int64(len(topClients))
	if len(topClients) > 10 {
		topClients = topClients[:10]
	}

	return &Snapshot{
		TotalRequests:   m.totalRequests.Load(),
		AllowedRequests: m.allowedRequests.Load(),
		BlockedRequests: m.blockedRequests.Load(),
		TotalBans:       m.bans.Load(),
		RuleErrors:      m.ruleErrors.Load(),
		UniqueClients:   uniqueClients,
		TopClients:      topClients,
		UptimeSeconds:   int64(m.now().Sub(m.startTime).Seconds()),
		StartTime:       m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests   int64          `json:"total_requests"`
	AllowedRequests int64          `json:"allowed_requests"`
	BlockedRequests int64          `json:"blocked_requests"`
	TotalBans       int64          `json:"total_bans"`
	RuleErrors      int64          `json:"rule_errors"`
	UniqueClients   int64          `json:"unique_clients"`
	TopClients      []*ClientStats `json:"top_clients"`
	UptimeSeconds   int64          `json:"uptime_seconds"`
	StartTime       time.Time      `json:"start_time"`
}
