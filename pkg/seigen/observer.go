package seigen

import (
	"context"
	"log/slog"

	"github.com/KanavDutta/seigen/core"
)

// Observer receives engine events. Methods are called synchronously while the
// client's identity is held, so implementations must return quickly and must
// not call back into the engine for the same key.
type Observer interface {
	// OnState is called for every evaluated request, before the decision.
	OnState(id core.IdentityView, req core.RequestView)

	// OnBan is called when a rule newly bans a client.
	OnBan(id core.IdentityView, rule core.Rule)

	// OnRuleError is called when a rule's predicate fails.
	OnRuleError(rule core.Rule, err error)
}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) OnState(id core.IdentityView, req core.RequestView) {
	for _, obs := range o {
		obs.OnState(id, req)
	}
}

func (o Observers) OnBan(id core.IdentityView, rule core.Rule) {
	for _, obs := range o {
		obs.OnBan(id, rule)
	}
}

func (o Observers) OnRuleError(rule core.Rule, err error) {
	for _, obs := range o {
		obs.OnRuleError(rule, err)
	}
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	State     func(id core.IdentityView, req core.RequestView)
	Ban       func(id core.IdentityView, rule core.Rule)
	RuleError func(rule core.Rule, err error)
}

func (f ObserverFuncs) OnState(id core.IdentityView, req core.RequestView) {
	if f.State != nil {
		f.State(id, req)
	}
}

func (f ObserverFuncs) OnBan(id core.IdentityView, rule core.Rule) {
	if f.Ban != nil {
		f.Ban(id, rule)
	}
}

func (f ObserverFuncs) OnRuleError(rule core.Rule, err error) {
	if f.RuleError != nil {
		f.RuleError(rule, err)
	}
}

// LogObserver writes engine events to a slog.Logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver returns an observer that logs bans at Info, rule errors at
// Warn and per-request state at Debug.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger.With(slog.String("component", "seigen"))}
}

func (l *LogObserver) OnState(id core.IdentityView, req core.RequestView) {
	// Checked up front; this runs on every request
	if !l.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.logger.Debug("request evaluated",
		slog.String("identity_id", string(id.ID)),
		slog.String("key", id.Key),
		slog.Bool("banned", id.Banned),
		slog.String("method", req.Method()),
		slog.String("path", req.Path()),
	)
}

func (l *LogObserver) OnBan(id core.IdentityView, rule core.Rule) {
	l.logger.Info("client banned",
		slog.String("identity_id", string(id.ID)),
		slog.String("key", id.Key),
		slog.String("rule_id", string(rule.ID)),
		slog.String("message", rule.Message),
		slog.Time("until", id.BanExpiresAt),
	)
}

func (l *LogObserver) OnRuleError(rule core.Rule, err error) {
	l.logger.Warn("rule predicate failed",
		slog.String("rule_id", string(rule.ID)),
		slog.Any("error", err),
	)
}

type noopObserver struct{}

func (noopObserver) OnState(core.IdentityView, core.RequestView) {}
func (noopObserver) OnBan(core.IdentityView, core.Rule)          {}
func (noopObserver) OnRuleError(core.Rule, error)                {}
