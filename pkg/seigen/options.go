package seigen

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/KanavDutta/seigen/core"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine) error

// WithRule adds a rule. Rules are evaluated in the order they are added.
// Supplying any rule replaces the default rule.
func WithRule(threshold int64, window, banDuration time.Duration, message string, predicate core.Predicate) Option {
	return WithRules(RuleSpec{
		Threshold:   threshold,
		Window:      window,
		BanDuration: banDuration,
		Message:     message,
		Predicate:   predicate,
	})
}

// WithRules adds several rules at once.
func WithRules(specs ...RuleSpec) Option {
	return func(e *Engine) error {
		e.pending = append(e.pending, specs...)
		return nil
	}
}

// WithConfig applies a validated Config: its rules, empty-key policy and
// sweep interval.
func WithConfig(config *Config) Option {
	return func(e *Engine) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		for _, opt := range config.Options() {
			if err := opt(e); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(e *Engine) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		return WithConfig(config)(e)
	}
}

// WithObserver registers an event observer. May be given several times.
func WithObserver(obs Observer) Option {
	return func(e *Engine) error {
		if obs == nil {
			return fmt.Errorf("%w: observer cannot be nil", ErrInvalidConfig)
		}
		e.observers = append(e.observers, obs)
		return nil
	}
}

// WithLogger logs engine events to logger (see NewLogObserver).
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
		}
		e.observers = append(e.observers, NewLogObserver(logger))
		return nil
	}
}

// WithClock sets the time source used by Check and the background cleanup.
// Evaluate always uses the time it is given.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		e.clock = clock
		return nil
	}
}

// WithEmptyKeyPolicy sets how requests without a client key are handled.
// Default: EmptyKeyShared
func WithEmptyKeyPolicy(policy EmptyKeyPolicy) Option {
	return func(e *Engine) error {
		switch policy {
		case EmptyKeyShared, EmptyKeyReject:
			e.emptyKey = policy
			return nil
		default:
			return fmt.Errorf("%w: unknown empty key policy %d", ErrInvalidConfig, policy)
		}
	}
}

// WithFallbackKey sets the key shared by keyless requests under EmptyKeyShared.
func WithFallbackKey(key string) Option {
	return func(e *Engine) error {
		if key == "" {
			return fmt.Errorf("%w: fallback key cannot be empty", ErrInvalidConfig)
		}
		e.fallbackKey = key
		return nil
	}
}

// WithSweepInterval sets how often the cleanup goroutine runs.
// Only used when StartBackgroundCleanup is called. 0 disables it.
// Default: 1 minute
func WithSweepInterval(interval time.Duration) Option {
	return func(e *Engine) error {
		if interval < 0 {
			return fmt.Errorf("%w: sweep interval cannot be negative", ErrInvalidConfig)
		}
		e.sweepInterval = interval
		return nil
	}
}

// WithSweepHook sets a function that receives the number of entries removed
// by each background sweep.
func WithSweepHook(fn func(removed int)) Option {
	return func(e *Engine) error {
		e.onSweep = fn
		return nil
	}
}
