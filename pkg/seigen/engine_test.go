package seigen

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/seigen/core"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func at(ms int64) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

func evaluate(t *testing.T, e *Engine, key string, now time.Time) core.Decision {
	t.Helper()
	d, err := e.Evaluate(key, nil, now)
	require.NoError(t, err)
	return d
}

func TestEngine_Scenario(t *testing.T) {
	e := newEngine(t, WithRule(5, 5*time.Second, 5*time.Second, "slow down", nil))

	for _, ms := range []int64{0, 100, 200, 300} {
		d := evaluate(t, e, "a", at(ms))
		assert.True(t, d.Allowed, "t=%d", ms)
		assert.Equal(t, "a", d.Key)
	}

	d := evaluate(t, e, "a", at(400))
	require.False(t, d.Allowed)
	assert.Equal(t, core.ReasonRateLimited, d.Reason)
	assert.Equal(t, "slow down", d.Message)
	assert.Equal(t, at(5400), d.ResetAt)
	assert.Equal(t, 5*time.Second, d.ResetAfter)
	assert.Equal(t, int64(0), d.Attempts)
	assert.NotEmpty(t, d.RuleID)

	d = evaluate(t, e, "a", at(450))
	require.False(t, d.Allowed)
	assert.Equal(t, at(5400), d.ResetAt, "ban end must not move")
	assert.Equal(t, 4950*time.Millisecond, d.ResetAfter)
	assert.Equal(t, int64(1), d.Attempts)
	assert.Empty(t, d.RuleID, "only the banning request names the rule")

	d = evaluate(t, e, "a", at(5401))
	assert.True(t, d.Allowed)
}

func TestEngine_BanClearedAtExactEnd(t *testing.T) {
	e := newEngine(t, WithRule(2, time.Second, time.Second, "x", nil))

	evaluate(t, e, "a", at(0))
	require.False(t, evaluate(t, e, "a", at(10)).Allowed)
	require.False(t, evaluate(t, e, "a", at(1009)).Allowed)

	// The ban covers [start, end); the request at end is evaluated normally
	d := evaluate(t, e, "a", at(1010))
	assert.True(t, d.Allowed)

	// A fresh window and a reset attempt counter
	d = evaluate(t, e, "a", at(1020))
	require.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Attempts)
	assert.Equal(t, at(2020), d.ResetAt)
}

func TestEngine_ThresholdOneBansSecondHit(t *testing.T) {
	e := newEngine(t, WithRule(1, time.Minute, time.Minute, "one", nil))

	assert.True(t, evaluate(t, e, "a", at(0)).Allowed, "the first hit opens the window")
	assert.False(t, evaluate(t, e, "a", at(1)).Allowed)
}

func TestEngine_WindowReset(t *testing.T) {
	e := newEngine(t, WithRule(3, time.Second, time.Minute, "x", nil))

	assert.True(t, evaluate(t, e, "a", at(0)).Allowed)
	assert.True(t, evaluate(t, e, "a", at(500)).Allowed)

	// Window lapsed at 1000; counting restarts
	assert.True(t, evaluate(t, e, "a", at(1000)).Allowed)
	assert.True(t, evaluate(t, e, "a", at(1500)).Allowed)
	assert.False(t, evaluate(t, e, "a", at(1600)).Allowed)
}

func TestEngine_IdentitiesAreIndependent(t *testing.T) {
	e := newEngine(t, WithRule(2, time.Minute, time.Minute, "x", nil))

	evaluate(t, e, "a", at(0))
	require.False(t, evaluate(t, e, "a", at(1)).Allowed)

	assert.True(t, evaluate(t, e, "b", at(2)).Allowed)
	assert.True(t, evaluate(t, e, "c", at(3)).Allowed)
}

func TestEngine_RuleShortCircuit(t *testing.T) {
	var secondCalls atomic.Int64
	e := newEngine(t, WithRules(
		RuleSpec{Threshold: 2, Window: time.Minute, BanDuration: time.Minute, Message: "first"},
		RuleSpec{Threshold: 100, Window: time.Minute, BanDuration: time.Minute, Message: "second",
			Predicate: func(core.IdentityView, core.RequestView) (bool, error) {
				secondCalls.Add(1)
				return true, nil
			}},
	))
	rules := e.Rules().Rules()
	require.Len(t, rules, 2)

	evaluate(t, e, "a", at(0))
	d := evaluate(t, e, "a", at(1))
	require.False(t, d.Allowed)
	assert.Equal(t, rules[0].ID, d.RuleID)
	assert.Equal(t, "first", d.Message)

	// The banning request never reached the second rule
	w, ok := e.Window(rules[1].ID, "a")
	require.True(t, ok)
	assert.Equal(t, int64(1), w.Hits)
	assert.Equal(t, int64(1), secondCalls.Load())

	// Banned requests skip rules entirely
	evaluate(t, e, "a", at(2))
	assert.Equal(t, int64(1), secondCalls.Load())
}

func TestEngine_LaterRuleCanBan(t *testing.T) {
	onlyPOST := func(_ core.IdentityView, r core.RequestView) (bool, error) { return r.Method() == "POST", nil }
	e := newEngine(t, WithRules(
		RuleSpec{Threshold: 100, Window: time.Minute, BanDuration: time.Minute, Message: "general"},
		RuleSpec{Threshold: 2, Window: time.Minute, BanDuration: time.Minute, Message: "posts", Predicate: onlyPOST},
	))

	post := core.StaticRequest{M: "POST", P: "/x"}
	get := core.StaticRequest{M: "GET", P: "/x"}

	for i := range 5 {
		d, err := e.Evaluate("a", get, at(int64(i)))
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := e.Evaluate("a", post, at(10))
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = e.Evaluate("a", post, at(11))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "posts", d.Message)
}

func TestEngine_ConcurrentSameKey(t *testing.T) {
	const (
		threshold  = 10
		goroutines = 200
	)
	now := at(0)
	e := newEngine(t,
		WithClock(func() time.Time { return now }),
		WithRule(threshold, time.Minute, time.Minute, "x", nil),
	)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Check("shared", nil)
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(threshold-1), admitted.Load())

	d, err := e.Check("shared", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(goroutines-threshold+1), d.Attempts)
}

func TestEngine_ConcurrentManyKeys(t *testing.T) {
	e := newEngine(t, WithRule(5, time.Minute, time.Minute, "x", nil))
	keys := []string{"a", "b", "c", "d"}

	admitted := make([]atomic.Int64, len(keys))
	var wg sync.WaitGroup
	for i := range keys {
		for range 50 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d, err := e.Evaluate(keys[i], nil, at(0))
				if err == nil && d.Allowed {
					admitted[i].Add(1)
				}
			}(i)
		}
	}
	wg.Wait()

	for i, key := range keys {
		assert.Equal(t, int64(4), admitted[i].Load(), "key %s", key)
	}
	assert.Equal(t, len(keys), e.Stats().Identities)
}

func TestEngine_PredicateFailuresAreReported(t *testing.T) {
	var (
		mu     sync.Mutex
		errs   []error
		failed []core.RuleID
	)
	obs := ObserverFuncs{RuleError: func(rule core.Rule, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
		failed = append(failed, rule.ID)
	}}

	boom := errors.New("boom")
	e := newEngine(t,
		WithObserver(obs),
		WithRules(
			RuleSpec{Threshold: 1, Window: time.Minute, BanDuration: time.Minute, Message: "err",
				Predicate: func(core.IdentityView, core.RequestView) (bool, error) { return false, boom }},
			RuleSpec{Threshold: 1, Window: time.Minute, BanDuration: time.Minute, Message: "panic",
				Predicate: func(core.IdentityView, core.RequestView) (bool, error) { panic("kaboom") }},
		),
	)
	rules := e.Rules().Rules()

	// Both rules are skipped, so the client is never banned
	for i := range 3 {
		assert.True(t, evaluate(t, e, "a", at(int64(i))).Allowed)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 6)

	var predErr *PredicateError
	require.ErrorAs(t, errs[0], &predErr)
	assert.Equal(t, rules[0].ID, predErr.RuleID)
	assert.ErrorIs(t, errs[0], boom)

	require.ErrorAs(t, errs[1], &predErr)
	assert.Equal(t, rules[1].ID, predErr.RuleID)
	assert.Contains(t, predErr.Error(), "kaboom")
	assert.Equal(t, rules[1].ID, failed[1])
}

func TestEngine_PredicateSeesIdentity(t *testing.T) {
	var seen []core.IdentityView
	e := newEngine(t, WithRule(3, time.Minute, time.Minute, "x",
		func(id core.IdentityView, _ core.RequestView) (bool, error) {
			seen = append(seen, id)
			return true, nil
		}))

	evaluate(t, e, "a", at(0))
	evaluate(t, e, "a", at(1))

	require.Len(t, seen, 2)
	assert.Equal(t, "a", seen[0].Key)
	assert.Equal(t, seen[0].ID, seen[1].ID)
	assert.False(t, seen[1].Banned)
}

func TestEngine_EmptyKey(t *testing.T) {
	t.Run("shared", func(t *testing.T) {
		e := newEngine(t, WithRule(2, time.Minute, time.Minute, "x", nil))

		d := evaluate(t, e, "", at(0))
		assert.True(t, d.Allowed)
		assert.Equal(t, FallbackKey, d.Key)

		d = evaluate(t, e, "", at(1))
		assert.False(t, d.Allowed)
		assert.Equal(t, FallbackKey, d.Key)
	})

	t.Run("real key equal to fallback is separate", func(t *testing.T) {
		e := newEngine(t, WithRule(2, time.Minute, time.Minute, "x", nil))

		require.True(t, evaluate(t, e, "", at(0)).Allowed)
		require.False(t, evaluate(t, e, "", at(1)).Allowed)

		// A client literally named "anonymous" is not the keyless identity
		d := evaluate(t, e, FallbackKey, at(2))
		assert.True(t, d.Allowed)
		assert.Equal(t, 2, e.Stats().Identities)

		_, ok := e.Window(e.Rules().Rules()[0].ID, "")
		assert.True(t, ok, "keyless window is reachable through the empty key")
	})

	t.Run("custom fallback", func(t *testing.T) {
		e := newEngine(t, WithFallbackKey("nobody"))
		assert.Equal(t, "nobody", evaluate(t, e, "", at(0)).Key)
	})

	t.Run("reject", func(t *testing.T) {
		e := newEngine(t, WithEmptyKeyPolicy(EmptyKeyReject))

		_, err := e.Evaluate("", nil, at(0))
		assert.ErrorIs(t, err, ErrInvalidKey)
		assert.Equal(t, 0, e.Stats().Identities)
	})
}

func TestEngine_DefaultRule(t *testing.T) {
	e := newEngine(t)

	rules := e.Rules().Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, int64(DefaultThreshold), rules[0].Threshold)
	assert.Equal(t, DefaultWindow, rules[0].Window)
	assert.Equal(t, DefaultBanDuration, rules[0].BanDuration)
	assert.Equal(t, DefaultMessage, rules[0].Message)

	for i := range DefaultThreshold - 1 {
		require.True(t, evaluate(t, e, "a", at(int64(i))).Allowed)
	}
	d := evaluate(t, e, "a", at(100))
	assert.False(t, d.Allowed)
	assert.Equal(t, DefaultMessage, d.Message)
	assert.Equal(t, DefaultBanDuration, d.ResetAfter)
}

func TestEngine_SuppliedRulesReplaceDefault(t *testing.T) {
	e := newEngine(t, WithRule(3, time.Second, time.Second, "mine", nil))
	require.Equal(t, 1, e.Rules().Len())
	assert.Equal(t, "mine", e.Rules().Rules()[0].Message)
}

func TestEngine_RegisterRuleAppends(t *testing.T) {
	e := newEngine(t)

	id, err := e.RegisterRule(2, time.Minute, time.Minute, "late", nil)
	require.NoError(t, err)
	require.Equal(t, 2, e.Rules().Len())
	assert.Equal(t, id, e.Rules().Rules()[1].ID)

	evaluate(t, e, "a", at(0))
	d := evaluate(t, e, "a", at(1))
	assert.False(t, d.Allowed)
	assert.Equal(t, "late", d.Message)
}

func TestEngine_InvalidRules(t *testing.T) {
	tests := []struct {
		name string
		spec RuleSpec
	}{
		{"zero threshold", RuleSpec{Threshold: 0, Window: time.Second}},
		{"negative threshold", RuleSpec{Threshold: -1, Window: time.Second}},
		{"negative window", RuleSpec{Threshold: 1, Window: -time.Second}},
		{"negative ban", RuleSpec{Threshold: 1, Window: time.Second, BanDuration: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithRules(tt.spec))
			assert.ErrorIs(t, err, ErrInvalidRule)

			e := newEngine(t)
			_, err = e.RegisterRule(tt.spec.Threshold, tt.spec.Window, tt.spec.BanDuration, "", nil)
			var ruleErr *InvalidRuleError
			require.ErrorAs(t, err, &ruleErr)
			assert.NotEmpty(t, ruleErr.Field)
			assert.Equal(t, 1, e.Rules().Len())
		})
	}
}

func TestEngine_InvalidOptions(t *testing.T) {
	for name, opt := range map[string]Option{
		"nil observer":          WithObserver(nil),
		"nil logger":            WithLogger(nil),
		"nil clock":             WithClock(nil),
		"unknown policy":        WithEmptyKeyPolicy(EmptyKeyPolicy(42)),
		"empty fallback":        WithFallbackKey(""),
		"negative sweep":        WithSweepInterval(-time.Second),
		"nil config":            WithConfig(nil),
		"missing config file":   WithConfigFile("/does/not/exist.yaml"),
		"invalid config values": WithConfig(&Config{EmptyKey: "maybe"}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(opt)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestEngine_ObserverEvents(t *testing.T) {
	var states, bans atomic.Int64
	var banned core.IdentityView
	obs := ObserverFuncs{
		State: func(core.IdentityView, core.RequestView) { states.Add(1) },
		Ban: func(id core.IdentityView, _ core.Rule) {
			bans.Add(1)
			banned = id
		},
	}
	e := newEngine(t, WithObserver(obs), WithObserver(ObserverFuncs{}),
		WithRule(2, time.Minute, 30*time.Second, "x", nil))

	for i := range 4 {
		evaluate(t, e, "a", at(int64(i)))
	}

	assert.Equal(t, int64(4), states.Load())
	assert.Equal(t, int64(1), bans.Load())
	assert.True(t, banned.Banned)
	assert.Equal(t, "a", banned.Key)
	assert.Equal(t, at(1).Add(30*time.Second), banned.BanExpiresAt)
}

func TestEngine_SweepAndStats(t *testing.T) {
	e := newEngine(t, WithRule(5, time.Second, 10*time.Second, "x", nil))

	evaluate(t, e, "a", at(0))
	evaluate(t, e, "b", at(0))
	assert.Equal(t, Stats{Rules: 1, Identities: 2, Windows: 2}, e.Stats())

	// Nothing is idle yet
	assert.Equal(t, 0, e.Sweep(at(500)))

	assert.Equal(t, 4, e.Sweep(at(1001)))
	assert.Equal(t, Stats{Rules: 1, Identities: 0, Windows: 0}, e.Stats())
}

func TestEngine_BannedIdentityOutlivesWindow(t *testing.T) {
	e := newEngine(t, WithRule(2, time.Second, 10*time.Second, "x", nil))

	evaluate(t, e, "a", at(0))
	require.False(t, evaluate(t, e, "a", at(1)).Allowed)

	e.Sweep(at(5000))
	assert.Equal(t, 1, e.Stats().Identities, "a banned identity is kept until its ban ends")
	assert.False(t, evaluate(t, e, "a", at(5000)).Allowed)
}

func TestEngine_IdentityKeptForLongestWindow(t *testing.T) {
	e := newEngine(t,
		WithRule(100, time.Second, time.Minute, "short", nil),
		WithRule(3, time.Minute, time.Minute, "long", nil),
	)

	require.True(t, evaluate(t, e, "a", at(0)).Allowed)
	require.True(t, evaluate(t, e, "a", at(10)).Allowed)

	// Only the short rule's window is idle
	assert.Equal(t, 1, e.Sweep(at(5000)))
	assert.Equal(t, 1, e.Stats().Identities)

	d := evaluate(t, e, "a", at(5001))
	require.False(t, d.Allowed, "the long window still counts the earlier hits")
	assert.Equal(t, "long", d.Message)
}

func TestEngine_BackgroundCleanup(t *testing.T) {
	var mu sync.Mutex
	now := at(0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	swept := make(chan int, 16)
	e := newEngine(t,
		WithClock(clock),
		WithSweepInterval(5*time.Millisecond),
		WithSweepHook(func(n int) {
			select {
			case swept <- n:
			default:
			}
		}),
		WithRule(5, time.Second, time.Second, "x", nil),
	)

	_, err := e.Check("a", nil)
	require.NoError(t, err)

	mu.Lock()
	now = at(2000)
	mu.Unlock()

	stop := e.StartBackgroundCleanup()
	defer stop()

	require.Eventually(t, func() bool { return e.Stats().Identities == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_Window(t *testing.T) {
	e := newEngine(t, WithRule(5, time.Second, time.Second, "x", nil))
	rule := e.Rules().Rules()[0]

	_, ok := e.Window(rule.ID, "a")
	assert.False(t, ok)
	assert.Equal(t, 0, e.Stats().Identities, "peeking does not create identities")

	evaluate(t, e, "a", at(0))
	evaluate(t, e, "a", at(10))

	w, ok := e.Window(rule.ID, "a")
	require.True(t, ok)
	assert.Equal(t, at(0), w.Start)
	assert.Equal(t, int64(2), w.Hits)
}
