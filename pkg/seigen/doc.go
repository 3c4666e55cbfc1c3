// Package seigen decides, per client, whether a request is admitted, and bans
// clients that exceed any of a list of fixed-window rules.
//
// # Quick Start
//
//	engine, err := seigen.New(
//	    seigen.WithRule(5, 5*time.Second, 5*time.Second, "slow down", nil),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, err := engine.Check("user-123", nil)
//	if !decision.Allowed {
//	    fmt.Printf("%s, retry in %v\n", decision.Message, decision.ResetAfter)
//	}
//
// Without any rule the engine installs a default one: 10 requests per 10s,
// then a 20s ban.
//
// # Rules
//
// A rule has a threshold, a window, a ban duration, a message and an optional
// predicate. Rules are evaluated in registration order. Every rule whose
// predicate accepts the request counts the hit in the client's window for
// that rule. The first window to reach its threshold bans the client, and
// later rules are not evaluated for that request.
//
// The first hit opens a window and never bans on its own, so a rule with
// threshold N admits N-1 requests per window.
//
// While banned, every request is denied with the same reset time and a
// growing attempt counter. The first request at or after the ban end clears
// the ban and is evaluated normally.
//
// # Predicates
//
//	notKing := func(_ core.IdentityView, r core.RequestView) (bool, error) {
//	    return r.Header("X-Auth") != "King", nil
//	}
//	engine.RegisterRule(3, time.Minute, 10*time.Minute, "too many logins", notKing)
//
// A predicate that returns an error or panics skips its rule for that request
// and is reported to observers as a *PredicateError.
//
// # Configuration
//
//	engine, err := seigen.New(seigen.WithConfigFile("rules.yaml"))
//
// Example YAML:
//
//	empty_key: shared          # shared | reject
//	key_extractor: ip-proxy
//	sweep_interval: 1m
//	rules:
//	  - threshold: 5
//	    window: 5s
//	    ban: 5s
//	    message: slow down
//	  - threshold: 3
//	    window: 1m
//	    ban: 10m
//	    message: too many logins
//	    match:
//	      methods: [POST]
//	      path_prefix: /login
//	      header_not_equals: {X-Auth: King}
//
// # Key Extraction
//
// KeyExtractor functions derive client keys from HTTP requests: ExtractIP,
// ExtractIPWithProxy, ExtractHeader, ExtractBearer, ExtractCookie,
// ExtractStatic and ExtractComposite. The middleware package wires them to an
// engine.
//
// # Observers
//
// Observers receive OnState for every request, OnBan for every new ban and
// OnRuleError for failing predicates. WithLogger logs them through log/slog.
//
// # Concurrency
//
// Engine methods are safe for concurrent use. Requests of one client are
// serialized; different clients proceed in parallel. Idle identities and
// windows are dropped lazily and by StartBackgroundCleanup.
package seigen
