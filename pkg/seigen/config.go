package seigen

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KanavDutta/seigen/core"
)

// Config holds the engine configuration as read from YAML.
type Config struct {
	// Rules are evaluated in order; an empty list installs the default rule
	Rules []RuleConfig `yaml:"rules"`

	// EmptyKey is "shared" (default) or "reject"
	EmptyKey string `yaml:"empty_key,omitempty"`

	// FallbackKey is the identity shared by keyless traffic
	FallbackKey string `yaml:"fallback_key,omitempty"`

	// KeyExtractor specifies how to identify clients
	// Examples: "ip", "ip-proxy", "header:X-API-Key", "bearer"
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// SweepInterval specifies how often idle state is reclaimed
	// Format: "1m", "30s", "0" to disable
	SweepInterval string `yaml:"sweep_interval,omitempty"`
}

// RuleConfig is one rule in a config file.
type RuleConfig struct {
	Threshold int64     `yaml:"threshold"`
	Window    string    `yaml:"window"` // e.g. "5s"
	Ban       string    `yaml:"ban"`    // e.g. "1m"
	Message   string    `yaml:"message"`
	Match     RuleMatch `yaml:"match,omitempty"`
}

// RuleMatch restricts a rule to matching requests. All set fields must match;
// an empty RuleMatch matches everything.
type RuleMatch struct {
	Methods         []string          `yaml:"methods,omitempty"`
	PathPrefix      string            `yaml:"path_prefix,omitempty"`
	HeaderEquals    map[string]string `yaml:"header_equals,omitempty"`
	HeaderNotEquals map[string]string `yaml:"header_not_equals,omitempty"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Rules: []RuleConfig{{
			Threshold: DefaultThreshold,
			Window:    DefaultWindow.String(),
			Ban:       DefaultBanDuration.String(),
			Message:   DefaultMessage,
		}},
		EmptyKey:      "shared",
		FallbackKey:   FallbackKey,
		KeyExtractor:  "ip",
		SweepInterval: "1m",
	}
}

// LoadConfigFromFile loads configuration from a YAML file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse YAML: %v", ErrInvalidConfig, err)
	}

	// Apply defaults if not set
	if config.EmptyKey == "" {
		config.EmptyKey = "shared"
	}
	if config.FallbackKey == "" {
		config.FallbackKey = FallbackKey
	}
	if config.KeyExtractor == "" {
		config.KeyExtractor = "ip"
	}
	if config.SweepInterval == "" {
		config.SweepInterval = "1m"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	for i, rule := range c.Rules {
		if _, err := rule.Spec(); err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrInvalidConfig, i, err)
		}
	}

	if _, err := c.emptyKeyPolicy(); err != nil {
		return err
	}
	if _, err := parseDuration(c.SweepInterval); err != nil {
		return fmt.Errorf("%w: sweep_interval: %v", ErrInvalidConfig, err)
	}
	if c.KeyExtractor != "" {
		if _, err := ParseKeyExtractorConfig(c.KeyExtractor); err != nil {
			return err
		}
	}
	return nil
}

// Options converts the configuration into engine options.
// The config must be valid.
func (c *Config) Options() []Option {
	var opts []Option

	for _, rule := range c.Rules {
		spec, _ := rule.Spec()
		opts = append(opts, WithRules(spec))
	}

	if policy, err := c.emptyKeyPolicy(); err == nil {
		opts = append(opts, WithEmptyKeyPolicy(policy))
	}
	if c.FallbackKey != "" {
		opts = append(opts, WithFallbackKey(c.FallbackKey))
	}
	if interval, err := parseDuration(c.SweepInterval); err == nil {
		opts = append(opts, WithSweepInterval(interval))
	}

	return opts
}

// Extractor returns the configured key extractor, defaulting to ExtractIP.
func (c *Config) Extractor() (KeyExtractor, error) {
	if c.KeyExtractor == "" {
		return ExtractIP(), nil
	}
	return ParseKeyExtractorConfig(c.KeyExtractor)
}

func (c *Config) emptyKeyPolicy() (EmptyKeyPolicy, error) {
	switch strings.ToLower(c.EmptyKey) {
	case "", "shared":
		return EmptyKeyShared, nil
	case "reject":
		return EmptyKeyReject, nil
	default:
		return 0, fmt.Errorf("%w: empty_key must be \"shared\" or \"reject\", got %q", ErrInvalidConfig, c.EmptyKey)
	}
}

// Spec validates the rule and converts it to a RuleSpec.
func (r RuleConfig) Spec() (RuleSpec, error) {
	// A missing duration would silently disable the rule; "0" must be explicit
	if r.Window == "" {
		return RuleSpec{}, &InvalidRuleError{Field: "window", Reason: "is required"}
	}
	if r.Ban == "" {
		return RuleSpec{}, &InvalidRuleError{Field: "ban duration", Reason: "is required"}
	}

	window, err := parseDuration(r.Window)
	if err != nil {
		return RuleSpec{}, fmt.Errorf("window: %w", err)
	}
	ban, err := parseDuration(r.Ban)
	if err != nil {
		return RuleSpec{}, fmt.Errorf("ban: %w", err)
	}

	// Same checks RuleSet.Add applies, so bad files fail at load time
	switch {
	case r.Threshold < 1:
		return RuleSpec{}, &InvalidRuleError{Field: "threshold", Reason: fmt.Sprintf("must be at least 1, got %d", r.Threshold)}
	case window < 0:
		return RuleSpec{}, &InvalidRuleError{Field: "window", Reason: "cannot be negative"}
	case ban < 0:
		return RuleSpec{}, &InvalidRuleError{Field: "ban duration", Reason: "cannot be negative"}
	}

	return RuleSpec{
		Threshold:   r.Threshold,
		Window:      window,
		BanDuration: ban,
		Message:     r.Message,
		Predicate:   r.Match.Predicate(),
	}, nil
}

// Predicate builds the rule predicate. Returns nil when nothing is set.
func (m RuleMatch) Predicate() core.Predicate {
	if len(m.Methods) == 0 && m.PathPrefix == "" && len(m.HeaderEquals) == 0 && len(m.HeaderNotEquals) == 0 {
		return nil
	}

	// Copy so later edits to the config do not leak into a live rule
	methods := make(map[string]bool, len(m.Methods))
	for _, method := range m.Methods {
		methods[strings.ToUpper(method)] = true
	}
	prefix := m.PathPrefix
	equals := cloneMap(m.HeaderEquals)
	notEquals := cloneMap(m.HeaderNotEquals)

	return func(_ core.IdentityView, req core.RequestView) (bool, error) {
		if len(methods) > 0 && !methods[strings.ToUpper(req.Method())] {
			return false, nil
		}
		if prefix != "" && !strings.HasPrefix(req.Path(), prefix) {
			return false, nil
		}
		for name, want := range equals {
			if req.Header(name) != want {
				return false, nil
			}
		}
		for name, unwanted := range notEquals {
			if req.Header(name) == unwanted {
				return false, nil
			}
		}
		return true, nil
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
