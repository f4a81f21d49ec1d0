// Package config loads and validates the tunnel server's static
// configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReplacementKind distinguishes a literal substring match from a regex.
type ReplacementKind string

const (
	ReplacementLiteral ReplacementKind = "literal"
	ReplacementRegex   ReplacementKind = "regex"
)

// TextReplacement is one body rewrite rule, applied in declared order to
// decoded textual response bodies only.
type TextReplacement struct {
	Pattern     string          `yaml:"pattern"`
	Kind        ReplacementKind `yaml:"kind"`
	Replacement string          `yaml:"replacement"`
}

func (t TextReplacement) Validate() error {
	if t.Pattern == "" {
		return fmt.Errorf("replacement pattern must not be empty")
	}
	switch t.Kind {
	case "", ReplacementLiteral, ReplacementRegex:
	default:
		return fmt.Errorf("replacement kind %q must be %q or %q", t.Kind, ReplacementLiteral, ReplacementRegex)
	}
	return nil
}

// TimeoutsConfig holds the server's internal timing knobs beyond the
// request timeout, which lives in RequestTimeoutMs/RequestTimeout()
// instead since spec.md names that field explicitly (§6).
type TimeoutsConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// ServerConfig is the tunnel server's immutable, post-startup configuration.
type ServerConfig struct {
	// Port is the public HTTP listener port. The control upgrade endpoint
	// shares this listener, distinguished by Host only: every request whose
	// Host is ControlDomain, on any path other than /_chara/status, goes to
	// the control upgrade endpoint.
	Port int `yaml:"port"`

	// Domain is the root domain for allocated subdomains.
	Domain string `yaml:"domain"`

	// ControlDomain is the host used for the control upgrade endpoint.
	ControlDomain string `yaml:"control_domain"`

	// Replacements is the ordered list of text substitution rules applied
	// to textual response bodies.
	Replacements []TextReplacement `yaml:"replacements"`

	// RequestTimeoutMs bounds how long ingress waits for http_response_start.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// AcceptedEncodings lists the compression codings the pipeline may
	// apply, in preference order.
	AcceptedEncodings []string `yaml:"accepted_encodings"`

	// ReservedSubdomains cannot be claimed by an agent. Spec.md is silent
	// on reservation; kept from the teacher's config as supplemented
	// behavior.
	ReservedSubdomains []string `yaml:"reserved_subdomains"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// LogLevel sets slog verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// RequestTimeout returns RequestTimeoutMs as a time.Duration.
func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// Default returns a ServerConfig with the spec's documented defaults.
func Default() *ServerConfig {
	return &ServerConfig{
		Port:              8080,
		Domain:            "localhost",
		ControlDomain:     "connect.localhost",
		RequestTimeoutMs:  30000,
		AcceptedEncodings: []string{"gzip"},
		ReservedSubdomains: []string{
			"www", "api", "admin", "connect", "static", "assets",
		},
		Timeouts: TimeoutsConfig{
			IdleTimeout: 5 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML configuration file, applying defaults for
// anything left unset.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 30000
	}
	if len(cfg.AcceptedEncodings) == 0 {
		cfg.AcceptedEncodings = []string{"gzip"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration's required fields and invariants.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.ControlDomain == "" {
		return fmt.Errorf("control_domain is required")
	}
	for i, r := range c.Replacements {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("replacements[%d]: %w", i, err)
		}
	}
	return nil
}

// IsReserved reports whether name is in the reserved-subdomain list.
func (c *ServerConfig) IsReserved(name string) bool {
	for _, r := range c.ReservedSubdomains {
		if r == name {
			return true
		}
	}
	return false
}
