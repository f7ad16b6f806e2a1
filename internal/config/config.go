package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/clash-enhancer/internal/model"
	"github.com/John-Robertt/clash-enhancer/internal/rules"
)

// Config is the full set of knobs for one pipeline run. A *Config is treated
// as immutable once loaded; reloading swaps in a new value.
type Config struct {
	// UpstreamURL is where GET transforms fetch the source document.
	UpstreamURL string `yaml:"upstream_url"`

	RuleSources RuleSources `yaml:"rule_sources"`
	Groups      Groups      `yaml:"groups"`
	Overrides   []Override  `yaml:"overrides"`
}

type RuleSources struct {
	BaseURL string `yaml:"base_url"`

	// KeyPrefix marks provider keys owned by this service. RULE-SET rules
	// referencing a key with this prefix are regenerated on every run.
	KeyPrefix string `yaml:"key_prefix"`

	CacheDir         string        `yaml:"cache_dir"`
	IntervalSec      int           `yaml:"interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	UserAgent        string        `yaml:"user_agent"`
	TokenLength      int           `yaml:"token_length"`

	// Sources are emitted in this order, which is also rule priority order.
	Sources []RuleSource `yaml:"sources"`
}

type RuleSource struct {
	Name   string `yaml:"name"`
	File   string `yaml:"file"`
	Target string `yaml:"target"`
}

type Groups struct {
	CatchAll    string         `yaml:"catch_all"`
	TestURL     string         `yaml:"test_url"`
	IntervalSec int            `yaml:"interval"`
	Derived     []DerivedGroup `yaml:"derived"`
}

// DerivedGroup selects proxies whose name and protocol satisfy every
// non-empty criterion.
type DerivedGroup struct {
	Name         string   `yaml:"name"`
	Strategy     string   `yaml:"strategy"`
	NameContains string   `yaml:"name_contains"`
	NameRegex    string   `yaml:"name_regex"`
	Types        []string `yaml:"types"`
}

// Override is a hard-coded rule emitted ahead of the rule-source bindings
// when its target group is available.
type Override struct {
	Rule   string `yaml:"rule"` // TYPE,VALUE
	Target string `yaml:"target"`
}

type ConfigError struct {
	AppError model.AppError
	Cause    error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

func invalid(path, format string, args ...any) error {
	return &ConfigError{
		AppError: model.AppError{
			Code:    "CONFIG_VALIDATE_ERROR",
			Message: fmt.Sprintf(format, args...),
			Stage:   "load_config",
			URL:     path,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RuleSources: RuleSources{
			BaseURL:          "https://raw.githubusercontent.com/dragonfly429/my_custom_rules/refs/heads/main",
			KeyPrefix:        "zt-",
			CacheDir:         "./my_rules",
			IntervalSec:      11440,
			ProbeTimeout:     20 * time.Second,
			ProbeConcurrency: 8,
			UserAgent:        "FC-Clash-Config-Generator/1.0",
			TokenLength:      8,
			Sources: []RuleSource{
				{Name: "zt-proxy", File: "zt_proxy.yaml", Target: "ALL_PROXY"},
				{Name: "zt-proxy-ai", File: "zt_proxy_ai.yaml", Target: "USH2"},
				{Name: "zt-direct", File: "zt_direct.yaml", Target: "DIRECT"},
			},
		},
		Groups: Groups{
			CatchAll:    "ALL_PROXY",
			TestURL:     "http://www.gstatic.com/generate_204",
			IntervalSec: 300,
			Derived: []DerivedGroup{
				{Name: "USH2", Strategy: "url-test", NameContains: "US", Types: []string{"hysteria2"}},
			},
		},
		Overrides: []Override{
			{Rule: "DOMAIN-SUFFIX,reddit.com", Target: "USH2"},
		},
	}
}

// Load reads a YAML config file. Keys absent from the file keep their
// Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{
			AppError: model.AppError{
				Code:    "CONFIG_READ_ERROR",
				Message: "failed to read config file",
				Stage:   "load_config",
				URL:     path,
			},
			Cause: err,
		}
	}
	return Parse(path, data)
}

// Parse decodes and validates config YAML. path is only used in errors.
func Parse(path string, data []byte) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(string(data)) != "" {
		if err := yamlDecodeStrict(data, cfg); err != nil {
			return nil, &ConfigError{
				AppError: model.AppError{
					Code:    "CONFIG_PARSE_ERROR",
					Message: "config YAML is invalid",
					Stage:   "load_config",
					URL:     path,
					Snippet: truncateSnippet(string(data), 200),
				},
				Cause: err,
			}
		}
	}
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the pipeline relies on.
func (c *Config) Validate() error {
	return c.validate("")
}

func (c *Config) validate(path string) error {
	if c.UpstreamURL != "" {
		if err := validateHTTPURL(c.UpstreamURL); err != nil {
			return invalid(path, "upstream_url is invalid: %v", err)
		}
	}

	rs := c.RuleSources
	if err := validateHTTPURL(rs.BaseURL); err != nil {
		return invalid(path, "rule_sources.base_url is invalid: %v", err)
	}
	if !isProviderKey(rs.KeyPrefix) {
		return invalid(path, "rule_sources.key_prefix must be non-empty and use [A-Za-z0-9_-]")
	}
	if strings.TrimSpace(rs.CacheDir) == "" {
		return invalid(path, "rule_sources.cache_dir must not be empty")
	}
	if rs.IntervalSec <= 0 {
		return invalid(path, "rule_sources.interval must be > 0")
	}
	if rs.ProbeTimeout <= 0 {
		return invalid(path, "rule_sources.probe_timeout must be > 0")
	}
	if rs.ProbeConcurrency <= 0 {
		return invalid(path, "rule_sources.probe_concurrency must be > 0")
	}
	if rs.TokenLength <= 0 {
		return invalid(path, "rule_sources.token_length must be > 0")
	}

	seen := make(map[string]struct{}, len(rs.Sources))
	for _, s := range rs.Sources {
		if !isProviderKey(s.Name) {
			return invalid(path, "rule source name %q must be non-empty and use [A-Za-z0-9_-]", s.Name)
		}
		if !strings.HasPrefix(s.Name, rs.KeyPrefix) {
			return invalid(path, "rule source name %q must start with key_prefix %q", s.Name, rs.KeyPrefix)
		}
		if _, ok := seen[s.Name]; ok {
			return invalid(path, "duplicate rule source name: %s", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.File == "" || strings.ContainsAny(s.File, "/\\") {
			return invalid(path, "rule source %s: file must be a bare file name", s.Name)
		}
		if strings.TrimSpace(s.Target) == "" {
			return invalid(path, "rule source %s: target must not be empty", s.Name)
		}
	}

	g := c.Groups
	if strings.TrimSpace(g.CatchAll) == "" {
		return invalid(path, "groups.catch_all must not be empty")
	}
	if err := validateHTTPURL(g.TestURL); err != nil {
		return invalid(path, "groups.test_url is invalid: %v", err)
	}
	if g.IntervalSec <= 0 {
		return invalid(path, "groups.interval must be > 0")
	}
	names := map[string]struct{}{g.CatchAll: {}}
	for _, d := range g.Derived {
		if strings.TrimSpace(d.Name) == "" {
			return invalid(path, "derived group name must not be empty")
		}
		if _, ok := names[d.Name]; ok {
			return invalid(path, "duplicate group name: %s", d.Name)
		}
		names[d.Name] = struct{}{}
		if d.NameRegex != "" {
			if _, err := regexp.Compile(d.NameRegex); err != nil {
				return invalid(path, "derived group %s: name_regex does not compile: %v", d.Name, err)
			}
		}
	}

	overrides := make(map[string]struct{}, len(c.Overrides))
	for _, o := range c.Overrides {
		r, err := rules.ParseOverride(o.Rule)
		if err != nil {
			return invalid(path, "override %q: %v", o.Rule, err)
		}
		key := r.Type + "," + strings.ToLower(r.Value)
		if _, ok := overrides[key]; ok {
			return invalid(path, "duplicate override rule: %s", o.Rule)
		}
		overrides[key] = struct{}{}
		if strings.TrimSpace(o.Target) == "" {
			return invalid(path, "override %q: target must not be empty", o.Rule)
		}
	}
	return nil
}

func yamlDecodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	// Reject multi-document YAML to keep behavior deterministic.
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u == nil || !u.IsAbs() {
		return errors.New("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http/https")
	}
	return nil
}

// isProviderKey keeps keys usable both as a YAML key and inside
// "RULE-SET,<key>,<policy>" without quoting.
func isProviderKey(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
