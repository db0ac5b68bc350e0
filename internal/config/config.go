// Package config provides configuration types and helpers for c2trail.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/spf13/viper"
)

// ErrConfig is the sentinel wrapped by every ConfigError.
var ErrConfig = errors.New("invalid configuration")

// ConfigError reports a missing or unparsable configuration document.
// It is fatal at startup.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConfig) true for every ConfigError.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Config holds the application-wide configuration. It is built once at
// startup and passed by reference to every component.
type Config struct {
	Verbose     bool              `mapstructure:"verbose"`
	Workers     int               `mapstructure:"workers"`
	Path        string            `mapstructure:"path"`
	Output      string            `mapstructure:"output"`
	Minimize    bool              `mapstructure:"minimize"`
	ExcludeFile string            `mapstructure:"exclude"`
	Extension   string            `mapstructure:"extension"`
	Prefix      string            `mapstructure:"prefix"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Patterns    map[string]string `mapstructure:"patterns"`
	Redaction   RedactionConfig   `mapstructure:"redactions"`
	Exclusions  ExclusionConfig   `mapstructure:"exclusions"`
	Report      ReportConfig      `mapstructure:"report"`
	LLM         LLMConfig         `mapstructure:"llm"`
}

// DatabaseConfig selects and tunes the store backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`    // file path or connection string

	// BusyTimeout bounds how long a write is retried on SQLITE_BUSY, e.g. "30s".
	BusyTimeout string `mapstructure:"busy_timeout"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

// RedactionConfig holds the ordered content-rewrite rules.
type RedactionConfig struct {
	Enabled bool            `mapstructure:"enabled"`
	Rules   []RedactionRule `mapstructure:"rules"`
	Flags   RedactionFlags  `mapstructure:"flags"`

	// Patterns is the keyed form {name: {pattern, description}}. Load
	// appends it to Rules in key order; use Rules when order matters.
	Patterns map[string]RedactionPattern `mapstructure:"patterns"`

	// SkipTypes lists entry types whose content is never rewritten.
	// Indicator hashes would otherwise be destroyed by the hash rules.
	SkipTypes []string `mapstructure:"skip_types"`
}

// RedactionRule is one named substitution.
type RedactionRule struct {
	Name        string `mapstructure:"name"`
	Pattern     string `mapstructure:"pattern"`
	Description string `mapstructure:"description"`
	Replacement string `mapstructure:"replacement"` // overrides Flags.Replacement
}

// RedactionPattern is a RedactionRule named by its map key.
type RedactionPattern struct {
	Pattern     string `mapstructure:"pattern"`
	Description string `mapstructure:"description"`
	Replacement string `mapstructure:"replacement"`
}

// RedactionFlags apply to every rule.
type RedactionFlags struct {
	CaseInsensitive bool   `mapstructure:"case_insensitive"`
	Replacement     string `mapstructure:"replacement"`
}

// ExclusionConfig lists what noise removal deletes.
type ExclusionConfig struct {
	Internal  []string `mapstructure:"internal"`
	External  []string `mapstructure:"external"`
	Hostnames []string `mapstructure:"hostnames"`

	// Commands holds noise rules. Each element is either a plain substring
	// or a map {and: [substrings...], command: <verbs>, type: <entry type>}.
	Commands []any `mapstructure:"commands"`
}

// NoiseRule matches an entry when every substring is contained in its
// content, its first word is one of Commands (if any) and its type is
// listed (if Types is non-empty).
type NoiseRule struct {
	All      []string
	Commands []string
	Types    []model.EntryType
}

// ReportConfig controls CSV rendering.
type ReportConfig struct {
	Delimiter  string `mapstructure:"delimiter"`
	DateFormat string `mapstructure:"date_format"`
	TimeFormat string `mapstructure:"time_format"`

	// TTPFile is an optional technique keyword CSV enabling the TTP report.
	TTPFile string `mapstructure:"ttp_file"`
}

// LLMConfig holds configuration for the session narrative provider.
type LLMConfig struct {
	Provider    string       `mapstructure:"provider"`
	Temperature float32      `mapstructure:"temperature"`
	MaxTokens   int          `mapstructure:"max_tokens"`
	Ollama      OllamaConfig `mapstructure:"ollama"`
}

// OllamaConfig holds Ollama-specific settings.
type OllamaConfig struct {
	Host      string `mapstructure:"host"`       // API endpoint
	Model     string `mapstructure:"model"`      // Default model name
	KeepAlive string `mapstructure:"keep_alive"` // e.g., "5m"
	NumCtx    int    `mapstructure:"num_ctx"`    // Context window size
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("verbose", false)
	v.SetDefault("workers", 10)
	v.SetDefault("output", "reports")
	v.SetDefault("extension", ".log")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "c2trail.db")
	v.SetDefault("database.busy_timeout", "30s")
	v.SetDefault("database.max_retries", 8)
	v.SetDefault("redactions.enabled", true)
	v.SetDefault("redactions.flags.case_insensitive", true)
	v.SetDefault("redactions.flags.replacement", `\1[REDACTED]`)
	v.SetDefault("redactions.skip_types", []string{"indicator"})
	v.SetDefault("report.delimiter", ",")
	v.SetDefault("report.date_format", "02/01/2006")
	v.SetDefault("report.time_format", "15:04:05")
	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.ollama.model", "llama3.2")
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Source: v.ConfigFileUsed(), Err: err}
	}
	cfg.Redaction.mergePatterns()
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Source: v.ConfigFileUsed(), Err: err}
	}
	return &cfg, nil
}

// mergePatterns moves the keyed patterns onto the end of Rules, sorted by
// name since map order is lost.
func (r *RedactionConfig) mergePatterns() {
	names := make([]string, 0, len(r.Patterns))
	for name := range r.Patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := r.Patterns[name]
		r.Rules = append(r.Rules, RedactionRule{
			Name:        name,
			Pattern:     p.Pattern,
			Description: p.Description,
			Replacement: p.Replacement,
		})
	}
	r.Patterns = nil
}

// Validate checks the fields whose values cannot be repaired later.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.BusyTimeout != "" {
		if _, err := ParseDuration(c.Database.BusyTimeout); err != nil {
			return fmt.Errorf("database.busy_timeout: %w", err)
		}
	}
	if len([]rune(c.Report.Delimiter)) != 1 {
		return fmt.Errorf("report.delimiter must be a single character, got %q", c.Report.Delimiter)
	}
	for i, r := range c.Redaction.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("redactions.rules[%d] (%s): empty pattern", i, r.Name)
		}
	}
	if _, err := ParsePrefixes(c.Exclusions.Internal); err != nil {
		return fmt.Errorf("exclusions.internal: %w", err)
	}
	if _, err := ParsePrefixes(c.Exclusions.External); err != nil {
		return fmt.Errorf("exclusions.external: %w", err)
	}
	if _, err := c.NoiseRules(); err != nil {
		return err
	}
	return nil
}

// NoiseRules normalizes Exclusions.Commands.
func (c *Config) NoiseRules() ([]NoiseRule, error) {
	rules := make([]NoiseRule, 0, len(c.Exclusions.Commands))
	for i, raw := range c.Exclusions.Commands {
		rule, err := parseNoiseRule(raw)
		if err != nil {
			return nil, fmt.Errorf("exclusions.commands[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseNoiseRule(raw any) (NoiseRule, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return NoiseRule{}, errors.New("empty rule")
		}
		return NoiseRule{All: []string{v}}, nil
	case map[string]any:
		var rule NoiseRule
		for key, val := range v {
			switch strings.ToLower(key) {
			case "and":
				parts, ok := val.([]any)
				if !ok || len(parts) == 0 {
					return NoiseRule{}, errors.New(`"and" must be a non-empty list`)
				}
				for _, p := range parts {
					s, ok := p.(string)
					if !ok {
						return NoiseRule{}, fmt.Errorf(`"and" element %v is not a string`, p)
					}
					rule.All = append(rule.All, s)
				}
			case "command", "commands":
				verbs, err := stringList(val)
				if err != nil {
					return NoiseRule{}, err
				}
				rule.Commands = append(rule.Commands, verbs...)
			case "type", "types":
				names, err := stringList(val)
				if err != nil {
					return NoiseRule{}, err
				}
				for _, n := range names {
					t := model.ParseType(n)
					if t == model.TypeUnknown {
						return NoiseRule{}, fmt.Errorf("unknown entry type %q", n)
					}
					rule.Types = append(rule.Types, t)
				}
			default:
				return NoiseRule{}, fmt.Errorf("unknown key %q", key)
			}
		}
		if len(rule.All) == 0 && len(rule.Commands) == 0 {
			return NoiseRule{}, errors.New(`rule needs an "and" list or a "command"`)
		}
		return rule, nil
	default:
		return NoiseRule{}, fmt.Errorf("unsupported rule %T", raw)
	}
}

func stringList(val any) ([]string, error) {
	switch v := val.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%v is not a string", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", val)
	}
}

// ParsePrefixes parses CIDR ranges; a bare address becomes a single-host range.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		p, err := ParsePrefix(v)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// ParsePrefix parses one CIDR range or address.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
