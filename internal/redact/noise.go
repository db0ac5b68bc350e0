package redact

import (
	"net/netip"
	"strings"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/model"
)

// DefaultNoiseRules drop the housekeeping commands and task echoes that
// every session accumulates. They apply when no exclusions.commands are
// configured.
var DefaultNoiseRules = []config.NoiseRule{
	{All: []string{"Tasked beacon to sleep"}},
	{All: []string{"Tasked beacon to exit"}},
	{All: []string{"Tasked beacon to list"}},
	{All: []string{"Tasked beacon to back"}},
	{All: []string{"to become interactive"}},
	{All: []string{"beacon queue"}},
	{All: []string{"received keystrokes"}},
	{All: []string{"received screenshot"}},
	{All: []string{"beacon is late"}},
	{All: []string{"<BeaconBot>"}},
	{
		Commands: []string{"sleep", "jobs", "jobkill", "clear", "exit"},
		Types:    []model.EntryType{model.TypeInput},
	},
}

// Filter decides which entries and sessions are noise.
type Filter struct {
	rules     []config.NoiseRule
	internal  []netip.Prefix
	external  []netip.Prefix
	excluded  []netip.Prefix
	hostnames map[string]bool
}

// NewFilter builds a filter from the exclusion configuration and the
// ranges loaded from the exclude-IP file.
func NewFilter(cfg *config.Config, excluded []netip.Prefix) (*Filter, error) {
	rules, err := cfg.NoiseRules()
	if err != nil {
		return nil, &config.ConfigError{Source: "exclusions", Err: err}
	}
	if len(rules) == 0 {
		rules = DefaultNoiseRules
	}
	internal, err := config.ParsePrefixes(cfg.Exclusions.Internal)
	if err != nil {
		return nil, &config.ConfigError{Source: "exclusions.internal", Err: err}
	}
	external, err := config.ParsePrefixes(cfg.Exclusions.External)
	if err != nil {
		return nil, &config.ConfigError{Source: "exclusions.external", Err: err}
	}

	f := &Filter{
		rules:     rules,
		internal:  internal,
		external:  external,
		excluded:  excluded,
		hostnames: make(map[string]bool, len(cfg.Exclusions.Hostnames)),
	}
	for _, h := range cfg.Exclusions.Hostnames {
		if h = strings.TrimSpace(h); h != "" {
			f.hostnames[strings.ToLower(h)] = true
		}
	}
	return f, nil
}

// IsNoise reports whether e matches any noise rule. A rule matches when
// every substring occurs in the content, the command verb is listed and
// the type is allowed.
func (f *Filter) IsNoise(e *model.Entry) bool {
	for _, rule := range f.rules {
		if matchRule(rule, e) {
			return true
		}
	}
	return false
}

func matchRule(rule config.NoiseRule, e *model.Entry) bool {
	if len(rule.Types) > 0 {
		allowed := false
		for _, t := range rule.Types {
			if t == e.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if len(rule.Commands) > 0 && !hasVerb(e.Content, rule.Commands) {
		return false
	}
	for _, s := range rule.All {
		if !strings.Contains(e.Content, s) {
			return false
		}
	}
	return len(rule.All) > 0 || len(rule.Commands) > 0
}

// hasVerb reports whether the first word of content is one of verbs.
func hasVerb(content string, verbs []string) bool {
	words := strings.Fields(content)
	if len(words) == 0 {
		return false
	}
	for _, v := range verbs {
		if strings.EqualFold(words[0], v) {
			return true
		}
	}
	return false
}

// SessionExcluded reports whether s belongs to excluded infrastructure:
// an internal address in the internal or exclude-file ranges, an external
// address in the external ranges, or a listed hostname.
func (f *Filter) SessionExcluded(s *model.Session) bool {
	if f.hostnames[strings.ToLower(s.Hostname)] {
		return true
	}
	if config.ContainsAddr(f.internal, s.IP) || config.ContainsAddr(f.excluded, s.IP) {
		return true
	}
	return config.ContainsAddr(f.external, s.ExternalIP)
}

// IPExcluded reports whether ip falls in the exclude-file ranges.
func (f *Filter) IPExcluded(ip string) bool {
	return config.ContainsAddr(f.excluded, ip)
}
