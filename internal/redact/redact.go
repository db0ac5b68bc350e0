// Package redact rewrites sensitive tokens in entry content and decides
// which entries and sessions are operational noise.
package redact

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/model"
	"github.com/sirupsen/logrus"
)

// Rule is one compiled substitution.
type Rule struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Replacement string // Go expansion template
}

// PatternError reports a rule that cannot be applied. The rule is skipped
// and the remaining rules still run.
type PatternError struct {
	Rule    string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("redaction rule %q (%s): %v", e.Rule, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Redactor applies rules in configuration order.
type Redactor struct {
	enabled bool
	rules   []Rule
	skip    map[model.EntryType]bool
}

// NewRedactor compiles the configured rules, falling back to DefaultRules
// when none are configured. Rules that fail to compile, or whose
// replacement references a group the pattern does not define, are logged
// as PatternErrors and left out.
func NewRedactor(cfg config.RedactionConfig, logger logrus.FieldLogger) *Redactor {
	r := &Redactor{
		enabled: cfg.Enabled,
		skip:    make(map[model.EntryType]bool),
	}
	for _, name := range cfg.SkipTypes {
		if t := model.ParseType(name); t != model.TypeUnknown {
			r.skip[t] = true
		}
	}

	defs := cfg.Rules
	if len(defs) == 0 {
		defs = DefaultRules
	}
	for _, def := range defs {
		rule, err := compileRule(def, cfg.Flags)
		if err != nil {
			logger.WithError(err).WithField("rule", def.Name).Error("skipping redaction rule")
			continue
		}
		r.rules = append(r.rules, rule)
	}
	return r
}

func compileRule(def config.RedactionRule, flags config.RedactionFlags) (Rule, error) {
	pattern := strings.TrimSpace(def.Pattern)
	src := pattern
	if flags.CaseInsensitive {
		src = "(?i)" + src
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return Rule{}, &PatternError{Rule: def.Name, Pattern: pattern, Err: err}
	}

	replacement := def.Replacement
	if replacement == "" {
		replacement = flags.Replacement
	}
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	tpl := translateTemplate(replacement)
	if err := checkTemplate(tpl, re); err != nil {
		return Rule{}, &PatternError{Rule: def.Name, Pattern: pattern, Err: err}
	}

	return Rule{
		Name:        def.Name,
		Description: def.Description,
		Regex:       re,
		Replacement: tpl,
	}, nil
}

var backslashRef = regexp.MustCompile(`\\(\d+|g<\w+>)`)

// translateTemplate converts a backslash-style replacement ("\1[REDACTED]",
// "\g<name>") to a Go expansion template. Templates without backslash
// references are taken to be Go templates already.
func translateTemplate(s string) string {
	if !backslashRef.MatchString(s) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			sb.WriteString("$$")
		case c == '\\' && i+1 < len(s):
			next := s[i+1]
			switch {
			case next >= '0' && next <= '9':
				j := i + 1
				for j < len(s) && s[j] >= '0' && s[j] <= '9' {
					j++
				}
				sb.WriteString("${" + s[i+1:j] + "}")
				i = j - 1
			case next == 'g' && i+2 < len(s) && s[i+2] == '<':
				end := strings.IndexByte(s[i+3:], '>')
				if end < 0 {
					sb.WriteByte(c)
					continue
				}
				sb.WriteString("${" + s[i+3:i+3+end] + "}")
				i = i + 3 + end
			case next == '\\':
				sb.WriteByte('\\')
				i++
			default:
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

var templateRef = regexp.MustCompile(`\$(\$|\{(\w+)\}|(\w+))`)

// checkTemplate rejects references to groups re does not define.
func checkTemplate(tpl string, re *regexp.Regexp) error {
	for _, m := range templateRef.FindAllStringSubmatch(tpl, -1) {
		if m[1] == "$" {
			continue
		}
		ref := m[2]
		if ref == "" {
			ref = m[3]
		}
		if n, err := strconv.Atoi(ref); err == nil {
			if n > re.NumSubexp() {
				return fmt.Errorf("replacement references group %d but pattern has %d", n, re.NumSubexp())
			}
			continue
		}
		if re.SubexpIndex(ref) < 0 {
			return fmt.Errorf("replacement references unknown group %q", ref)
		}
	}
	return nil
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Rules returns the compiled rules in application order.
func (r *Redactor) Rules() []Rule {
	return r.rules
}

// Redact applies every rule in order. Content without matches is returned
// unchanged.
func (r *Redactor) Redact(content string) string {
	out, _ := r.RedactAndCount(content)
	return out
}

// RedactAndCount redacts content and returns the number of replacements.
func (r *Redactor) RedactAndCount(content string) (string, int) {
	if !r.enabled || len(r.rules) == 0 {
		return content, 0
	}

	count := 0
	result := content
	for _, rule := range r.rules {
		matches := rule.Regex.FindAllStringSubmatchIndex(result, -1)
		if len(matches) == 0 {
			continue
		}
		count += len(matches)
		result = rule.Regex.ReplaceAllString(result, rule.Replacement)
	}
	return result, count
}

// RedactEntry returns the redacted content of e and whether it changed.
// Entries of a skipped type are returned untouched.
func (r *Redactor) RedactEntry(e *model.Entry) (string, bool) {
	if r.skip[e.Type] {
		return e.Content, false
	}
	out, n := r.RedactAndCount(e.Content)
	return out, n > 0 && out != e.Content
}

// IsSensitive reports whether any rule matches text.
func (r *Redactor) IsSensitive(text string) bool {
	if !r.enabled {
		return false
	}
	for _, rule := range r.rules {
		if rule.Regex.MatchString(text) {
			return true
		}
	}
	return false
}
