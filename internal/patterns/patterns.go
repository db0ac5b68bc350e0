// Package patterns holds the named regular-expression templates used to
// classify log lines. Composite templates reference other templates with
// %{name}; references are expanded by literal substitution before
// compilation so every compiled pattern is self-contained.
package patterns

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/c2trail/c2trail/internal/config"
)

// Template names used by the classifier.
const (
	CSTime     = "cs_time"
	BRTime     = "br_time"
	IPv4       = "ipv4"
	Date       = "date"
	FolderDate = "folder_date"
	CSLine     = "cs_line"
	CSEvent    = "cs_event_line"
	CSInput    = "cs_input"
	CSTask     = "cs_task"
	CSMetadata = "cs_metadata"
	CSDownload = "cs_download"
	CSEventLog = "cs_event"
	BRLine     = "br_line"
	BRMetadata = "br_metadata"
	BRInput    = "br_input"
	BROutput   = "br_output"
	BRHTTPLog  = "br_http_log"
	BRUpload   = "br_upload"
	BRCheckin  = "br_checkin"
	BRDenied   = "br_access_denied"
	BRTagged   = "br_tagged"
	BeaconID   = "beacon_id"
	BadgerID   = "badger_id"
)

// Defaults is the built-in template set. Configuration may override any
// entry or add new ones.
var Defaults = map[string]string{
	// base fragments
	CSTime: `(?P<timestamp>\d{2}/\d{2} \d{2}:\d{2}:\d{2})\s(?P<timezone>[A-Za-z]+)`,
	BRTime: `(?P<timestamp>\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2})\s(?P<timezone>[A-Za-z]+)`,
	IPv4:   `(?:\d{1,3}\.){3}\d{1,3}`,
	Date:   `\d{6}`,

	FolderDate: `(?:^|[\\/])(?P<date>%{date})(?:[\\/]|$)`,
	BeaconID:   `beacon_(?P<id>\d+)`,
	BadgerID:   `b-(?P<id>\d+)`,

	// Cobalt Strike transcript
	CSLine:     `^%{cs_time}\s\[(?P<type>[a-z_ ]+)\]\s?(?P<content>.*)$`,
	CSEvent:    `^%{cs_time}\s\*\*\*\s(?P<content>.*)$`,
	CSInput:    `^<(?P<operator>[^>]*)>\s(?P<command>.*)$`,
	CSTask:     `^<(?P<technique>[^>]*)>\s(?P<content>.*)$`,
	CSMetadata: `^(?P<ip_ext>%{ipv4}|unknown) <- (?P<ip_int>%{ipv4}); computer: (?P<computer>.*?); user: (?P<user>.*?); process: (?P<process>.*?); pid: (?P<pid>\d+); os: (?P<os>.*?); version: (?P<version>.*?); build: (?P<build>.*?); beacon arch: (?P<arch>.*)$`,

	// Cobalt Strike transfer and event records
	CSDownload: `^%{cs_time}\t(?P<ip>%{ipv4})\t(?P<session>\d*)\t(?P<size>\d+)\t(?P<server_path>[^\t]*)\t(?P<file>[^\t]*)\t(?P<path>.*)$`,
	CSEventLog: `^%{cs_time}\s(?P<content>\*\*\*\s.*?from\s(?P<user>.*?)@(?P<ip>%{ipv4})\s\((?P<hostname>[^)]*)\).*)$`,

	// Brute Ratel badger transcript
	BRLine:     `^%{br_time}\s+(?P<body>\S.*)$`,
	BRMetadata: `^\[::badger authenticated from (?P<ips>[^\]]*)\]\[(?P<user>[^\]]*)\]\[b-(?P<id>\d+)(?:\\(?P<computer>[^\]]*))?\]`,
	BRInput:    `^\[input\]\s(?P<operator>.*?)\s=>\s(?P<command>.*)$`,
	BROutput:   `^\[sent \d+ bytes\]\s?(?P<content>.*)$`,
	BRHTTPLog:  `^\[\+\] Verb: (?P<verb>\w+)\s+\[\+\] Remote Address: (?P<remote>%{ipv4}:\d+)\s+\[\+\] Request URI: (?P<uri>.*)$`,
	BRUpload:   `^\[UPLOAD\] Host: (?P<host>.*?) \| File: (?P<file>.*?) \| MD5: (?P<md5>[a-fA-F0-9]{32})$`,
	BRCheckin:  `^\[\+\] b-(?P<id>\d+)\s+(?P<content>.*)$`,
	BRDenied:   `^\[-\]\s(?P<content>.*(?i:access denied).*)$`,
	BRTagged:   `^\[(?P<type>[a-z_ ]+)\]\s?(?P<content>.*)$`,
}

var reference = regexp.MustCompile(`%\{([A-Za-z0-9_]+)\}`)

// UnknownPatternError is returned by Lookup for an unregistered name.
type UnknownPatternError struct {
	Name string
}

func (e *UnknownPatternError) Error() string {
	return fmt.Sprintf("unknown pattern %q", e.Name)
}

// Registry is an immutable set of compiled patterns.
type Registry struct {
	templates map[string]string
	compiled  map[string]*regexp.Regexp
}

// Load builds a registry from Defaults overlaid with overrides. An
// undefined reference, a reference cycle or a compile failure yields a
// *config.ConfigError.
func Load(overrides map[string]string) (*Registry, error) {
	templates := make(map[string]string, len(Defaults)+len(overrides))
	for name, tpl := range Defaults {
		templates[name] = tpl
	}
	for name, tpl := range overrides {
		templates[strings.ToLower(name)] = tpl
	}

	r := &Registry{
		templates: make(map[string]string, len(templates)),
		compiled:  make(map[string]*regexp.Regexp, len(templates)),
	}

	for _, name := range sortedKeys(templates) {
		expanded, err := expand(name, templates, nil)
		if err != nil {
			return nil, &config.ConfigError{Source: "patterns", Err: err}
		}
		re, err := regexp.Compile(expanded)
		if err != nil {
			return nil, &config.ConfigError{
				Source: "patterns",
				Err:    fmt.Errorf("compiling %s: %w", name, err),
			}
		}
		r.templates[name] = expanded
		r.compiled[name] = re
	}
	return r, nil
}

func expand(name string, templates map[string]string, stack []string) (string, error) {
	for _, s := range stack {
		if s == name {
			return "", fmt.Errorf("reference cycle: %s -> %s", strings.Join(stack, " -> "), name)
		}
	}
	tpl, ok := templates[name]
	if !ok {
		if len(stack) == 0 {
			return "", &UnknownPatternError{Name: name}
		}
		return "", fmt.Errorf("%s references undefined pattern %q", stack[len(stack)-1], name)
	}

	stack = append(stack, name)
	var firstErr error
	out := reference.ReplaceAllStringFunc(tpl, func(m string) string {
		ref := reference.FindStringSubmatch(m)[1]
		sub, err := expand(ref, templates, stack)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return sub
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Lookup returns the compiled pattern registered under name.
func (r *Registry) Lookup(name string) (*regexp.Regexp, error) {
	re, ok := r.compiled[name]
	if !ok {
		return nil, &UnknownPatternError{Name: name}
	}
	return re, nil
}

// MustLookup is Lookup for names known to be registered. It panics
// otherwise.
func (r *Registry) MustLookup(name string) *regexp.Regexp {
	re, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}
	return re
}

// Expanded returns the fully substituted source of a template.
func (r *Registry) Expanded(name string) (string, error) {
	s, ok := r.templates[name]
	if !ok {
		return "", &UnknownPatternError{Name: name}
	}
	return s, nil
}

// Names lists registered pattern names in sorted order.
func (r *Registry) Names() []string {
	return sortedKeys(r.compiled)
}

// IsUnknown reports whether err is an UnknownPatternError.
func IsUnknown(err error) bool {
	var target *UnknownPatternError
	return errors.As(err, &target)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
