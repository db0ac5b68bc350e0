// Package parser classifies single C2 log lines into typed records.
//
// Classification failure is expected: multi-line command output does not
// carry a timestamp prefix, so Classify reports a miss with a false return
// value rather than an error, and the reconstructor decides what the line
// belongs to.
package parser

import (
	"regexp"
	"strings"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/patterns"
	"github.com/sirupsen/logrus"
)

// Line is a classified log line.
type Line struct {
	Type      model.EntryType
	Timestamp string // time fragment exactly as captured
	Timezone  string
	Content   string
	Operator  string
	Technique string

	// Kind-specific fields. SessionID is the external session id when the
	// line carries one (transfer records, Brute Ratel metadata).
	SessionID string
	IP        string
	User      string
	Hostname  string
	File      string
	Path      string

	Meta *Metadata
}

// Metadata holds the session attributes carried by a metadata line.
type Metadata struct {
	IP         string
	ExternalIP string
	Computer   string
	User       string
	Process    string
	PID        string
	OS         string
	Version    string
	Build      string
	Arch       string
}

// Classifier matches lines against the registry's line-shape patterns.
// It is safe for concurrent use.
type Classifier struct {
	matchers map[string]*matcher
	ipv4     *regexp.Regexp
}

// matcher pairs a pattern with the group indexes a match must yield.
type matcher struct {
	re     *regexp.Regexp
	groups map[string]int
	usable bool
}

// required lists the named groups each pattern must define. A configured
// override missing one of them never matches.
var required = map[string][]string{
	patterns.CSLine:     {"timestamp", "timezone", "type", "content"},
	patterns.CSEvent:    {"timestamp", "timezone", "content"},
	patterns.CSInput:    {"operator", "command"},
	patterns.CSTask:     {"technique", "content"},
	patterns.CSMetadata: {"ip_ext", "ip_int", "computer", "user", "process", "pid", "os", "version", "build", "arch"},
	patterns.CSDownload: {"timestamp", "timezone", "ip", "session", "size", "file", "path"},
	patterns.CSEventLog: {"timestamp", "timezone", "content", "user", "ip", "hostname"},
	patterns.BRLine:     {"timestamp", "timezone", "body"},
	patterns.BRMetadata: {"ips", "user", "id", "computer"},
	patterns.BRInput:    {"operator", "command"},
	patterns.BROutput:   {"content"},
	patterns.BRHTTPLog:  {"verb", "remote", "uri"},
	patterns.BRUpload:   {"host", "file", "md5"},
	patterns.BRCheckin:  {"id", "content"},
	patterns.BRDenied:   {"content"},
	patterns.BRTagged:   {"type", "content"},
	patterns.FolderDate: {"date"},
	patterns.BeaconID:   {"id"},
	patterns.BadgerID:   {"id"},
}

// optional lists required groups that may sit in an optional part of the
// pattern and so need not take part in every match.
var optional = map[string]map[string]bool{
	patterns.BRMetadata: {"computer": true},
}

// New builds a classifier over reg. Patterns lacking a required group are
// logged and disabled.
func New(reg *patterns.Registry, logger logrus.FieldLogger) (*Classifier, error) {
	ipv4, err := reg.Lookup(patterns.IPv4)
	if err != nil {
		return nil, err
	}
	c := &Classifier{matchers: make(map[string]*matcher, len(required)), ipv4: ipv4}
	for name, groups := range required {
		re, err := reg.Lookup(name)
		if err != nil {
			return nil, err
		}
		m := &matcher{re: re, groups: make(map[string]int, len(groups)), usable: true}
		for _, g := range groups {
			idx := re.SubexpIndex(g)
			if idx < 0 {
				logger.WithFields(logrus.Fields{
					"pattern": name,
					"group":   g,
				}).Warn("pattern is missing a required group and is disabled")
				m.usable = false
				break
			}
			m.groups[g] = idx
		}
		c.matchers[name] = m
	}
	return c, nil
}

// fields is the result of a successful match keyed by group name.
type fields map[string]string

func (c *Classifier) match(name, s string) (fields, bool) {
	m := c.matchers[name]
	if m == nil || !m.usable {
		return nil, false
	}
	loc := m.re.FindStringSubmatchIndex(s)
	if loc == nil {
		return nil, false
	}
	out := make(fields, len(m.groups))
	for g, idx := range m.groups {
		start, end := loc[2*idx], loc[2*idx+1]
		if start < 0 {
			// A required group that took no part in the match means the
			// line has the wrong shape.
			if !optional[name][g] {
				return nil, false
			}
			continue
		}
		out[g] = s[start:end]
	}
	return out, true
}

// Classify matches a single line for the given source. The second return
// value is false when the line does not match the source's line shape.
func (c *Classifier) Classify(raw string, src model.Source) (Line, bool) {
	line := strings.TrimRight(raw, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Line{}, false
	}

	switch src.Kind {
	case model.KindTranscript:
		if src.Tool == model.ToolBruteRatel {
			return c.classifyBadger(line)
		}
		return c.classifyBeacon(line)
	case model.KindTransfer:
		return c.classifyTransfer(line)
	case model.KindEvent:
		return c.classifyEvent(line)
	default:
		return Line{}, false
	}
}

func (c *Classifier) classifyBeacon(line string) (Line, bool) {
	if f, ok := c.match(patterns.CSLine, line); ok {
		typ := beaconTag(f["type"])
		if typ == model.TypeUnknown {
			return Line{}, false
		}
		l := Line{
			Type:      typ,
			Timestamp: f["timestamp"],
			Timezone:  f["timezone"],
			Content:   f["content"],
		}

		switch typ {
		case model.TypeInput:
			if in, ok := c.match(patterns.CSInput, l.Content); ok {
				l.Operator = in["operator"]
				l.Content = in["command"]
			}
		case model.TypeTask:
			if task, ok := c.match(patterns.CSTask, l.Content); ok {
				l.Technique = task["technique"]
				l.Content = task["content"]
			}
		case model.TypeMetadata:
			l.Meta = c.beaconMetadata(l.Content)
		case model.TypeOutput:
			l.Content = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l.Content), "received output:"))
		}
		return l, true
	}

	if f, ok := c.match(patterns.CSEvent, line); ok {
		return Line{
			Type:      model.TypeEvent,
			Timestamp: f["timestamp"],
			Timezone:  f["timezone"],
			Content:   f["content"],
		}, true
	}
	return Line{}, false
}

// beaconTag maps a bracketed transcript tag to an entry type.
func beaconTag(tag string) model.EntryType {
	switch tag {
	case "received output":
		return model.TypeOutput
	case "job registered":
		return model.TypeJobRegistered
	case "job completed":
		return model.TypeJobCompleted
	}
	return model.ParseType(tag)
}

// ParseMetadata extracts session attributes from the content of a stored
// metadata entry. It returns nil when the content carries none.
func (c *Classifier) ParseMetadata(content string, tool model.Tool) *Metadata {
	if tool == model.ToolBruteRatel {
		return c.badgerMetadata(content)
	}
	return c.beaconMetadata(content)
}

func (c *Classifier) beaconMetadata(content string) *Metadata {
	f, ok := c.match(patterns.CSMetadata, content)
	if !ok {
		return nil
	}
	ext := f["ip_ext"]
	if ext == "unknown" {
		ext = ""
	}
	return &Metadata{
		IP:         f["ip_int"],
		ExternalIP: ext,
		Computer:   f["computer"],
		User:       f["user"],
		Process:    f["process"],
		PID:        f["pid"],
		OS:         f["os"],
		Version:    f["version"],
		Build:      f["build"],
		Arch:       f["arch"],
	}
}

func (c *Classifier) classifyBadger(line string) (Line, bool) {
	f, ok := c.match(patterns.BRLine, line)
	if !ok {
		return Line{}, false
	}
	l := Line{Timestamp: f["timestamp"], Timezone: f["timezone"]}
	body := f["body"]

	if m, ok := c.match(patterns.BRMetadata, body); ok {
		l.Type = model.TypeMetadata
		l.Content = body
		l.SessionID = m["id"]
		l.Meta = c.badgerMetadata(body)
		return l, true
	}
	if m, ok := c.match(patterns.BRInput, body); ok {
		l.Type = model.TypeInput
		l.Operator = m["operator"]
		l.Content = m["command"]
		return l, true
	}
	if m, ok := c.match(patterns.BROutput, body); ok {
		l.Type = model.TypeOutput
		l.Content = m["content"]
		return l, true
	}
	if m, ok := c.match(patterns.BRHTTPLog, body); ok {
		l.Type = model.TypeHTTPLog
		l.Content = m["verb"] + " " + m["remote"] + " " + m["uri"]
		return l, true
	}
	if m, ok := c.match(patterns.BRUpload, body); ok {
		l.Type = model.TypeUpload
		l.Hostname = m["host"]
		l.File = m["file"]
		l.Content = m["file"] + " (md5: " + strings.ToLower(m["md5"]) + ")"
		return l, true
	}
	if m, ok := c.match(patterns.BRCheckin, body); ok {
		l.Type = model.TypeCheckin
		l.SessionID = m["id"]
		l.Content = m["content"]
		return l, true
	}
	if m, ok := c.match(patterns.BRDenied, body); ok {
		l.Type = model.TypeAccessDenied
		l.Content = m["content"]
		return l, true
	}
	if m, ok := c.match(patterns.BRTagged, body); ok {
		if typ := model.ParseType(m["type"]); typ != model.TypeUnknown {
			l.Type = typ
			l.Content = m["content"]
			return l, true
		}
	}
	return Line{}, false
}

func (c *Classifier) badgerMetadata(body string) *Metadata {
	m, ok := c.match(patterns.BRMetadata, body)
	if !ok {
		return nil
	}
	meta := &Metadata{Computer: m["computer"], User: m["user"]}
	ips := c.ipv4.FindAllString(m["ips"], -1)
	if len(ips) > 0 {
		meta.IP = ips[0]
	}
	if len(ips) > 1 {
		meta.ExternalIP = ips[1]
	}
	return meta
}

func (c *Classifier) classifyTransfer(line string) (Line, bool) {
	f, ok := c.match(patterns.CSDownload, line)
	if !ok {
		return Line{}, false
	}
	return Line{
		Type:      model.TypeDownload,
		Timestamp: f["timestamp"],
		Timezone:  f["timezone"],
		SessionID: f["session"],
		IP:        f["ip"],
		File:      f["file"],
		Path:      f["path"],
		Content:   joinRemotePath(f["path"], f["file"]),
	}, true
}

// joinRemotePath joins a path captured on the target with a file name,
// keeping the target's separator style.
func joinRemotePath(dir, file string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return file
	}
	sep := `\`
	if strings.Contains(dir, "/") && !strings.Contains(dir, `\`) {
		sep = "/"
	}
	return strings.TrimRight(dir, `\/`) + sep + file
}

func (c *Classifier) classifyEvent(line string) (Line, bool) {
	f, ok := c.match(patterns.CSEventLog, line)
	if !ok {
		return Line{}, false
	}
	return Line{
		Type:      model.TypeEvent,
		Timestamp: f["timestamp"],
		Timezone:  f["timezone"],
		Content:   f["content"],
		User:      strings.TrimSpace(f["user"]),
		IP:        f["ip"],
		Hostname:  f["hostname"],
	}, true
}
