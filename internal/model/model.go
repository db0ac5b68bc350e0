// Package model defines the Session and Entry records shared by the
// classifier, the reconstructor, the store and the report writers.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the fixed-width layout timestamps are persisted with. Both
// natural-key equality and chronological ordering rely on it.
const TimeLayout = "2006-01-02 15:04:05.000000"

// Kind is the closed set of persisted entity kinds.
type Kind int

const (
	KindSession Kind = iota
	KindEntry
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindEntry:
		return "entry"
	default:
		return "unknown"
	}
}

// EntryType is the type tag of a timeline entry.
type EntryType int

const (
	TypeUnknown EntryType = iota
	TypeMetadata
	TypeInput
	TypeTask
	TypeCheckin
	TypeOutput
	TypeNote
	TypeError
	TypeIndicator
	TypeJobRegistered
	TypeJobCompleted
	TypeDownload
	TypeUpload
	TypeEvent
	TypeWarning
	TypeAccessDenied
	TypeHTTPRequest
	TypeHTTPLog
)

var typeNames = map[EntryType]string{
	TypeMetadata:      "metadata",
	TypeInput:         "input",
	TypeTask:          "task",
	TypeCheckin:       "checkin",
	TypeOutput:        "output",
	TypeNote:          "note",
	TypeError:         "error",
	TypeIndicator:     "indicator",
	TypeJobRegistered: "job_registered",
	TypeJobCompleted:  "job_completed",
	TypeDownload:      "download",
	TypeUpload:        "upload",
	TypeEvent:         "event",
	TypeWarning:       "warning",
	TypeAccessDenied:  "access_denied",
	TypeHTTPRequest:   "http_request",
	TypeHTTPLog:       "http_log",
}

// AllTypes lists every known entry type in declaration order.
func AllTypes() []EntryType {
	types := make([]EntryType, 0, len(typeNames))
	for t := TypeMetadata; t <= TypeHTTPLog; t++ {
		types = append(types, t)
	}
	return types
}

// String returns the persisted name of an EntryType.
func (t EntryType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements json.Marshaler for EntryType.
func (t EntryType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler for EntryType.
func (t *EntryType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseType(s)
	return nil
}

// ParseType converts a persisted or configured name to an EntryType.
// Unrecognised names map to TypeUnknown.
func ParseType(s string) EntryType {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	for t, name := range typeNames {
		if name == s {
			return t
		}
	}
	return TypeUnknown
}

// Accumulates reports whether lines of this type open a multi-line
// output block.
func (t EntryType) Accumulates() bool {
	switch t {
	case TypeOutput, TypeError, TypeHTTPLog, TypeAccessDenied:
		return true
	}
	return false
}

// IsCommand reports whether the type marks a command boundary.
func (t EntryType) IsCommand() bool {
	return t == TypeInput || t == TypeTask || t == TypeMetadata
}

// LogKind identifies which of the three log shapes a file carries.
type LogKind int

const (
	KindUnknownLog LogKind = iota
	KindTranscript
	KindTransfer
	KindEvent
)

func (k LogKind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindTransfer:
		return "transfer"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Tool identifies the C2 framework that produced a log.
type Tool int

const (
	ToolCobaltStrike Tool = iota
	ToolBruteRatel
)

func (t Tool) String() string {
	if t == ToolBruteRatel {
		return "bruteratel"
	}
	return "cobaltstrike"
}

// Source is the classification hint derived from a file path.
type Source struct {
	Kind LogKind
	Tool Tool
}

func (s Source) String() string {
	return s.Tool.String() + "/" + s.Kind.String()
}

// Session is one operator-to-host connection lifetime (a "beacon").
type Session struct {
	ID         int64     `json:"id"`
	BeaconID   string    `json:"beacon_id,omitempty"`
	IP         string    `json:"ip,omitempty"`
	ExternalIP string    `json:"ip_ext,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	User       string    `json:"user,omitempty"`
	Process    string    `json:"process,omitempty"`
	PID        string    `json:"pid,omitempty"`
	OS         string    `json:"os,omitempty"`
	Version    string    `json:"version,omitempty"`
	Build      string    `json:"build,omitempty"`
	Arch       string    `json:"arch,omitempty"`
	Timezone   string    `json:"timezone,omitempty"`
	DayPrefix  string    `json:"day_prefix,omitempty"`
	Tool       Tool      `json:"-"`
	Joined     time.Time `json:"joined,omitempty"`
	Exited     time.Time `json:"exited,omitempty"`
}

// NaturalKey returns the unique key a session is upserted by: the
// external id when known, otherwise ip, user and first-seen timestamp.
func (s *Session) NaturalKey() string {
	if s.BeaconID != "" {
		return "id:" + s.BeaconID
	}
	return fmt.Sprintf("ip:%s|%s|%s", s.IP, s.User, FormatTime(s.Joined))
}

// Complete reports whether the fields required by reports are populated.
func (s *Session) Complete() bool {
	return s.Hostname != "" && !s.Joined.IsZero()
}

// SessionUpdate carries fields for a point update. Descriptive fields are
// written only while still empty; Joined and Exited only ever widen the
// session window.
type SessionUpdate struct {
	IP         string
	ExternalIP string
	Hostname   string
	User       string
	Process    string
	PID        string
	OS         string
	Version    string
	Build      string
	Arch       string
	Timezone   string
	Joined     time.Time
	Exited     time.Time
}

// IsZero reports whether the update carries nothing to write.
func (u SessionUpdate) IsZero() bool {
	return u == SessionUpdate{}
}

// Entry is one reconstructed timeline event owned by a session.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Timezone  string    `json:"timezone"`
	Type      EntryType `json:"type"`
	Content   string    `json:"content"`
	Operator  string    `json:"operator,omitempty"`
	Technique string    `json:"technique,omitempty"`
}

// NaturalKey returns the (timestamp, timezone, type, session) key.
func (e *Entry) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", FormatTime(e.Timestamp), e.Timezone, e.Type, e.SessionID)
}

// FormatTime renders t with TimeLayout; the zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeLayout, s)
}
