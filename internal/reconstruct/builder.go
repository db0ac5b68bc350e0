package reconstruct

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/c2trail/c2trail/internal/model"
)

// entryBuilder collects the fields of an entry while its lines are read.
// Multi-line output is appended to content until the block is closed.
type entryBuilder struct {
	sessionID int64
	timestamp time.Time
	timezone  string
	typ       model.EntryType
	operator  string
	technique string
	content   strings.Builder

	// opened is set until the first continuation line arrives.
	opened bool
}

func newBuilder(sessionID int64, ts time.Time, tz string, typ model.EntryType) *entryBuilder {
	return &entryBuilder{
		sessionID: sessionID,
		timestamp: ts,
		timezone:  tz,
		typ:       typ,
	}
}

// fragment appends inline content captured on an opening line.
func (b *entryBuilder) fragment(s string) {
	b.opened = true
	if s == "" {
		return
	}
	b.content.WriteString(s)
	b.content.WriteByte('\n')
}

// raw appends an unclassified continuation line with its terminator.
func (b *entryBuilder) raw(line string) {
	b.opened = false
	b.content.WriteString(line)
}

// empty reports whether nothing but whitespace has been collected.
func (b *entryBuilder) empty() bool {
	return strings.TrimSpace(b.content.String()) == ""
}

// finalize validates the collected fields and returns the entry to
// persist, with trailing whitespace trimmed from its content.
func (b *entryBuilder) finalize() (*model.Entry, error) {
	switch {
	case b.sessionID <= 0:
		return nil, errors.New("entry has no session")
	case b.timestamp.IsZero():
		return nil, errors.New("entry has no timestamp")
	case b.typ == model.TypeUnknown:
		return nil, errors.New("entry has no type")
	}
	return &model.Entry{
		SessionID: b.sessionID,
		Timestamp: b.timestamp,
		Timezone:  b.timezone,
		Type:      b.typ,
		Content:   strings.TrimRightFunc(b.content.String(), unicode.IsSpace),
		Operator:  b.operator,
		Technique: b.technique,
	}, nil
}
