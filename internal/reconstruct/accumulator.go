package reconstruct

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/parser"
	"github.com/sirupsen/logrus"
)

// accumulator is the per-file state machine. Command lines are persisted
// as soon as they are read and become the current command; output lines
// open a block that collects unclassified continuation lines until the
// next classified line closes it.
type accumulator struct {
	r    *Reconstructor
	log  logrus.FieldLogger
	path string
	src  model.Source
	info parser.PathInfo

	// session is the transcript's session. Transfer and event records
	// resolve their session per line and leave it zero.
	session  int64
	metaSeen bool

	current *model.Entry
	pending *entryBuilder

	// seen holds the natural keys produced in this pass. A repeated key
	// is moved forward by one microsecond until it is free.
	seen map[string]bool

	first, last time.Time
	timezone    string
	stats       FileStats
}

func newAccumulator(r *Reconstructor, lf config.LogFile, log logrus.FieldLogger) *accumulator {
	return &accumulator{
		r:    r,
		log:  log,
		path: lf.Path,
		src:  lf.Source,
		info: r.classifier.Locate(lf.Path, lf.Source),
		seen: make(map[string]bool),
	}
}

func (a *accumulator) run(ctx context.Context, rd io.Reader) error {
	br := bufio.NewReader(rd)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			a.stats.Lines++
			if ferr := a.feed(ctx, line); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &FileAccessError{Path: a.path, Err: err}
		}
	}

	if err := a.flush(ctx); err != nil {
		return err
	}
	return a.close(ctx)
}

// feed advances the state machine by one raw line, terminator included.
func (a *accumulator) feed(ctx context.Context, raw string) error {
	l, ok := a.r.classifier.Classify(raw, a.src)
	if !ok {
		return a.unmatched(raw)
	}

	ts, err := parser.ResolveTime(l.Timestamp, a.src.Tool, a.info.DayPrefix)
	if err != nil {
		a.stats.Skipped++
		a.log.WithError(err).WithField("line", a.stats.Lines).Warn("skipping line")
		return nil
	}

	if a.src.Kind != model.KindTranscript {
		return a.record(ctx, l, ts)
	}

	switch {
	case l.Type.IsCommand():
		if err := a.flush(ctx); err != nil {
			return err
		}
		return a.command(ctx, l, ts)

	case l.Type.Accumulates():
		if a.pending != nil && a.pending.typ == l.Type {
			a.pending.fragment(l.Content)
			return nil
		}
		if err := a.flush(ctx); err != nil {
			return err
		}
		a.open(l, ts)
		return nil

	default:
		if err := a.flush(ctx); err != nil {
			return err
		}
		b := newBuilder(a.session, ts, l.Timezone, l.Type)
		b.fragment(l.Content)
		_, err := a.persist(ctx, b)
		return err
	}
}

func (a *accumulator) unmatched(raw string) error {
	if a.pending != nil {
		// Cobalt Strike prints the marker on its own line after the tag.
		if a.pending.opened && strings.TrimSpace(raw) == "received output:" {
			a.pending.opened = false
			return nil
		}
		a.pending.raw(raw)
		return nil
	}
	if strings.TrimSpace(raw) != "" {
		a.stats.Unmatched++
		a.log.WithField("line", a.stats.Lines).Debug("discarding unattributable line")
	}
	return nil
}

// command persists an input, task or metadata line and makes it the
// current command.
func (a *accumulator) command(ctx context.Context, l parser.Line, ts time.Time) error {
	b := newBuilder(a.session, ts, l.Timezone, l.Type)
	b.operator = l.Operator
	b.technique = l.Technique
	b.fragment(l.Content)

	e, err := a.persist(ctx, b)
	if err != nil || e == nil {
		return err
	}
	a.current = e

	if l.Type == model.TypeMetadata && l.Meta != nil && !a.metaSeen {
		a.metaSeen = true
		return a.r.store.UpdateSession(ctx, a.session, metadataUpdate(l.Meta))
	}
	return nil
}

// open starts an output block. The block is dated by the command that
// produced it, or by its own line when no command has been seen yet.
func (a *accumulator) open(l parser.Line, ts time.Time) {
	b := newBuilder(a.session, ts, l.Timezone, l.Type)
	if a.current != nil {
		b.timestamp = a.current.Timestamp
		b.timezone = a.current.Timezone
	}
	b.fragment(l.Content)
	a.pending = b
}

// flush persists the open block unless it collected nothing.
func (a *accumulator) flush(ctx context.Context) error {
	b := a.pending
	a.pending = nil
	if b == nil || b.empty() {
		return nil
	}
	_, err := a.persist(ctx, b)
	return err
}

// record persists a transfer or event line under the session it names.
func (a *accumulator) record(ctx context.Context, l parser.Line, ts time.Time) error {
	if a.r.filter != nil && a.r.filter.IPExcluded(l.IP) {
		a.stats.Skipped++
		a.log.WithField("ip", l.IP).Debug("skipping line from excluded address")
		return nil
	}

	id, err := a.recordSession(ctx, l, ts)
	if err != nil {
		return err
	}
	b := newBuilder(id, ts, l.Timezone, l.Type)
	b.fragment(l.Content)
	if _, err := a.persist(ctx, b); err != nil {
		return err
	}
	return a.r.store.UpdateSession(ctx, id, model.SessionUpdate{
		IP:       l.IP,
		User:     l.User,
		Hostname: l.Hostname,
		Timezone: l.Timezone,
		Joined:   ts,
		Exited:   ts,
	})
}

// recordSession resolves the session of a transfer or event line: by its
// session id when it carries one, otherwise by address, creating a session
// keyed by address, user and time when the address is new.
func (a *accumulator) recordSession(ctx context.Context, l parser.Line, ts time.Time) (int64, error) {
	if l.SessionID != "" {
		return a.r.store.UpsertSession(ctx, &model.Session{
			BeaconID:  l.SessionID,
			IP:        l.IP,
			DayPrefix: a.info.DayPrefix,
			Tool:      a.src.Tool,
		})
	}
	return a.r.store.SessionForAddress(ctx, &model.Session{
		IP:        l.IP,
		User:      l.User,
		Hostname:  l.Hostname,
		Joined:    ts,
		DayPrefix: a.info.DayPrefix,
		Tool:      a.src.Tool,
	})
}

// persist finalizes b, moves its timestamp past any key already produced
// in this pass and upserts it. A builder that fails validation is logged
// and dropped with a nil entry.
func (a *accumulator) persist(ctx context.Context, b *entryBuilder) (*model.Entry, error) {
	e, err := b.finalize()
	if err != nil {
		a.stats.Skipped++
		a.log.WithError(err).WithField("line", a.stats.Lines).Warn("dropping entry")
		return nil, nil
	}

	for a.seen[e.NaturalKey()] {
		e.Timestamp = e.Timestamp.Add(time.Microsecond)
	}
	a.seen[e.NaturalKey()] = true

	id, err := a.r.store.UpsertEntry(ctx, e)
	if err != nil {
		return nil, err
	}
	e.ID = id
	a.stats.Entries++

	if e.SessionID == a.session {
		if a.first.IsZero() || e.Timestamp.Before(a.first) {
			a.first = e.Timestamp
		}
		if e.Timestamp.After(a.last) {
			a.last = e.Timestamp
		}
		if a.timezone == "" {
			a.timezone = e.Timezone
		}
	}
	return e, nil
}

// close widens the transcript session's window to this file's entries.
func (a *accumulator) close(ctx context.Context) error {
	if a.session == 0 || a.first.IsZero() {
		return nil
	}
	return a.r.store.UpdateSession(ctx, a.session, model.SessionUpdate{
		Timezone: a.timezone,
		Joined:   a.first,
		Exited:   a.last,
	})
}
