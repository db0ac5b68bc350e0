// Package reconstruct rebuilds session timelines from classified log
// lines and persists them through the store.
//
// Each log file is read by its own accumulator, sequentially and in file
// order. Files are independent of each other; the store's natural-key
// upserts are what make overlapping files converge on the same rows.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/parser"
	"github.com/c2trail/c2trail/internal/redact"
	"github.com/c2trail/c2trail/internal/store"
	"github.com/sirupsen/logrus"
)

// FileAccessError reports a log file that could not be read. Only the
// task for that file fails.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

// Options tunes a Reconstructor.
type Options struct {
	// Minimize deletes noise entries during the session pass.
	Minimize bool
}

// Reconstructor runs the per-file and per-session tasks.
type Reconstructor struct {
	store      store.Store
	classifier *parser.Classifier
	redactor   *redact.Redactor
	filter     *redact.Filter
	opts       Options
	logger     logrus.FieldLogger
}

// New returns a Reconstructor. redactor and filter may be nil.
func New(st store.Store, c *parser.Classifier, redactor *redact.Redactor, filter *redact.Filter, opts Options, logger logrus.FieldLogger) *Reconstructor {
	return &Reconstructor{
		store:      st,
		classifier: c,
		redactor:   redactor,
		filter:     filter,
		opts:       opts,
		logger:     logger,
	}
}

// FileStats counts what a file task did.
type FileStats struct {
	Lines     int
	Entries   int
	Unmatched int
	Skipped   int
}

// FileTask ingests one log file.
func (r *Reconstructor) FileTask(ctx context.Context, lf config.LogFile) (FileStats, error) {
	log := r.logger.WithFields(logrus.Fields{
		"file":   lf.Path,
		"source": lf.Source.String(),
	})

	f, err := os.Open(lf.Path)
	if err != nil {
		return FileStats{}, &FileAccessError{Path: lf.Path, Err: err}
	}
	defer f.Close()

	a := newAccumulator(r, lf, log)
	if lf.Source.Kind == model.KindTranscript {
		if a.info.SessionID == "" {
			log.Warn("transcript name carries no session id, skipping")
			return a.stats, nil
		}
		// Beacon timestamps carry no year; it comes from the YYMMDD folder.
		if lf.Source.Tool == model.ToolCobaltStrike && a.info.DayPrefix == "" {
			log.Warn("transcript is not inside a YYMMDD folder, skipping")
			return a.stats, nil
		}
		id, err := r.store.UpsertSession(ctx, &model.Session{
			BeaconID:  a.info.SessionID,
			IP:        a.info.IP,
			DayPrefix: a.info.DayPrefix,
			Tool:      lf.Source.Tool,
		})
		if err != nil {
			return a.stats, err
		}
		a.session = id
	}

	if err := a.run(ctx, f); err != nil {
		return a.stats, err
	}
	log.WithFields(logrus.Fields{
		"lines":   a.stats.Lines,
		"entries": a.stats.Entries,
	}).Debug("file ingested")
	return a.stats, nil
}

// SessionStats counts what a session task did.
type SessionStats struct {
	Redacted int
	Removed  int
}

// SessionTask back-fills one session from its stored entries, rewrites
// entry content through the redactor and, when minimizing, deletes noise
// entries. It must only run once every file task has finished.
func (r *Reconstructor) SessionTask(ctx context.Context, id int64) (SessionStats, error) {
	var stats SessionStats

	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return stats, err
	}
	if err := r.backfill(ctx, sess); err != nil {
		return stats, err
	}

	entries, err := r.store.Entries(ctx, store.EntryFilter{SessionID: id})
	if err != nil {
		return stats, err
	}

	var noise []int64
	for _, e := range entries {
		if r.opts.Minimize && r.filter != nil && r.filter.IsNoise(e) {
			noise = append(noise, e.ID)
			continue
		}
		if r.redactor == nil {
			continue
		}
		if content, changed := r.redactor.RedactEntry(e); changed {
			if err := r.store.UpdateEntryContent(ctx, e.ID, content); err != nil {
				return stats, err
			}
			stats.Redacted++
		}
	}

	if len(noise) > 0 {
		n, err := r.store.DeleteEntries(ctx, noise)
		if err != nil {
			return stats, err
		}
		stats.Removed = int(n)
	}
	return stats, nil
}

// backfill fills descriptive fields from the first metadata entry and
// widens the session window to its first and last entries.
func (r *Reconstructor) backfill(ctx context.Context, sess *model.Session) error {
	var u model.SessionUpdate

	if sess.Hostname == "" || sess.User == "" || sess.Process == "" {
		e, err := r.store.FirstMetadataEntry(ctx, sess.ID)
		switch {
		case err == nil:
			if m := r.classifier.ParseMetadata(e.Content, sess.Tool); m != nil {
				u = metadataUpdate(m)
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	first, err := r.store.FirstEntry(ctx, sess.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if first != nil {
		last, err := r.store.LastEntry(ctx, sess.ID)
		if err != nil {
			return err
		}
		u.Timezone = first.Timezone
		u.Joined = first.Timestamp
		u.Exited = last.Timestamp
	}

	if u.IsZero() {
		return nil
	}
	return r.store.UpdateSession(ctx, sess.ID, u)
}

func metadataUpdate(m *parser.Metadata) model.SessionUpdate {
	return model.SessionUpdate{
		IP:         m.IP,
		ExternalIP: m.ExternalIP,
		Hostname:   m.Computer,
		User:       m.User,
		Process:    m.Process,
		PID:        m.PID,
		OS:         m.OS,
		Version:    m.Version,
		Build:      m.Build,
		Arch:       m.Arch,
	}
}
