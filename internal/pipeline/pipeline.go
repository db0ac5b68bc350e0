// Package pipeline drives an ingestion run: one task per log file, a
// barrier, then one task per session.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/reconstruct"
	"github.com/c2trail/c2trail/internal/redact"
	"github.com/c2trail/c2trail/internal/store"
	"github.com/sirupsen/logrus"
)

// Options tunes a run.
type Options struct {
	Workers  int
	Minimize bool
}

// Result summarizes a run.
type Result struct {
	Files       int `json:"files"`
	FailedFiles int `json:"failed_files"`
	Lines       int `json:"lines"`
	Entries     int `json:"entries"`
	Unmatched   int `json:"unmatched"`
	Skipped     int `json:"skipped"`

	Sessions         int   `json:"sessions"`
	FailedSessions   int   `json:"failed_sessions"`
	Redacted         int   `json:"redacted"`
	RemovedEntries   int   `json:"removed_entries"`
	ExcludedSessions int64 `json:"excluded_sessions"`

	Elapsed time.Duration `json:"elapsed_ns"`
}

// Pipeline runs file and session tasks on a bounded worker pool.
type Pipeline struct {
	store  store.Store
	rec    *reconstruct.Reconstructor
	filter *redact.Filter
	opts   Options
	logger logrus.FieldLogger

	mu     sync.Mutex
	result Result
}

// New returns a Pipeline. filter may be nil.
func New(st store.Store, rec *reconstruct.Reconstructor, filter *redact.Filter, opts Options, logger logrus.FieldLogger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Pipeline{
		store:  st,
		rec:    rec,
		filter: filter,
		opts:   opts,
		logger: logger,
	}
}

// Run ingests files and post-processes every session. Task failures are
// logged and counted; only failing to list sessions aborts the run.
func (p *Pipeline) Run(ctx context.Context, files []config.LogFile) (Result, error) {
	start := time.Now()
	p.result = Result{Files: len(files)}

	// Transcripts complete before transfer and event records are read so
	// those records attach to the sessions the transcripts created.
	ordered := orderFiles(files)
	split := 0
	for split < len(ordered) && ordered[split].Source.Kind <= model.KindTranscript {
		split++
	}
	p.ingest(ctx, ordered[:split])
	p.ingest(ctx, ordered[split:])

	sessions, err := p.store.Sessions(ctx, store.SessionFilter{})
	if err != nil {
		return p.finish(start), err
	}
	p.result.Sessions = len(sessions)
	p.process(ctx, sessions)

	if p.opts.Minimize && p.filter != nil {
		if err := p.removeExcluded(ctx); err != nil {
			return p.finish(start), err
		}
	}
	return p.finish(start), nil
}

func (p *Pipeline) finish(start time.Time) Result {
	p.result.Elapsed = time.Since(start)
	return p.result
}

// ingest runs one file task per file and returns once all are done.
func (p *Pipeline) ingest(ctx context.Context, files []config.LogFile) {
	if len(files) == 0 {
		return
	}
	pool := pond.NewPool(p.opts.Workers)
	for _, lf := range files {
		pool.Submit(func() {
			stats, err := p.rec.FileTask(ctx, lf)

			p.mu.Lock()
			defer p.mu.Unlock()
			p.result.Lines += stats.Lines
			p.result.Entries += stats.Entries
			p.result.Unmatched += stats.Unmatched
			p.result.Skipped += stats.Skipped
			if err != nil {
				p.result.FailedFiles++
				p.logger.WithError(err).WithField("file", lf.Path).Error("file task failed")
			}
		})
	}
	pool.StopAndWait()
}

// process is the second wave, one task per session.
func (p *Pipeline) process(ctx context.Context, sessions []*model.Session) {
	pool := pond.NewPool(p.opts.Workers)
	for _, s := range sessions {
		id := s.ID
		pool.Submit(func() {
			stats, err := p.rec.SessionTask(ctx, id)

			p.mu.Lock()
			defer p.mu.Unlock()
			p.result.Redacted += stats.Redacted
			p.result.RemovedEntries += stats.Removed
			if err != nil {
				p.result.FailedSessions++
				p.logger.WithError(err).WithField("session", id).Error("session task failed")
			}
		})
	}
	pool.StopAndWait()
}

// removeExcluded deletes sessions on excluded infrastructure together
// with their entries.
func (p *Pipeline) removeExcluded(ctx context.Context) error {
	sessions, err := p.store.Sessions(ctx, store.SessionFilter{})
	if err != nil {
		return err
	}
	var ids []int64
	for _, s := range sessions {
		if p.filter.SessionExcluded(s) {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	n, err := p.store.DeleteSessions(ctx, ids)
	if err != nil {
		return err
	}
	p.result.ExcludedSessions = n
	p.logger.WithField("sessions", n).Info("removed excluded sessions")
	return nil
}

// orderFiles puts transcripts first so transfer and event records find
// the sessions their addresses belong to.
func orderFiles(files []config.LogFile) []config.LogFile {
	out := make([]config.LogFile, len(files))
	copy(out, files)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Source.Kind < out[j].Source.Kind
	})
	return out
}
