// Package report renders the stored timeline as CSV reports.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/redact"
	"github.com/c2trail/c2trail/internal/store"
	"github.com/sirupsen/logrus"
)

// Report file names.
const (
	ActivityFile  = "activity-report.csv"
	TransferFile  = "dl-ul-report.csv"
	RosterFile    = "beacon-report.csv"
	IndicatorFile = "ioc-report.csv"
	TTPFile       = "tiber-report.csv"
)

const rosterLayout = "2006-01-02 15:04:05"

// uploadMarkers identify upload tasks in Cobalt Strike transcripts.
var uploadMarkers = []string{
	"Uploading beaconloader:",
	"Uploading payload file:",
	"Tasked beacon to upload",
}

// Writer renders reports from a store.
type Writer struct {
	store  store.Store
	cfg    config.ReportConfig
	logger logrus.FieldLogger
}

// New returns a Writer using the delimiter and formats in cfg.
func New(st store.Store, cfg config.ReportConfig, logger logrus.FieldLogger) *Writer {
	if cfg.Delimiter == "" {
		cfg.Delimiter = ","
	}
	if cfg.DateFormat == "" {
		cfg.DateFormat = "02/01/2006"
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "15:04:05"
	}
	return &Writer{store: st, cfg: cfg, logger: logger}
}

type job struct {
	name  string
	write func(context.Context, io.Writer) error
}

// WriteAll writes every report into dir and returns the paths written.
// A report that fails is logged and the others are still written.
func (w *Writer) WriteAll(ctx context.Context, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}

	reports := []job{
		{ActivityFile, w.Activity},
		{TransferFile, w.Transfers},
		{RosterFile, w.Roster},
		{IndicatorFile, w.Indicators},
	}
	if w.cfg.TTPFile != "" {
		techniques, err := LoadTechniques(w.cfg.TTPFile, w.logger)
		if err != nil {
			w.logger.WithError(err).Warn("technique file unusable, skipping TTP report")
		} else {
			reports = append(reports, job{TTPFile, func(ctx context.Context, out io.Writer) error {
				return w.TTP(ctx, out, techniques)
			}})
		}
	}

	var written []string
	for _, r := range reports {
		path := filepath.Join(dir, r.name)
		if err := writeFile(ctx, path, r.write); err != nil {
			w.logger.WithError(err).WithField("report", r.name).Error("report failed")
			continue
		}
		w.logger.WithField("report", path).Info("report written")
		written = append(written, path)
	}
	return written, nil
}

func writeFile(ctx context.Context, path string, write func(context.Context, io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(ctx, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) newCSV(out io.Writer) *csv.Writer {
	cw := csv.NewWriter(out)
	cw.Comma, _ = utf8.DecodeRuneInString(w.cfg.Delimiter)
	return cw
}

func (w *Writer) safe(s string) string {
	return redact.CSVSafe(s, w.cfg.Delimiter)
}

// sessionIndex maps session ids to sessions for row lookups.
func (w *Writer) sessionIndex(ctx context.Context) (map[int64]*model.Session, error) {
	sessions, err := w.store.Sessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, err
	}
	index := make(map[int64]*model.Session, len(sessions))
	for _, s := range sessions {
		index[s.ID] = s
	}
	return index, nil
}

// entryRows writes Date, Time, Hostname, <content>, User, IP rows.
func (w *Writer) entryRows(ctx context.Context, out io.Writer, header string, entries []*model.Entry) error {
	sessions, err := w.sessionIndex(ctx)
	if err != nil {
		return err
	}

	cw := w.newCSV(out)
	if err := cw.Write([]string{"Date", "Time", "Hostname", header, "User", "IP"}); err != nil {
		return err
	}
	for _, e := range entries {
		var hostname, user, ip string
		if s := sessions[e.SessionID]; s != nil {
			hostname, user, ip = s.Hostname, s.User, s.IP
		}
		if err := cw.Write([]string{
			e.Timestamp.Format(w.cfg.DateFormat),
			e.Timestamp.Format(w.cfg.TimeFormat),
			hostname,
			w.safe(e.Content),
			user,
			ip,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Activity writes operator commands: every input and task entry in
// timestamp order.
func (w *Writer) Activity(ctx context.Context, out io.Writer) error {
	entries, err := w.store.Entries(ctx, store.EntryFilter{
		Types: []model.EntryType{model.TypeInput, model.TypeTask},
	})
	if err != nil {
		return err
	}
	return w.entryRows(ctx, out, "Command", entries)
}

// Transfers writes downloads and uploads, including upload tasks that
// only appear in transcripts.
func (w *Writer) Transfers(ctx context.Context, out io.Writer) error {
	entries, err := w.store.Entries(ctx, store.EntryFilter{
		Types: []model.EntryType{model.TypeDownload, model.TypeUpload},
	})
	if err != nil {
		return err
	}
	for _, marker := range uploadMarkers {
		more, err := w.store.Entries(ctx, store.EntryFilter{Contains: marker})
		if err != nil {
			return err
		}
		entries = append(entries, more...)
	}
	return w.entryRows(ctx, out, "File", dedupe(entries))
}

// Indicators writes the file indicators the C2 recorded.
func (w *Writer) Indicators(ctx context.Context, out io.Writer) error {
	entries, err := w.store.Entries(ctx, store.EntryFilter{
		Types: []model.EntryType{model.TypeIndicator},
	})
	if err != nil {
		return err
	}
	return w.entryRows(ctx, out, "File", entries)
}

// Roster writes one row per complete session in joined order.
func (w *Writer) Roster(ctx context.Context, out io.Writer) error {
	sessions, err := w.store.Sessions(ctx, store.SessionFilter{Complete: true})
	if err != nil {
		return err
	}

	cw := w.newCSV(out)
	if err := cw.Write([]string{"Hostname", "IP", "External IP", "User", "Process", "PID", "Joined", "Exited"}); err != nil {
		return err
	}
	for _, s := range sessions {
		if err := cw.Write([]string{
			s.Hostname,
			s.IP,
			s.ExternalIP,
			s.User,
			s.Process,
			s.PID,
			formatRoster(s.Joined),
			formatRoster(s.Exited),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatRoster(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(rosterLayout)
}

// dedupe drops repeated rows and restores timestamp order.
func dedupe(entries []*model.Entry) []*model.Entry {
	seen := make(map[int64]bool, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
