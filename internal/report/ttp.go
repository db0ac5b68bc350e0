package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/store"
	"github.com/sirupsen/logrus"
)

// Technique maps a command keyword to the technique it exercises.
type Technique struct {
	Keyword string
	Phase   string
	Tactic  string
	ID      string
	Name    string
	Goal    string
}

var ttpHeader = []string{
	"Phase", "Tactic", "Technique ID", "Technique Name", "Executed on",
	"Operational Guidance", "Goal", "Result", "Threat Actor",
	"Related Finding(s)", "Date", "Time",
}

// LoadTechniques reads a semicolon separated technique file with the
// columns keyword;phase;tactic;id;name;goal. Lines starting with '#' are
// comments. Malformed lines are logged and skipped.
func LoadTechniques(path string, logger logrus.FieldLogger) ([]Technique, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseTechniques(f, path, logger)
}

func parseTechniques(r io.Reader, name string, logger logrus.FieldLogger) ([]Technique, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var techniques []Technique
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return techniques, fmt.Errorf("reading %s: %w", name, err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) != 6 || strings.TrimSpace(rec[0]) == "" {
			logger.WithFields(logrus.Fields{
				"file": name,
				"line": line,
			}).Warn("skipping malformed technique line")
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		techniques = append(techniques, Technique{
			Keyword: strings.ToLower(rec[0]),
			Phase:   rec[1],
			Tactic:  rec[2],
			ID:      rec[3],
			Name:    rec[4],
			Goal:    rec[5],
		})
	}
	return techniques, nil
}

// match returns the first technique whose keyword occurs in content.
func match(techniques []Technique, content string) (Technique, bool) {
	lower := strings.ToLower(content)
	for _, t := range techniques {
		if strings.Contains(lower, t.Keyword) {
			return t, true
		}
	}
	return Technique{}, false
}

// TTP writes one row per operator command, annotated with the technique
// its keyword maps to.
func (w *Writer) TTP(ctx context.Context, out io.Writer, techniques []Technique) error {
	entries, err := w.store.Entries(ctx, store.EntryFilter{Types: []model.EntryType{model.TypeInput}})
	if err != nil {
		return err
	}
	tasks, err := w.store.Entries(ctx, store.EntryFilter{
		Types:    []model.EntryType{model.TypeTask},
		Contains: "Tasked beacon to",
	})
	if err != nil {
		return err
	}
	entries = dedupe(append(entries, tasks...))

	sessions, err := w.sessionIndex(ctx)
	if err != nil {
		return err
	}

	cw := w.newCSV(out)
	if err := cw.Write(ttpHeader); err != nil {
		return err
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Content) == "" || strings.Contains(e.Content, "note ") {
			continue
		}
		var host string
		if s := sessions[e.SessionID]; s != nil {
			host = s.Hostname
		}
		t, ok := match(techniques, e.Content)
		if !ok {
			t = Technique{ID: e.Technique}
		}
		if err := cw.Write([]string{
			t.Phase,
			t.Tactic,
			t.ID,
			t.Name,
			host,
			w.safe(e.Content),
			t.Goal,
			"", "", "",
			e.Timestamp.Format(w.cfg.DateFormat),
			e.Timestamp.Format(w.cfg.TimeFormat),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
