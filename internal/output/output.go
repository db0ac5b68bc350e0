// Package output renders timelines, store counts and run summaries for the
// terminal. It supports text, JSON, and table formats.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/pipeline"
	"github.com/c2trail/c2trail/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// Format represents an output format type.
type Format string

const (
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatTable Format = "table"
)

// ParseFormat converts a string to a Format, defaulting to text.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "table":
		return FormatTable
	default:
		return FormatText
	}
}

// Writer handles writing formatted output.
type Writer struct {
	w      io.Writer
	format Format
}

// New creates a new output Writer.
func New(w io.Writer, format Format) *Writer {
	return &Writer{w: w, format: format}
}

// WriteJSON outputs any value as indented JSON.
func (wr *Writer) WriteJSON(v interface{}) error {
	enc := json.NewEncoder(wr.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (wr *Writer) newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(wr.w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	return table
}

// WriteEntries outputs a session timeline in the configured format.
func (wr *Writer) WriteEntries(entries []*model.Entry, mode ColorMode) error {
	switch wr.format {
	case FormatJSON:
		return wr.WriteJSON(entries)
	case FormatTable:
		return wr.writeEntryTable(entries)
	default:
		colorize := shouldColorize(mode, wr.w)
		for _, e := range entries {
			if _, err := fmt.Fprintln(wr.w, FormatEntry(e, colorize)); err != nil {
				return err
			}
		}
		return nil
	}
}

func (wr *Writer) writeEntryTable(entries []*model.Entry) error {
	table := wr.newTable("TIMESTAMP", "TYPE", "OPERATOR", "CONTENT")
	for _, e := range entries {
		content := strings.ReplaceAll(e.Content, "\n", " ")
		if len(content) > 80 {
			content = content[:77] + "..."
		}
		table.Append([]string{
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			e.Type.String(),
			e.Operator,
			content,
		})
	}
	table.Render()
	return nil
}

// WriteCounts outputs per-type entry counts held by the store.
func (wr *Writer) WriteCounts(c store.Counts) error {
	if wr.format == FormatJSON {
		byType := make(map[string]int64, len(c.ByType))
		for t, n := range c.ByType {
			byType[t.String()] = n
		}
		return wr.WriteJSON(struct {
			Sessions int64            `json:"sessions"`
			Entries  int64            `json:"entries"`
			ByType   map[string]int64 `json:"by_type"`
		}{c.Sessions, c.Entries, byType})
	}

	table := wr.newTable("TYPE", "ENTRIES")
	for _, t := range model.AllTypes() {
		if n := c.ByType[t]; n > 0 {
			table.Append([]string{t.String(), humanize.Comma(n)})
		}
	}
	table.SetFooter([]string{"total", humanize.Comma(c.Entries)})
	table.Render()
	_, err := fmt.Fprintf(wr.w, "%s sessions\n", humanize.Comma(c.Sessions))
	return err
}

// WriteResult outputs the counters of one ingest run.
func (wr *Writer) WriteResult(res pipeline.Result) error {
	if wr.format == FormatJSON {
		return wr.WriteJSON(res)
	}

	rows := []struct {
		name  string
		value int64
	}{
		{"files", int64(res.Files)},
		{"failed files", int64(res.FailedFiles)},
		{"lines", int64(res.Lines)},
		{"entries", int64(res.Entries)},
		{"unmatched lines", int64(res.Unmatched)},
		{"skipped lines", int64(res.Skipped)},
		{"sessions", int64(res.Sessions)},
		{"failed sessions", int64(res.FailedSessions)},
		{"redacted", int64(res.Redacted)},
		{"removed entries", int64(res.RemovedEntries)},
		{"excluded sessions", res.ExcludedSessions},
	}
	table := wr.newTable("", "COUNT")
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	for _, r := range rows {
		table.Append([]string{r.name, humanize.Comma(r.value)})
	}
	table.Render()
	_, err := fmt.Fprintf(wr.w, "Finished in %s\n", res.Elapsed.Round(time.Millisecond))
	return err
}
