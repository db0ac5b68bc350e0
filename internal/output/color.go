package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/c2trail/c2trail/internal/model"
	"golang.org/x/term"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// ColorMode determines when to use colored output.
type ColorMode int

const (
	ColorAuto   ColorMode = iota // Auto-detect based on TTY
	ColorAlways                  // Always use colors
	ColorNever                   // Never use colors
)

// ParseColorMode converts a flag value to a ColorMode, defaulting to auto.
func ParseColorMode(s string) ColorMode {
	switch strings.ToLower(s) {
	case "always":
		return ColorAlways
	case "never":
		return ColorNever
	default:
		return ColorAuto
	}
}

// IsTerminal checks if the given file is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// shouldColorize determines if output should be colorized based on mode and TTY detection.
func shouldColorize(mode ColorMode, w interface{}) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	case ColorAuto:
		if f, ok := w.(*os.File); ok {
			return IsTerminal(f)
		}
		return false
	}
	return false
}

// typeColor maps an entry type to its ANSI prefix. Operator commands stand
// out, failures are red, artifacts are cyan and bookkeeping is dimmed.
func typeColor(t model.EntryType) string {
	switch t {
	case model.TypeInput, model.TypeTask:
		return colorBold
	case model.TypeError, model.TypeAccessDenied:
		return colorRed
	case model.TypeWarning:
		return colorYellow
	case model.TypeIndicator, model.TypeDownload, model.TypeUpload:
		return colorCyan
	case model.TypeCheckin, model.TypeJobRegistered, model.TypeJobCompleted, model.TypeMetadata:
		return colorGray
	default:
		return ""
	}
}

// ColorizeLine applies the color of t to an entire line.
func ColorizeLine(t model.EntryType, line string) string {
	c := typeColor(t)
	if c == "" {
		return line
	}
	return c + line + colorReset
}

// FormatEntry renders one timeline entry on a single header line followed
// by its content, with optional coloring.
func FormatEntry(e *model.Entry, colorize bool) string {
	header := fmt.Sprintf("%s %s [%s]", e.Timestamp.UTC().Format("2006-01-02 15:04:05"), e.Timezone, e.Type)
	if e.Operator != "" {
		header += " <" + e.Operator + ">"
	}
	line := header + " " + e.Content
	if colorize {
		return ColorizeLine(e.Type, line)
	}
	return line
}
