package prompt

import (
	"fmt"
	"strings"

	"github.com/c2trail/c2trail/internal/llm"
	"github.com/c2trail/c2trail/internal/model"
)

// DefaultOutputLimit caps how much of each output block FormatTimeline keeps.
const DefaultOutputLimit = 600

// Build constructs a []llm.Message slice ready to be sent to any llm.Provider.
//
// The returned slice always begins with a system message whose content is
// determined by pt, followed by a user message carrying the timeline.
// Returns ErrMissingField if a required field is absent.
func Build(pt PromptType, opts BuildOptions) ([]llm.Message, error) {
	if opts.Timeline == "" {
		return nil, missingField("Timeline")
	}

	var sb strings.Builder
	switch pt {
	case TypeQuestion:
		if opts.Question == "" {
			return nil, missingField("Question")
		}
		sb.WriteString("Question: ")
		sb.WriteString(opts.Question)
		sb.WriteString("\n\n")
	case TypeTTPMapping:
		sb.WriteString("Map the operator activity in the following session to ATT&CK techniques:\n\n")
	default:
		sb.WriteString("Summarize the following session:\n\n")
	}

	appendSessionContext(&sb, opts)

	return []llm.Message{
		{Role: "system", Content: systemPrompt(pt)},
		{Role: "user", Content: sb.String()},
	}, nil
}

func appendSessionContext(sb *strings.Builder, opts BuildOptions) {
	if opts.Session != "" {
		fmt.Fprintf(sb, "Session: %s\n", opts.Session)
	}
	if opts.TimeRange != "" {
		fmt.Fprintf(sb, "Time range: %s\n", opts.TimeRange)
	}
	if opts.Session != "" || opts.TimeRange != "" {
		sb.WriteString("\n")
	}

	sb.WriteString("Timeline:\n")
	sb.WriteString(opts.Timeline)
	if !strings.HasSuffix(opts.Timeline, "\n") {
		sb.WriteString("\n")
	}

	if opts.Truncated > 0 {
		fmt.Fprintf(sb, "\nNote: %d later entries were left out to fit the context window.\n", opts.Truncated)
	}
}

// DescribeSession renders the host, user and process of s on one line.
func DescribeSession(s *model.Session) string {
	var parts []string
	if s.Hostname != "" {
		parts = append(parts, "host "+s.Hostname)
	}
	if s.IP != "" {
		parts = append(parts, "ip "+s.IP)
	}
	if s.User != "" {
		parts = append(parts, "user "+s.User)
	}
	if s.Process != "" {
		p := "process " + s.Process
		if s.PID != "" {
			p += " (" + s.PID + ")"
		}
		parts = append(parts, p)
	}
	if s.OS != "" {
		parts = append(parts, "os "+s.OS)
	}
	return strings.Join(parts, ", ")
}

// TimeRange renders the session window, or "" when it is unknown.
func TimeRange(s *model.Session) string {
	if s.Joined.IsZero() {
		return ""
	}
	const layout = "2006-01-02 15:04:05"
	r := s.Joined.UTC().Format(layout)
	if !s.Exited.IsZero() {
		r += " to " + s.Exited.UTC().Format(layout)
	}
	if s.Timezone != "" {
		r += " " + s.Timezone
	}
	return r
}

// FormatTimeline renders entries one per line for the model. Output blocks
// longer than outputLimit bytes are cut; a limit <= 0 keeps everything.
func FormatTimeline(entries []*model.Entry, outputLimit int) string {
	var sb strings.Builder
	for _, e := range entries {
		content := e.Content
		if e.Type.Accumulates() && outputLimit > 0 && len(content) > outputLimit {
			content = content[:outputLimit] + " [...]"
		}
		fmt.Fprintf(&sb, "%s [%s]", e.Timestamp.UTC().Format("15:04:05"), e.Type)
		if e.Operator != "" {
			fmt.Fprintf(&sb, " <%s>", e.Operator)
		}
		if strings.Contains(content, "\n") {
			sb.WriteString("\n    ")
			sb.WriteString(strings.ReplaceAll(content, "\n", "\n    "))
		} else {
			sb.WriteString(" ")
			sb.WriteString(content)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
