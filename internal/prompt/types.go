package prompt

import (
	"errors"
	"fmt"
)

// PromptType identifies the task a prompt is designed to perform.
// Each type produces a distinct system persona and user message structure.
type PromptType string

const (
	// TypeNarrative produces a chronological account of a session. It is
	// the default mode of `c2trail summarize`.
	TypeNarrative PromptType = "narrative"

	// TypeTTPMapping asks the model to map operator commands to MITRE
	// ATT&CK techniques.
	TypeTTPMapping PromptType = "ttp_mapping"

	// TypeQuestion answers a specific user question about the session.
	TypeQuestion PromptType = "question"
)

// ParseType converts a flag value to a PromptType.
func ParseType(s string) (PromptType, error) {
	switch PromptType(s) {
	case TypeNarrative, TypeTTPMapping, TypeQuestion:
		return PromptType(s), nil
	case "":
		return TypeNarrative, nil
	default:
		return "", fmt.Errorf("unknown prompt type %q", s)
	}
}

// BuildOptions holds the context required to build a prompt.
type BuildOptions struct {
	// Timeline is the rendered, redacted entry list. Required for all types.
	Timeline string

	// Session is a short description of the host and user.
	// Optional: included in the header when non-empty.
	Session string

	// TimeRange is a human-readable description of the session window.
	// Optional: included in the header when non-empty.
	TimeRange string

	// Question is the user's question. Required for [TypeQuestion].
	Question string

	// Truncated is the number of entries left out of Timeline to fit the
	// context window. Optional: noted when non-zero.
	Truncated int
}

// ErrMissingField is returned by [Build] when a required field for the
// requested [PromptType] is absent from [BuildOptions].
var ErrMissingField = errors.New("prompt: missing required field")

func missingField(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}
