package prompt_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/prompt"
)

const testTimeline = `10:00:05 [input] <neo> shell whoami
10:00:06 [task] Tasked beacon to run: whoami
10:00:09 [output] CORP\bob
`

var allTypes = []prompt.PromptType{
	prompt.TypeNarrative,
	prompt.TypeTTPMapping,
	prompt.TypeQuestion,
}

func TestBuild_RequiresTimeline(t *testing.T) {
	for _, pt := range allTypes {
		t.Run(string(pt), func(t *testing.T) {
			_, err := prompt.Build(pt, prompt.BuildOptions{Question: "does not matter"})
			if !errors.Is(err, prompt.ErrMissingField) {
				t.Errorf("expected ErrMissingField, got %v", err)
			}
		})
	}
}

func TestBuild_Question_RequiresQuestion(t *testing.T) {
	_, err := prompt.Build(prompt.TypeQuestion, prompt.BuildOptions{Timeline: testTimeline})
	if !errors.Is(err, prompt.ErrMissingField) {
		t.Errorf("expected ErrMissingField for missing Question, got %v", err)
	}
}

func TestBuild_MessageStructure(t *testing.T) {
	seen := make(map[string]prompt.PromptType)
	for _, pt := range allTypes {
		t.Run(string(pt), func(t *testing.T) {
			msgs, err := prompt.Build(pt, prompt.BuildOptions{Timeline: testTimeline, Question: "who ran whoami?"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(msgs) != 2 {
				t.Fatalf("message count: got %d, want 2", len(msgs))
			}
			if msgs[0].Role != "system" || msgs[1].Role != "user" {
				t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
			}
			if !strings.Contains(msgs[1].Content, "CORP\\bob") {
				t.Errorf("user message does not carry the timeline:\n%s", msgs[1].Content)
			}
			if prior, ok := seen[msgs[0].Content]; ok {
				t.Errorf("prompt type %q has identical system prompt to %q", pt, prior)
			}
			seen[msgs[0].Content] = pt
		})
	}
}

func TestBuild_Context(t *testing.T) {
	msgs, err := prompt.Build(prompt.TypeNarrative, prompt.BuildOptions{
		Timeline:  testTimeline,
		Session:   "host WS01, user CORP\\bob",
		TimeRange: "2023-06-01 10:00:00 to 2023-06-01 10:05:00 UTC",
		Truncated: 12,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user := msgs[1].Content
	for _, want := range []string{
		"Summarize the following session",
		"Session: host WS01",
		"Time range: 2023-06-01 10:00:00",
		"12 later entries were left out",
	} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q:\n%s", want, user)
		}
	}
}

func TestParseType(t *testing.T) {
	if pt, err := prompt.ParseType(""); err != nil || pt != prompt.TypeNarrative {
		t.Errorf("ParseType(\"\") = %q, %v", pt, err)
	}
	if pt, err := prompt.ParseType("ttp_mapping"); err != nil || pt != prompt.TypeTTPMapping {
		t.Errorf("ParseType(ttp_mapping) = %q, %v", pt, err)
	}
	if _, err := prompt.ParseType("summarize"); err == nil {
		t.Error("ParseType(summarize) should fail")
	}
}

func TestDescribeSession(t *testing.T) {
	s := &model.Session{
		Hostname: "WS01",
		IP:       "10.0.0.5",
		User:     "CORP\\bob",
		Process:  "rundll32.exe",
		PID:      "4242",
		Joined:   time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC),
		Exited:   time.Date(2023, 6, 1, 10, 5, 0, 0, time.UTC),
		Timezone: "UTC",
	}
	want := "host WS01, ip 10.0.0.5, user CORP\\bob, process rundll32.exe (4242)"
	if got := prompt.DescribeSession(s); got != want {
		t.Errorf("DescribeSession() = %q, want %q", got, want)
	}
	if got := prompt.TimeRange(s); got != "2023-06-01 10:00:00 to 2023-06-01 10:05:00 UTC" {
		t.Errorf("TimeRange() = %q", got)
	}
	if got := prompt.TimeRange(&model.Session{}); got != "" {
		t.Errorf("TimeRange() of empty session = %q", got)
	}
}

func TestFormatTimeline(t *testing.T) {
	ts := time.Date(2023, 6, 1, 10, 0, 5, 0, time.UTC)
	entries := []*model.Entry{
		{Timestamp: ts, Type: model.TypeInput, Operator: "neo", Content: "shell dir"},
		{Timestamp: ts.Add(3 * time.Second), Type: model.TypeOutput, Content: "a\nb"},
		{Timestamp: ts.Add(4 * time.Second), Type: model.TypeOutput, Content: strings.Repeat("x", 20)},
	}

	got := prompt.FormatTimeline(entries, 10)
	want := "10:00:05 [input] <neo> shell dir\n" +
		"10:00:08 [output]\n    a\n    b\n" +
		"10:00:09 [output] xxxxxxxxxx [...]\n"
	if got != want {
		t.Errorf("FormatTimeline() =\n%s\nwant\n%s", got, want)
	}

	if full := prompt.FormatTimeline(entries[2:], 0); strings.Contains(full, "[...]") {
		t.Errorf("limit 0 should keep everything, got %q", full)
	}
}
