package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2trail/c2trail/internal/model"
)

func TestDiscoverLogs(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"230601/10.0.0.5/beacon_4242.log",
		"230601/10.0.0.5/beacon_4242.txt",
		"230601/downloads.log",
		"230601/events.log",
		"230601/aggressor_script.log",
		"230601/weblog_80.log",
		"badger/b-7.log",
	}
	for _, f := range files {
		path := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(path, []byte("x\n"), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	got, err := DiscoverLogs(root, ".log", "")
	if err != nil {
		t.Fatalf("DiscoverLogs() error = %v", err)
	}

	want := map[string]model.Source{
		"230601/10.0.0.5/beacon_4242.log": {Kind: model.KindTranscript, Tool: model.ToolCobaltStrike},
		"230601/downloads.log":            {Kind: model.KindTransfer, Tool: model.ToolCobaltStrike},
		"230601/events.log":               {Kind: model.KindEvent, Tool: model.ToolCobaltStrike},
		"badger/b-7.log":                  {Kind: model.KindTranscript, Tool: model.ToolBruteRatel},
	}
	if len(got) != len(want) {
		t.Fatalf("DiscoverLogs() returned %d files, want %d: %+v", len(got), len(want), got)
	}
	for _, lf := range got {
		rel, _ := filepath.Rel(root, lf.Path)
		src, ok := want[filepath.ToSlash(rel)]
		if !ok {
			t.Errorf("unexpected file %s", rel)
			continue
		}
		if src != lf.Source {
			t.Errorf("%s: source = %v, want %v", rel, lf.Source, src)
		}
	}

	filtered, err := DiscoverLogs(root, ".log", "beacon")
	if err != nil {
		t.Fatalf("DiscoverLogs() error = %v", err)
	}
	if len(filtered) != 1 {
		t.Errorf("prefix filter returned %d files, want 1", len(filtered))
	}
}

func TestDiscoverLogsNotDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.log")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := DiscoverLogs(path, ".log", ""); err == nil {
		t.Fatal("expected error for non-directory root")
	}
	if _, err := DiscoverLogs(filepath.Join(path, "missing"), ".log", ""); err == nil {
		t.Fatal("expected error for missing root")
	}
}
