package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/c2trail/c2trail/internal/model"
	"github.com/c2trail/c2trail/internal/parser"
	"github.com/c2trail/c2trail/internal/patterns"
	"github.com/c2trail/c2trail/internal/reconstruct"
	"github.com/c2trail/c2trail/internal/redact"
	"github.com/c2trail/c2trail/internal/store"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, root, rel string, lines ...string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func newPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *store.SQLStore) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "c2.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger, _ := test.NewNullLogger()
	reg, err := patterns.Load(nil)
	require.NoError(t, err)
	c, err := parser.New(reg, logger)
	require.NoError(t, err)
	filter, err := redact.NewFilter(cfg, nil)
	require.NoError(t, err)

	opts := reconstruct.Options{Minimize: cfg.Minimize}
	rec := reconstruct.New(st, c, redact.NewRedactor(cfg.Redaction, logger), filter, opts, logger)
	return New(st, rec, filter, Options{Workers: cfg.Workers, Minimize: cfg.Minimize}, logger), st
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	writeLog(t, root, "230601/10.0.0.5/beacon_4242.log",
		"06/01 09:59:58 UTC [metadata] unknown <- 10.0.0.5; computer: WS01; user: bob; process: a.exe; pid: 10; os: Windows; version: 10.0; build: 19045; beacon arch: x64",
		"06/01 10:00:00 UTC [input] <alice> run.exe password=Secret123 -x",
		"06/01 10:00:01 UTC [output] done",
		"06/01 10:00:02 UTC [input] <alice> sleep 5",
	)
	writeLog(t, root, "230601/10.0.0.6/beacon_17.log",
		"06/01 11:00:00 UTC [metadata] unknown <- 10.0.0.6; computer: JUMPBOX; user: op; process: b.exe; pid: 11; os: Windows; version: 10.0; build: 19045; beacon arch: x64",
		"06/01 11:00:01 UTC [input] <alice> ipconfig",
	)
	writeLog(t, root, "230601/downloads.log",
		"06/01 10:05:00 UTC\t10.0.0.5\t4242\t1024\t/opt/cs/downloads/9f2a\tpasswords.txt\tC:\\Users\\bob\\",
	)
	writeLog(t, root, "230601/aggressor.log", "ignored")

	files, err := config.DiscoverLogs(root, ".log", "")
	require.NoError(t, err)
	require.Len(t, files, 3)
	files = append(files, config.LogFile{
		Path:   filepath.Join(root, "gone", "beacon_9.log"),
		Source: model.Source{Kind: model.KindTranscript},
	})

	cfg := &config.Config{
		Workers:  4,
		Minimize: true,
		Redaction: config.RedactionConfig{
			Enabled: true,
			Rules:   []config.RedactionRule{{Name: "password", Pattern: `password=(\S+)`, Replacement: "password=[REDACTED]"}},
			Flags:   config.RedactionFlags{CaseInsensitive: true, Replacement: `\1[REDACTED]`},
		},
		Exclusions: config.ExclusionConfig{Hostnames: []string{"jumpbox"}},
	}
	p, st := newPipeline(t, cfg)

	res, err := p.Run(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Files)
	assert.Equal(t, 1, res.FailedFiles)
	assert.Equal(t, 2, res.Sessions)
	assert.Equal(t, 1, res.Redacted)
	assert.Equal(t, 1, res.RemovedEntries)
	assert.EqualValues(t, 1, res.ExcludedSessions)
	assert.Positive(t, res.Elapsed)

	ctx := context.Background()
	sessions, err := st.Sessions(ctx, store.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "4242", sessions[0].BeaconID)
	assert.Equal(t, "WS01", sessions[0].Hostname)

	inputs, err := st.Entries(ctx, store.EntryFilter{Types: []model.EntryType{model.TypeInput}})
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, "run.exe password=[REDACTED] -x", inputs[0].Content)

	downloads, err := st.Entries(ctx, store.EntryFilter{Types: []model.EntryType{model.TypeDownload}})
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, sessions[0].ID, downloads[0].SessionID)
}

func TestOrderFiles(t *testing.T) {
	files := []config.LogFile{
		{Path: "a/events.log", Source: model.Source{Kind: model.KindEvent}},
		{Path: "a/downloads.log", Source: model.Source{Kind: model.KindTransfer}},
		{Path: "a/beacon_2.log", Source: model.Source{Kind: model.KindTranscript}},
		{Path: "a/beacon_1.log", Source: model.Source{Kind: model.KindTranscript}},
	}
	got := orderFiles(files)
	assert.Equal(t, "a/beacon_2.log", got[0].Path)
	assert.Equal(t, "a/beacon_1.log", got[1].Path)
	assert.Equal(t, "a/downloads.log", got[2].Path)
	assert.Equal(t, "a/events.log", got[3].Path)
	assert.Equal(t, "a/events.log", files[0].Path, "input is not reordered")
}
