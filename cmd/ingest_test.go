package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c2trail/c2trail/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var beaconLines = []string{
	"06/01 09:59:58 UTC [metadata] 203.0.113.9 <- 10.0.0.5; computer: WS01; user: bob; process: rundll32.exe; pid: 4242; os: Windows; version: 10.0; build: 19045; beacon arch: x64",
	"06/01 10:00:05 UTC [input] <neo> shell whoami",
	"06/01 10:00:06 UTC [task] <T1033> Tasked beacon to run: whoami",
	"06/01 10:00:09 UTC [output]",
	"received output:",
	"CORP\\bob",
	"06/01 10:01:00 UTC [input] <neo> make_token CORP\\admin Winter2023!",
	"06/01 10:02:00 UTC [input] <neo> sleep 60",
}

func writeTempFile(t *testing.T, dir string, name string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// resetViper gives each test a clean global configuration pointing at a
// fresh database.
func resetViper(t *testing.T) string {
	t.Helper()
	viper.Reset()
	configErr = nil
	dir := t.TempDir()
	viper.Set("database.dsn", filepath.Join(dir, "c2trail.db"))
	viper.Set("output", filepath.Join(dir, "reports"))
	viper.Set("format", "text")
	return dir
}

func newIngestTestCmd(out, errOut *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{Use: "ingest"}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.Flags().Bool("no-report", false, "skip report generation")
	return cmd
}

// ingestFixture runs an ingest over one beacon log and returns the work dir.
func ingestFixture(t *testing.T) string {
	t.Helper()
	dir := resetViper(t)
	logs := filepath.Join(dir, "logs")
	writeTempFile(t, logs, "230601/10.0.0.5/beacon_4242.log", beaconLines)
	viper.Set("path", logs)

	var out, errOut bytes.Buffer
	if err := runIngest(newIngestTestCmd(&out, &errOut), nil); err != nil {
		t.Fatalf("runIngest() error = %v\nstderr:\n%s", err, errOut.String())
	}
	return dir
}

func TestIngest(t *testing.T) {
	dir := resetViper(t)
	logs := filepath.Join(dir, "logs")
	writeTempFile(t, logs, "230601/10.0.0.5/beacon_4242.log", beaconLines)
	viper.Set("path", logs)
	viper.Set("minimize", true)

	var out, errOut bytes.Buffer
	if err := runIngest(newIngestTestCmd(&out, &errOut), nil); err != nil {
		t.Fatalf("runIngest() error = %v\nstderr:\n%s", err, errOut.String())
	}

	output := out.String()
	if !strings.Contains(output, "Finished in") {
		t.Errorf("expected elapsed time, got:\n%s", output)
	}
	if !strings.Contains(output, "removed entries") {
		t.Errorf("expected summary table, got:\n%s", output)
	}

	for _, name := range []string{"activity-report.csv", "dl-ul-report.csv", "beacon-report.csv", "ioc-report.csv"} {
		if _, err := os.Stat(filepath.Join(dir, "reports", name)); err != nil {
			t.Errorf("report %s not written: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "reports", "tiber-report.csv")); err == nil {
		t.Error("TTP report written without a technique file")
	}

	activity, err := os.ReadFile(filepath.Join(dir, "reports", "activity-report.csv"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(activity), "Winter2023!") {
		t.Errorf("password leaked into activity report:\n%s", activity)
	}
	if !strings.Contains(string(activity), "make_token CORP\\admin [REDACTED]") {
		t.Errorf("expected redacted make_token, got:\n%s", activity)
	}
	if strings.Contains(string(activity), "sleep 60") {
		t.Errorf("noise survived --minimize:\n%s", activity)
	}
}

func TestIngestNoReport(t *testing.T) {
	dir := resetViper(t)
	logs := filepath.Join(dir, "logs")
	writeTempFile(t, logs, "230601/10.0.0.5/beacon_1.log", beaconLines)
	viper.Set("path", logs)

	var out, errOut bytes.Buffer
	cmd := newIngestTestCmd(&out, &errOut)
	if err := cmd.Flags().Set("no-report", "true"); err != nil {
		t.Fatal(err)
	}
	if err := runIngest(cmd, nil); err != nil {
		t.Fatalf("runIngest() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "reports")); !os.IsNotExist(err) {
		t.Errorf("report directory created with --no-report: %v", err)
	}
}

func TestIngestMissingPath(t *testing.T) {
	resetViper(t)

	var out, errOut bytes.Buffer
	err := runIngest(newIngestTestCmd(&out, &errOut), nil)
	if !errors.Is(err, errMissingPath) {
		t.Fatalf("runIngest() error = %v, want errMissingPath", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("expected usage, got:\n%s", out.String())
	}
}

func TestIngestInvalidConfig(t *testing.T) {
	resetViper(t)
	viper.Set("path", t.TempDir())
	viper.Set("report.delimiter", ";;")

	var out, errOut bytes.Buffer
	err := runIngest(newIngestTestCmd(&out, &errOut), nil)
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("runIngest() error = %v, want ConfigError", err)
	}
}

func TestIngestMissingExcludeFile(t *testing.T) {
	dir := resetViper(t)
	viper.Set("path", dir)
	viper.Set("exclude", filepath.Join(dir, "nope.txt"))

	var out, errOut bytes.Buffer
	if err := runIngest(newIngestTestCmd(&out, &errOut), nil); err == nil {
		t.Fatal("runIngest() should fail on an unreadable exclude file")
	}
}

func TestIngestVerboseLogsToStderr(t *testing.T) {
	dir := resetViper(t)
	logs := filepath.Join(dir, "logs")
	writeTempFile(t, logs, "230601/10.0.0.5/beacon_1.log", beaconLines)
	viper.Set("path", logs)
	viper.Set("verbose", true)

	var out, errOut bytes.Buffer
	if err := runIngest(newIngestTestCmd(&out, &errOut), nil); err != nil {
		t.Fatalf("runIngest() error = %v", err)
	}
	if !strings.Contains(errOut.String(), "level=debug") {
		t.Errorf("expected debug diagnostics on stderr, got:\n%s", errOut.String())
	}
	if strings.Contains(out.String(), "level=") {
		t.Errorf("diagnostics leaked into stdout:\n%s", out.String())
	}
}
