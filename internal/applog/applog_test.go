package applog_test

import (
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsprackett/agent-relay/internal/applog"
)

func day(d int) time.Time {
	return time.Date(2026, 1, d, 12, 0, 0, 0, time.UTC)
}

func logFiles(t *testing.T, dir, prefix string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return names
}

func todaysLog(t *testing.T, dir string) string {
	t.Helper()
	name := filepath.Join(dir, applog.DefaultPrefix+"-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestDailyRotator_CreatesFileOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, "", 0)
	defer r.Close()

	if _, err := r.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(r.Path(time.Now())); err != nil {
		t.Errorf("expected log file to exist: %v", err)
	}
}

func TestDailyRotator_RotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, "relay-a", 7)
	defer r.Close()

	for _, d := range []int{1, 1, 2} {
		r.SetNow(func() time.Time { return day(d) })
		if _, err := r.Write([]byte("entry\n")); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"relay-a-2026-01-01.log", "relay-a-2026-01-02.log"}
	if diff := cmp.Diff(want, logFiles(t, dir, "relay-a")); diff != "" {
		t.Errorf("log files (-want +got):\n%s", diff)
	}
}

func TestDailyRotator_PrunesByFileDate(t *testing.T) {
	dir := t.TempDir()
	// A gap in the days written must not keep old files alive.
	for _, name := range []string{"relay-a-2025-12-01.log", "relay-a-notadate.log", "relay-b-2025-12-01.log"} {
		os.WriteFile(filepath.Join(dir, name), nil, 0644)
	}

	r := applog.NewDailyRotator(dir, "relay-a", 3)
	for d := 1; d <= 5; d++ {
		r.SetNow(func() time.Time { return day(d) })
		if _, err := r.Write([]byte("entry\n")); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	want := []string{
		"relay-a-2026-01-03.log",
		"relay-a-2026-01-04.log",
		"relay-a-2026-01-05.log",
		"relay-a-notadate.log",
	}
	if diff := cmp.Diff(want, logFiles(t, dir, "relay-a")); diff != "" {
		t.Errorf("relay-a files (-want +got):\n%s", diff)
	}
	if got := logFiles(t, dir, "relay-b"); len(got) != 1 {
		t.Errorf("another prefix was pruned: %v", got)
	}
}

func TestInit_CreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "newlogs")
	_, closer, err := applog.Init(applog.InitConfig{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected log dir %q to be created: %v", dir, err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		input string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
	}
	for _, tc := range cases {
		if got := applog.ParseLevel(tc.input); got != tc.level {
			t.Errorf("ParseLevel(%q): got %v want %v", tc.input, got, tc.level)
		}
	}
}

func TestInit_StdlibLogRedirected(t *testing.T) {
	dir := t.TempDir()
	_, closer, err := applog.Init(applog.InitConfig{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	log.Print("stdlib-log-test-marker")

	if data := todaysLog(t, dir); !strings.Contains(data, "stdlib-log-test-marker") {
		t.Errorf("stdlib log output not found in log file; file contents: %q", data)
	}
}

func TestInit_TagsInstance(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := applog.Init(applog.InitConfig{Dir: dir, Level: "debug", Instance: "node-7", Stderr: true})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Debug("tee-test-marker", "conn", "abc")

	data := todaysLog(t, dir)
	for _, want := range []string{"tee-test-marker", "conn=abc", "instance=node-7"} {
		if !strings.Contains(data, want) {
			t.Errorf("%q not found in log file; file contents: %q", want, data)
		}
	}
}

func TestInit_JSONFormat(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := applog.Init(applog.InitConfig{Dir: dir, Format: "json", Instance: "node-7"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Info("json-marker", "user", "u1")

	line := strings.TrimSpace(todaysLog(t, dir))
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("record is not JSON: %q", line)
	}
	if rec["msg"] != "json-marker" || rec["user"] != "u1" || rec["instance"] != "node-7" {
		t.Errorf("record: got %v", rec)
	}
}

func TestInit_UnknownFormat(t *testing.T) {
	if _, _, err := applog.Init(applog.InitConfig{Dir: t.TempDir(), Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}
