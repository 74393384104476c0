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

	"github.com/zsprackett/flowsight-relay/internal/applog"
)

func logFile(dir string, day time.Time) string {
	return filepath.Join(dir, "flowsight-relay-"+day.Format("2006-01-02")+".log")
}

func TestDailyRotator_WritesTodaysFile(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, 7)
	defer r.Close()

	if _, err := r.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(logFile(dir, time.Now())); err != nil {
		t.Errorf("expected today's log file: %v", err)
	}
}

func TestDailyRotator_SwitchesFileAtMidnight(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, 7)
	defer r.Close()

	before := time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)
	after := before.Add(2 * time.Minute)

	r.SetNow(func() time.Time { return before })
	r.Write([]byte("late\n"))
	r.SetNow(func() time.Time { return after })
	r.Write([]byte("early\n"))

	for _, day := range []time.Time{before, after} {
		if _, err := os.Stat(logFile(dir, day)); err != nil {
			t.Errorf("missing %s: %v", logFile(dir, day), err)
		}
	}
}

func TestDailyRotator_KeepsNewestFiles(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, 2)

	for day := 1; day <= 4; day++ {
		d := day
		r.SetNow(func() time.Time { return time.Date(2026, 3, d, 8, 0, 0, 0, time.UTC) })
		if _, err := r.Write([]byte("x\n")); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, "flowsight-relay-*.log"))
	if len(matches) != 2 {
		t.Fatalf("expected 2 files, got %v", matches)
	}
	if filepath.Base(matches[0]) != "flowsight-relay-2026-03-03.log" {
		t.Errorf("oldest retained file: got %s", filepath.Base(matches[0]))
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := applog.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %v want %v", in, got, want)
		}
	}
}

func TestInit_JSONToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, closer, err := applog.Init(applog.InitConfig{LogDir: dir, LogLevel: "info", Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("prober: cycle complete", "healthy", true)
	logger.Debug("filtered out")
	log.Print("stdlib-marker")
	closer.Close()

	data, err := os.ReadFile(logFile(dir, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not JSON: %q", lines[0])
	}
	if first["msg"] != "prober: cycle complete" {
		t.Errorf("msg: got %v", first["msg"])
	}
	if strings.Contains(string(data), "filtered out") {
		t.Error("debug record should be filtered at info level")
	}
	if !strings.Contains(string(data), "stdlib-marker") {
		t.Error("stdlib log output should land in the same file")
	}
}

func TestInit_StderrWithoutLogDir(t *testing.T) {
	logger, closer, err := applog.Init(applog.InitConfig{Format: "text"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected logger")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("stderr closer should be a no-op: %v", err)
	}
}
