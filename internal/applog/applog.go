package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const filePrefix = "flowsight-relay-"

// DailyRotator is an io.Writer that writes to flowsight-relay-YYYY-MM-DD.log
// in dir and rotates to a new file each calendar day. Old files beyond
// maxDays are pruned.
type DailyRotator struct {
	mu      sync.Mutex
	dir     string
	date    string
	file    *os.File
	maxDays int
	now     func() time.Time
}

func NewDailyRotator(dir string, maxDays int) *DailyRotator {
	return &DailyRotator{dir: dir, maxDays: maxDays, now: time.Now}
}

// SetNow replaces the time source. Tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if today := r.now().Format(time.DateOnly); today != r.date {
		if err := r.rotate(today); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) rotate(date string) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(filepath.Join(r.dir, filePrefix+date+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file, r.date = f, date
	r.prune()
	return nil
}

func (r *DailyRotator) prune() {
	matches, err := filepath.Glob(filepath.Join(r.dir, filePrefix+"*.log"))
	if err != nil || len(matches) <= r.maxDays {
		return
	}
	slices.Sort(matches)
	for _, f := range matches[:len(matches)-r.maxDays] {
		os.Remove(f)
	}
}

func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

type InitConfig struct {
	LogDir   string
	LogLevel string
	// Format is "text", "json", or empty to pick text on a terminal and
	// JSON otherwise.
	Format string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Init builds the process logger and installs it as slog.Default. The stdlib
// log package is redirected to the same destination. With LogDir set, output
// goes to a daily-rotating file; otherwise it goes to stderr. The returned
// io.Closer must be closed on exit.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		rotator := NewDailyRotator(cfg.LogDir, 7)
		out, closer = rotator, rotator
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if useJSON(cfg.Format, out) {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, closer, nil
}

func useJSON(format string, out io.Writer) bool {
	switch strings.ToLower(format) {
	case "json":
		return true
	case "text":
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// ParseLevel maps a level name to slog.Level, case-insensitively. Unknown
// names yield LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
