// Package applog configures the relay's structured logging: a date-stamped
// file per process prefix, optionally teed to stderr, with every record
// tagged by the instance that wrote it.
package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPrefix  = "agent-relay"
	DefaultMaxDays = 7

	dateLayout = "2006-01-02"
)

// DailyRotator is an io.Writer over <dir>/<prefix>-<date>.log. It switches
// files at the first write of each calendar day and removes files of the
// same prefix whose date is maxDays or more before today.
type DailyRotator struct {
	dir     string
	prefix  string
	maxDays int

	mu   sync.Mutex
	date string
	file *os.File
	now  func() time.Time
}

func NewDailyRotator(dir, prefix string, maxDays int) *DailyRotator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if maxDays < 1 {
		maxDays = DefaultMaxDays
	}
	return &DailyRotator{dir: dir, prefix: prefix, maxDays: maxDays, now: time.Now}
}

// SetNow replaces the time source. Used in tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// Path returns the file written for the given day.
func (r *DailyRotator) Path(day time.Time) string {
	return filepath.Join(r.dir, r.prefix+"-"+day.Format(dateLayout)+".log")
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if today := now.Format(dateLayout); today != r.date || r.file == nil {
		if err := r.open(now); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) open(now time.Time) error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	f, err := os.OpenFile(r.Path(now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.file = f
	r.date = now.Format(dateLayout)
	r.prune(now)
	return nil
}

// prune goes by the date in the file name, not mtime, so a copied or touched
// file is judged by the day it covers. Files that do not parse are left alone.
func (r *DailyRotator) prune(now time.Time) {
	matches, err := filepath.Glob(filepath.Join(r.dir, r.prefix+"-*.log"))
	if err != nil {
		return
	}
	today, _ := time.ParseInLocation(dateLayout, now.Format(dateLayout), now.Location())
	cutoff := today.AddDate(0, 0, -r.maxDays)
	for _, name := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(name), r.prefix+"-"), ".log")
		day, err := time.ParseInLocation(dateLayout, stamp, now.Location())
		if err != nil {
			continue
		}
		if !day.After(cutoff) {
			os.Remove(name)
		}
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
	Dir     string
	Prefix  string // file name prefix, DefaultPrefix when empty
	MaxDays int
	Level   string
	Format  string // "text" (default) or "json"

	// Instance is added to every record so merged logs from several relay
	// processes stay attributable.
	Instance string

	// Stderr also copies every record to stderr, for foreground runs and
	// container log collectors.
	Stderr bool
}

// Init installs the relay logger as slog.Default and points the stdlib log
// package at the same output. The returned io.Closer must be deferred by the
// caller.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := NewDailyRotator(cfg.Dir, cfg.Prefix, cfg.MaxDays)
	var out io.Writer = rotator
	if cfg.Stderr {
		out = io.MultiWriter(rotator, os.Stderr)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		rotator.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	if cfg.Instance != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("instance", cfg.Instance)})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// ParseLevel converts a level string to slog.Level. Defaults to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
