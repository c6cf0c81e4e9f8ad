package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every record emitted through ForComponent.
const (
	CompGit      = "git"
	CompSession  = "session"
	CompStorage  = "storage"
	CompTerminal = "terminal"
	CompRegistry = "registry"
	CompWatch    = "watch"
	CompConfig   = "config"
	CompCLI      = "cli"
)

// LogFileName is the file written inside Config.LogDir.
const LogFileName = "debug.log"

// Config controls where and how lanes writes its debug log.
type Config struct {
	// LogDir is the directory holding debug.log (usually ~/.lanes)
	LogDir string

	// Level is one of "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// RingBufferSize bounds the in-memory copy kept for crash dumps
	RingBufferSize int

	// AggregateIntervalSecs is how often batched watcher events are summarized
	AggregateIntervalSecs int

	// Debug enables file logging even when LogDir is empty
	Debug bool
}

type state struct {
	logger *slog.Logger
	ring   *RingBuffer
	agg    *Aggregator
	file   *lumberjack.Logger
}

var (
	mu      sync.RWMutex
	current state
)

func (c *Config) applyDefaults() {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 10
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 3
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 7
	}
	if c.RingBufferSize <= 0 {
		c.RingBufferSize = 2 * 1024 * 1024
	}
	if c.AggregateIntervalSecs <= 0 {
		c.AggregateIntervalSecs = 30
	}
}

// ParseLevel maps a config string onto a slog level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Init installs the process-wide logger. Calling it again replaces the
// previous configuration after flushing it.
func Init(cfg Config) {
	cfg.applyDefaults()

	mu.Lock()
	defer mu.Unlock()
	closeLocked()

	if !cfg.Debug && cfg.LogDir == "" {
		current = state{
			logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
			ring:   NewRingBuffer(4096),
			agg:    NewAggregator(nil, cfg.AggregateIntervalSecs),
		}
		return
	}

	dir := cfg.LogDir
	if dir == "" {
		dir = "."
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, LogFileName),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	ring := NewRingBuffer(cfg.RingBufferSize)
	out := io.MultiWriter(file, ring)

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	agg := NewAggregator(logger, cfg.AggregateIntervalSecs)
	agg.Start()

	current = state{logger: logger, ring: ring, agg: agg, file: file}
}

// Logger returns the process logger, or a discarding one before Init.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current.logger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return current.logger
}

// ForComponent returns a logger tagged with component=name. The returned
// logger resolves the real handler on every call, so package-level vars
// created before Init still reach the configured sink.
func ForComponent(name string) *slog.Logger {
	return slog.New(&componentHandler{component: name})
}

type componentHandler struct {
	component string
	attrs     []slog.Attr
	groups    []string
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	return handler.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &componentHandler{component: h.component, groups: h.groups}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := &componentHandler{component: h.component, attrs: h.attrs}
	next.groups = append(append([]string{}, h.groups...), name)
	return next
}

// Aggregate counts a high-frequency event instead of logging each occurrence.
func Aggregate(component, event string, fields ...slog.Attr) {
	mu.RLock()
	agg := current.agg
	mu.RUnlock()
	if agg != nil {
		agg.Record(component, event, fields...)
	}
}

// DumpRingBuffer writes the recent in-memory log tail to path.
func DumpRingBuffer(path string) error {
	mu.RLock()
	ring := current.ring
	mu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.DumpToFile(path)
}

// Shutdown flushes pending summaries and closes the log file.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if current.agg != nil {
		current.agg.Stop()
	}
	if current.file != nil {
		_ = current.file.Close()
	}
	current = state{}
}
