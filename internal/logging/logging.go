package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeySessionID  = "sessionId"
	KeyDeviceID   = "deviceId"
	KeyStem       = "stem"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// switchableHandler lets package-level loggers created before Init()
// pick up the configured handler once Init runs.
type switchableHandler struct {
	current *atomic.Pointer[handlerBox]
	attrs   []slog.Attr
	groups  []string
}

// handlerBox gives the pointer one concrete type whichever handler
// implementation it carries.
type handlerBox struct {
	h slog.Handler
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	p := &atomic.Pointer[handlerBox]{}
	p.Store(&handlerBox{h: h})
	return &switchableHandler{current: p}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.current.Store(&handlerBox{h: handler})
}

func (h *switchableHandler) resolve() slog.Handler {
	handler := h.current.Load().h
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &switchableHandler{
		current: h.current,
		attrs:   merged,
		groups:  append([]string(nil), h.groups...),
	}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &switchableHandler{
		current: h.current,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		groups:  groups,
	}
}

var (
	rootHandler   = newSwitchableHandler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.set(handler)
	slog.SetDefault(defaultLogger)
}

// Options describes where and how the agent logs.
type Options struct {
	Format     string
	Level      string
	File       string // empty = stdout only
	MaxSizeMB  int
	MaxBackups int
}

// Setup initializes the global logger from opts. When a log file is
// configured, output is tee'd to stdout and a rotating file; the returned
// closer releases the file and is never nil.
func Setup(opts Options) (io.Closer, error) {
	if opts.File == "" {
		Init(opts.Format, opts.Level, os.Stdout)
		return nopCloser{}, nil
	}

	rw, err := NewRotatingWriter(opts.File, opts.MaxSizeMB, opts.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", opts.File, err)
	}
	Init(opts.Format, opts.Level, TeeWriter(os.Stdout, rw))
	return rw, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying capture-session correlation fields.
func WithSession(logger *slog.Logger, sessionID, deviceID string) *slog.Logger {
	return logger.With(
		slog.String(KeySessionID, sessionID),
		slog.String(KeyDeviceID, deviceID),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
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
