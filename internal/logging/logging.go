package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyRequestID  = "requestId"
	KeyTransferID = "transferId"
	KeyPackage    = "package"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// swapHandler forwards to whichever handler Init installed last. Package
// loggers are built at import time, before config is read, so they cannot
// hold the configured handler directly. With and WithGroup calls are kept
// as ops and replayed, in order, on the current target.
type swapHandler struct {
	target *atomic.Pointer[slog.Handler]
	ops    []func(slog.Handler) slog.Handler
}

func newSwapHandler(h slog.Handler) *swapHandler {
	target := new(atomic.Pointer[slog.Handler])
	target.Store(&h)
	return &swapHandler{target: target}
}

func (h *swapHandler) swap(next slog.Handler) {
	h.target.Store(&next)
}

func (h *swapHandler) resolve() slog.Handler {
	handler := *h.target.Load()
	for _, op := range h.ops {
		handler = op(handler)
	}
	return handler
}

func (h *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*h.target.Load()).Enabled(ctx, level)
}

func (h *swapHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *swapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h *swapHandler) with(op func(slog.Handler) slog.Handler) *swapHandler {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	return &swapHandler{target: h.target, ops: append(ops, op)}
}

var (
	rootHandler   = newSwapHandler(&auditHandler{base: newFormatHandler("text", "info", os.Stderr)})
	defaultLogger = slog.New(rootHandler)
	globalShipper *Shipper
	shipperMu     sync.RWMutex
)

func init() {
	slog.SetDefault(defaultLogger)
}

func newFormatHandler(format, level string, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(output, opts)
	}
	return slog.NewTextHandler(output, opts)
}

// Init installs the handler for format ("text" or "json") and level. A nil
// output logs to stderr, which keeps stdout free for command output.
// Loggers obtained from L before Init switch over as well.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	rootHandler.swap(&auditHandler{base: newFormatHandler(format, level, output)})
	slog.SetDefault(defaultLogger)
}

// InitShipper starts shipping log records to the audit endpoint.
func InitShipper(cfg ShipperConfig) {
	shipperMu.Lock()
	defer shipperMu.Unlock()

	if globalShipper != nil {
		globalShipper.Stop()
	}

	globalShipper = NewShipper(cfg)
	globalShipper.Start()
}

// StopShipper flushes and stops the audit shipper.
func StopShipper() {
	shipperMu.Lock()
	defer shipperMu.Unlock()

	if globalShipper != nil {
		globalShipper.Stop()
		globalShipper = nil
	}
}

// auditHandler copies records to the audit shipper before passing them on.
// Attributes bound with With are kept so shipped entries carry the
// component and request fields too.
type auditHandler struct {
	base  slog.Handler
	attrs []slog.Attr
}

func (h *auditHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *auditHandler) Handle(ctx context.Context, record slog.Record) error {
	shipperMu.RLock()
	shipper := globalShipper
	shipperMu.RUnlock()

	if shipper != nil && shipper.ShouldShip(record.Level) {
		fields := make(map[string]any, len(h.attrs)+record.NumAttrs())
		for _, a := range h.attrs {
			fields[a.Key] = a.Value.Any()
		}
		record.Attrs(func(a slog.Attr) bool {
			fields[a.Key] = a.Value.Any()
			return true
		})

		shipper.Enqueue(LogEntry{
			Timestamp: record.Time,
			Level:     record.Level.String(),
			Component: extractComponent(fields),
			Message:   record.Message,
			Fields:    fields,
			Version:   shipper.version,
		})
	}

	return h.base.Handle(ctx, record)
}

func (h *auditHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	return &auditHandler{base: h.base.WithAttrs(attrs), attrs: append(merged, attrs...)}
}

// WithGroup only affects the local handler; shipped fields stay flat.
func (h *auditHandler) WithGroup(name string) slog.Handler {
	return &auditHandler{base: h.base.WithGroup(name), attrs: h.attrs}
}

func extractComponent(fields map[string]any) string {
	if c, ok := fields[KeyComponent].(string); ok {
		return c
	}
	return "unknown"
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithRequest returns a child logger carrying install request correlation fields.
func WithRequest(logger *slog.Logger, requestID, pkg string) *slog.Logger {
	return logger.With(
		slog.String(KeyRequestID, requestID),
		slog.String(KeyPackage, pkg),
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
