// Package logging is the ambient structured-logging layer, carried from
// the teacher's utils.Logger/utils.DefaultLogger (utils/logger.go)
// unchanged in shape: every cobase subsystem takes a Logger at
// construction and uses the *Ctx variants to thread request-scoped
// fields through context.Context.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	return &DefaultLogger{logger: logger}
}

const prefix = "[cobase] "

func (d *DefaultLogger) Debug(msg string, args ...any) { d.logger.Debug(prefix+msg, args...) }
func (d *DefaultLogger) Info(msg string, args ...any)  { d.logger.Info(prefix+msg, args...) }
func (d *DefaultLogger) Warn(msg string, args ...any)  { d.logger.Warn(prefix+msg, args...) }
func (d *DefaultLogger) Error(msg string, args ...any) { d.logger.Error(prefix+msg, args...) }

type defaultArgsKey struct{}

func getDefaultArgs(ctx context.Context) []any {
	args, _ := ctx.Value(defaultArgsKey{}).([]any)
	return args
}

// WithDefaultArgs returns a context that adds args to every subsequent
// *Ctx log call made with it.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	merged := append(append([]any(nil), getDefaultArgs(ctx)...), args...)
	return context.WithValue(ctx, defaultArgsKey{}, merged)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Debug(prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Info(prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Warn(prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.logger.Error(prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

// Nop discards everything; useful as a zero-value-safe default in tests.
type Nop struct{}

func (Nop) Debug(string, ...any)                            {}
func (Nop) Info(string, ...any)                             {}
func (Nop) Warn(string, ...any)                              {}
func (Nop) Error(string, ...any)                             {}
func (Nop) DebugCtx(context.Context, string, ...any)        {}
func (Nop) InfoCtx(context.Context, string, ...any)         {}
func (Nop) WarnCtx(context.Context, string, ...any)         {}
func (Nop) ErrorCtx(context.Context, string, ...any)        {}
