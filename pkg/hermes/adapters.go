package hermes

import (
	"context"
	"log/slog"
	"maps"
	"slices"
)

type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps l, or slog.Default() when l is nil.
func NewSlogAdapter(l *slog.Logger) *SlogAdapter {
	if l == nil {
		l = slog.Default()
	}
	return &SlogAdapter{logger: l}
}

func (l *SlogAdapter) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.logger.DebugContext(ctx, msg, attrs(fields)...)
}

func (l *SlogAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.logger.InfoContext(ctx, msg, attrs(fields)...)
}

func (l *SlogAdapter) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.logger.WarnContext(ctx, msg, attrs(fields)...)
}

func (l *SlogAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.logger.ErrorContext(ctx, msg, attrs(fields)...)
}

// attrs flattens fields in key order so log lines are stable.
func attrs(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		args = append(args, k, fields[k])
	}
	return args
}

type NoopLogger struct{}

func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (NoopLogger) Debug(ctx context.Context, msg string, fields map[string]any) {}
func (NoopLogger) Info(ctx context.Context, msg string, fields map[string]any)  {}
func (NoopLogger) Warn(ctx context.Context, msg string, fields map[string]any)  {}
func (NoopLogger) Error(ctx context.Context, msg string, fields map[string]any) {}

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}
