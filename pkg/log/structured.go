package log

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/natalcast/report-pipeline/pkg/requestid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StructuredLoggerBuilder collects the fields shared by every entry of one operation.
// Every method returns a new builder, so a component can keep one as a template.
type StructuredLoggerBuilder struct {
	name      string
	operation string
	fields    []any
}

// NewDebugLogger starts a builder for an operation logger named after its component.
func NewDebugLogger(name string) *StructuredLoggerBuilder {
	return &StructuredLoggerBuilder{name: name}
}

func (b *StructuredLoggerBuilder) WithContext(ctx context.Context) *StructuredLoggerBuilder {
	if id := requestid.FromContext(ctx); id != "" {
		return b.with("request_id", id)
	}
	return b.with()
}

func (b *StructuredLoggerBuilder) Operation(op string) *StructuredLoggerBuilder {
	nb := b.with()
	nb.operation = op
	return nb
}

func (b *StructuredLoggerBuilder) WithParam(key string, value any) *StructuredLoggerBuilder {
	return b.with(key, value)
}

func (b *StructuredLoggerBuilder) WithString(key, value string) *StructuredLoggerBuilder {
	return b.with(key, value)
}

func (b *StructuredLoggerBuilder) WithInt(key string, value int) *StructuredLoggerBuilder {
	return b.with(key, value)
}

func (b *StructuredLoggerBuilder) WithUUID(key string, value uuid.UUID) *StructuredLoggerBuilder {
	return b.with(key, value.String())
}

func (b *StructuredLoggerBuilder) with(kv ...any) *StructuredLoggerBuilder {
	fields := make([]any, 0, len(b.fields)+len(kv))
	fields = append(fields, b.fields...)
	return &StructuredLoggerBuilder{name: b.name, operation: b.operation, fields: append(fields, kv...)}
}

func (b *StructuredLoggerBuilder) Build() *StructuredLogger {
	fields := append([]any{"operation", b.operation}, b.fields...)
	return &StructuredLogger{
		logger: zap.S().Named(b.name).With(fields...),
		start:  time.Now(),
	}
}

// StructuredLogger emits the steps of a single operation. Steps go out at
// debug level, errors at error level, success at info level with the elapsed time.
type StructuredLogger struct {
	logger *zap.SugaredLogger
	start  time.Time
}

func (l *StructuredLogger) Step(step string) *Entry {
	return &Entry{logger: l.logger, level: zap.DebugLevel, msg: step}
}

func (l *StructuredLogger) Info(msg string) *Entry {
	return &Entry{logger: l.logger, level: zap.InfoLevel, msg: msg}
}

func (l *StructuredLogger) Warn(msg string) *Entry {
	return &Entry{logger: l.logger, level: zap.WarnLevel, msg: msg}
}

func (l *StructuredLogger) Error(err error) *Entry {
	return &Entry{logger: l.logger, level: zap.ErrorLevel, msg: "operation_failed", fields: []any{"error", fmt.Sprint(err)}}
}

func (l *StructuredLogger) Success() *Entry {
	return &Entry{logger: l.logger, level: zap.InfoLevel, msg: "operation_succeeded", fields: []any{"duration", time.Since(l.start)}}
}

type Entry struct {
	logger *zap.SugaredLogger
	level  zapcore.Level
	msg    string
	fields []any
}

func (e *Entry) WithParam(key string, value any) *Entry {
	e.fields = append(e.fields, key, value)
	return e
}

func (e *Entry) WithString(key, value string) *Entry {
	e.fields = append(e.fields, key, value)
	return e
}

func (e *Entry) WithInt(key string, value int) *Entry {
	e.fields = append(e.fields, key, value)
	return e
}

func (e *Entry) WithUUID(key string, value uuid.UUID) *Entry {
	e.fields = append(e.fields, key, value.String())
	return e
}

func (e *Entry) Log() {
	switch e.level {
	case zap.DebugLevel:
		e.logger.Debugw(e.msg, e.fields...)
	case zap.WarnLevel:
		e.logger.Warnw(e.msg, e.fields...)
	case zap.ErrorLevel:
		e.logger.Errorw(e.msg, e.fields...)
	default:
		e.logger.Infow(e.msg, e.fields...)
	}
}
