package observability

import (
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements Logger on top of zap, gated by a numeric Levels holder
type ZapLogger struct {
	z      *zap.Logger
	levels *Levels
	prefix string
}

// NewLogger builds a logger from the `$log` configuration. The configured
// level becomes the base of levels.
func NewLogger(cfg LogConfig, levels *Levels) (*ZapLogger, error) {
	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "pretty":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	sink := zapcore.Lock(os.Stdout)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	if levels == nil {
		levels = DefaultLevels()
	}
	levels.SetBase(cfg.Level)

	// every zap level passes; Levels does the gating so that runtime
	// changes apply without rebuilding the core
	core := zapcore.NewCore(encoder, sink, zapcore.DebugLevel)
	return NewLoggerFromCore(core, levels), nil
}

// NewLoggerFromCore wraps an existing zap core
func NewLoggerFromCore(core zapcore.Core, levels *Levels) *ZapLogger {
	if levels == nil {
		levels = DefaultLevels()
	}
	return &ZapLogger{z: zap.New(core), levels: levels}
}

// NewStandardLogger creates a JSON stdout logger for use before the
// configuration is loaded
func NewStandardLogger(prefix string) Logger {
	l, err := NewLogger(LogConfig{Level: DefaultLevels().Base(), Format: "json"}, NewLevels(DefaultLevels().Base()))
	if err != nil {
		return NewNoopLogger()
	}
	return l.WithPrefix(prefix)
}

// Levels exposes the level holder backing this logger
func (l *ZapLogger) Levels() *Levels {
	return l.levels
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}

func (l *ZapLogger) Trace(msg string, fields map[string]interface{}) {
	if l.levels.Enabled(LogLevelTrace) {
		l.z.Debug(msg, append(l.fields(fields), zap.Bool("trace", true))...)
	}
}

func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	if l.levels.Enabled(LogLevelDebug) {
		l.z.Debug(msg, l.fields(fields)...)
	}
}

func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	if l.levels.Enabled(LogLevelInfo) {
		l.z.Info(msg, l.fields(fields)...)
	}
}

func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	if l.levels.Enabled(LogLevelWarn) {
		l.z.Warn(msg, l.fields(fields)...)
	}
}

func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	if l.levels.Enabled(LogLevelError) {
		l.z.Error(msg, l.fields(fields)...)
	}
}

// Fatal logs and exits regardless of the level
func (l *ZapLogger) Fatal(msg string, fields map[string]interface{}) {
	l.z.Fatal(msg, l.fields(fields)...)
}

func (l *ZapLogger) Debugf(format string, args ...interface{}) {
	l.Debug(fmt.Sprintf(format, args...), nil)
}

func (l *ZapLogger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...), nil)
}

func (l *ZapLogger) Warnf(format string, args ...interface{}) {
	l.Warn(fmt.Sprintf(format, args...), nil)
}

func (l *ZapLogger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...), nil)
}

// WithPrefix returns a logger tagged with a component name
func (l *ZapLogger) WithPrefix(prefix string) Logger {
	return &ZapLogger{
		z:      l.z.With(zap.String("component", prefix)),
		levels: l.levels,
		prefix: prefix,
	}
}

// With returns a logger carrying fields on every entry
func (l *ZapLogger) With(fields map[string]interface{}) Logger {
	return &ZapLogger{
		z:      l.z.With(l.fields(fields)...),
		levels: l.levels,
		prefix: l.prefix,
	}
}

func (l *ZapLogger) fields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// NoopLogger is a logger that does nothing
type NoopLogger struct{}

// NewNoopLogger creates a new NoopLogger
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Trace(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Debug(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Info(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *NoopLogger) Error(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Fatal(msg string, fields map[string]interface{}) {}
func (l *NoopLogger) Debugf(format string, args ...interface{})       {}
func (l *NoopLogger) Infof(format string, args ...interface{})        {}
func (l *NoopLogger) Warnf(format string, args ...interface{})        {}
func (l *NoopLogger) Errorf(format string, args ...interface{})       {}

// WithPrefix implements Logger.WithPrefix
func (l *NoopLogger) WithPrefix(prefix string) Logger {
	return l
}

// With implements Logger.With
func (l *NoopLogger) With(fields map[string]interface{}) Logger {
	return l
}
