package utils

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyNodeID    contextKey = "node_id"
	ContextKeyView      contextKey = "view"
)

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string
	Development bool

	// File output with rotation; stdout when empty.
	OutputPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Fields attached to every entry.
	NodeID    string
	Component string
}

// DefaultLogConfig returns production defaults driven by the environment.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:       GetEnvString("BFTLOG_LOG_LEVEL", "info"),
		Development: GetEnvString("BFTLOG_ENV", "production") == "development",
		OutputPath:  GetEnvString("BFTLOG_LOG_FILE", ""),
		MaxSizeMB:   GetEnvInt("BFTLOG_LOG_MAX_SIZE", 100),
		MaxBackups:  GetEnvInt("BFTLOG_LOG_MAX_BACKUPS", 10),
		MaxAgeDays:  GetEnvInt("BFTLOG_LOG_MAX_AGE", 30),
		Compress:    GetEnvBool("BFTLOG_LOG_COMPRESS", true),
		NodeID:      GetEnvString("BFTLOG_NODE_ID", ""),
		Component:   "bftlog",
	}
}

// Logger provides structured, context-aware logging over zap.
type Logger struct {
	base        *zap.Logger
	config      *LogConfig
	atomicLevel zap.AtomicLevel

	shutdownOnce sync.Once
}

// NewLogger creates a logger instance.
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if config.Development {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	if config.OutputPath != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, sink, atomicLevel)
	zapLogger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	if config.NodeID != "" {
		zapLogger = zapLogger.With(zap.String("node_id", config.NodeID))
	}
	if config.Component != "" {
		zapLogger = zapLogger.With(zap.String("component", config.Component))
	}

	return &Logger{
		base:        zapLogger,
		config:      config,
		atomicLevel: atomicLevel,
	}, nil
}

// With returns a logger carrying additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		base:        l.base.With(fields...),
		config:      l.config,
		atomicLevel: l.atomicLevel,
	}
}

// WithContext returns a logger enriched with request/node fields from ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	fields := make([]zap.Field, 0, 3)
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		fields = append(fields, zap.String("request_id", fmt.Sprintf("%v", v)))
	}
	if v := ctx.Value(ContextKeyNodeID); v != nil {
		fields = append(fields, zap.String("node_id", fmt.Sprintf("%v", v)))
	}
	if v := ctx.Value(ContextKeyView); v != nil {
		fields = append(fields, zap.Any("view", v))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Debug(msg, fields...)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Info(msg, fields...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Warn(msg, fields...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.WithContext(ctx).base.Error(msg, fields...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.base.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.base.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.base.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.base.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.base.Fatal(msg, fields...) }

// SetLevel changes the log level at runtime.
func (l *Logger) SetLevel(level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	l.atomicLevel.SetLevel(parsed)
	return nil
}

// Shutdown flushes buffered entries.
func (l *Logger) Shutdown() error {
	var err error
	l.shutdownOnce.Do(func() {
		err = l.base.Sync()
	})
	return err
}

// CreateTestLogger returns a development logger for tests.
func CreateTestLogger() *Logger {
	logger, _ := NewLogger(&LogConfig{
		Level:       "debug",
		Development: true,
	})
	return logger
}

// Zap field helpers, so callers don't need to import zap directly.

func ZapString(key, val string) zap.Field                 { return zap.String(key, val) }
func ZapInt(key string, val int) zap.Field                { return zap.Int(key, val) }
func ZapUint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func ZapInt64(key string, val int64) zap.Field            { return zap.Int64(key, val) }
func ZapFloat64(key string, val float64) zap.Field        { return zap.Float64(key, val) }
func ZapBool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func ZapError(err error) zap.Field                        { return zap.Error(err) }
func ZapDuration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func ZapTime(key string, val time.Time) zap.Field         { return zap.Time(key, val) }
func ZapAny(key string, val interface{}) zap.Field        { return zap.Any(key, val) }
func ZapStrings(key string, val []string) zap.Field       { return zap.Strings(key, val) }
