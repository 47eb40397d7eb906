// Package logging defines the logger contract used across the chat session
// SDK and ships two implementations: one over log/slog and one over zap with
// optional file rotation.
//
// Every component takes a Logger and validates it at construction time:
//
//	log, err := logging.Validate(cfg.Logger)
//	if err != nil {
//	    return nil, err
//	}
//	log.Info("connection established", "contact_id", contactID)
//
// Arguments after the message are key/value pairs, following the slog
// convention.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ErrInvalidLogger is returned when a component is handed a nil logger.
var ErrInvalidLogger = errors.New("logging: logger must implement Debug, Info, Warn and Error")

// Logger is the structural contract every component logs through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Validate fails fast when l cannot be used. A nil interface and a typed nil
// pointer are both rejected.
func Validate(l Logger) (Logger, error) {
	if l == nil {
		return nil, ErrInvalidLogger
	}
	switch v := l.(type) {
	case *slog.Logger:
		if v == nil {
			return nil, ErrInvalidLogger
		}
	case *zapLogger:
		if v == nil || v.s == nil {
			return nil, ErrInvalidLogger
		}
	}
	return l, nil
}

// OrDefault returns l when it is usable and Default() otherwise.
func OrDefault(l Logger) Logger {
	if v, err := Validate(l); err == nil {
		return v
	}
	return Default()
}

// With returns a logger that adds args to every record. Loggers that do not
// support attribute binding are returned unchanged.
func With(l Logger, args ...any) Logger {
	switch v := l.(type) {
	case *slog.Logger:
		return v.With(args...)
	case *zapLogger:
		return &zapLogger{s: v.s.With(args...)}
	default:
		return l
	}
}

// Default returns the process-wide slog logger.
func Default() Logger {
	return slog.Default()
}

// Nop discards everything.
func Nop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --------------------------------------------------------------------------
// zap
// --------------------------------------------------------------------------

// Config selects level, encoding and optional rotated file output for NewZap.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// Format is json or console. Defaults to json.
	Format string

	// File, when set, writes logs to a rotated file instead of stderr.
	File string

	// MaxSizeMB, MaxBackups and MaxAgeDays configure rotation.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap builds a zap-backed Logger.
func NewZap(cfg Config) (Logger, func() error, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(firstNonEmpty(cfg.Level, "info")))
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orInt(cfg.MaxSizeMB, 50),
			MaxBackups: orInt(cfg.MaxBackups, 5),
			MaxAge:     orInt(cfg.MaxAgeDays, 14),
			Compress:   true,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(enc, sink, level)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &zapLogger{s: z.Sugar()}, z.Sync, nil
}

func (l *zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l *zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
