package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig controls optional on-disk log rotation. A zero Path keeps
// logging on stdout only.
type RotationConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewLogger builds a JSON slog.Logger writing to w. All log lines carry the
// service name, and the environment when provided.
func NewLogger(w io.Writer, service, env string) *slog.Logger {
	handler := newHandler(w)
	return slog.New(handler.WithAttrs(baseAttrs(service, env)))
}

// Setup configures the default logger to emit structured JSON on stdout and
// bridges the standard library logger so existing packages keep working.
func Setup(service, env string) *slog.Logger {
	return install(os.Stdout, service, env)
}

// SetupRotating behaves like Setup but tees every line into a size-rotated
// file as well.
func SetupRotating(service, env string, rotation RotationConfig) *slog.Logger {
	if strings.TrimSpace(rotation.Path) == "" {
		return Setup(service, env)
	}
	sink := &lumberjack.Logger{
		Filename:   rotation.Path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}
	return install(io.MultiWriter(os.Stdout, sink), service, env)
}

func install(w io.Writer, service, env string) *slog.Logger {
	handler := newHandler(w)
	attrs := baseAttrs(service, env)

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func newHandler(w io.Writer) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})
}

func baseAttrs(service, env string) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	return attrs
}
