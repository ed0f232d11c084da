// Package logging provides the gateway's process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

func init() {
	// usable before Init() runs, e.g. in package-level test setup
	Log = slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// Init wires the global logger to stdout plus an optional log file.
func Init(level, logFile string) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

func Debug(msg string, args ...any) { Log.Debug(msg, args...) }
func Info(msg string, args ...any)  { Log.Info(msg, args...) }
func Warn(msg string, args ...any)  { Log.Warn(msg, args...) }
func Error(msg string, args ...any) { Log.Error(msg, args...) }

// Component returns a logger pre-tagged with a component name, the
// convention every package in this daemon uses instead of ad-hoc prefixes.
func Component(name string) *slog.Logger {
	return Log.With(slog.String("component", name))
}

// SafeGo runs fn in its own goroutine, recovering any panic and logging it
// instead of taking down the daemon. Every background loop in the gateway
// (PTY readers, the outbox poll, the commander watcher, client write pumps)
// is started through this.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Log.Error("panic recovered", slog.String("goroutine", name), slog.Any("panic", r))
			}
		}()
		fn()
	}()
}
