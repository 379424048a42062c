package logging

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"
)

var (
	level  = new(slog.LevelVar) // dynamic level, LOG_LEVEL or SetLevel
	Logger = newLogger()
)

func newLogger() *slog.Logger {
	level.Set(parseLevel(os.Getenv("LOG_LEVEL")))

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// Init rebuilds the logger from the environment. Call it from main after the
// environment is final.
func Init() {
	Logger = newLogger()
	slog.SetDefault(Logger)
}

func SetLevel(l slog.Level) { level.Set(l) }

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

// Shortcut helpers
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

func With(args ...any) *slog.Logger { return Logger.With(args...) }

// WrapSlog adapts the logger to *log.Logger for libraries that take one
// (goburrow/modbus handlers). Lines are logged at debug level.
func WrapSlog(key string, value any) *log.Logger {
	return slog.NewLogLogger(Logger.With(key, value).Handler(), slog.LevelDebug)
}

// DebugEnabled reports whether debug output would be written.
func DebugEnabled() bool {
	return Logger.Enabled(context.Background(), slog.LevelDebug)
}
