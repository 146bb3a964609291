package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a structured JSON logger for a component.
// Level comes from STAKE_LOG_LEVEL (default info). When STAKE_LOG_FILE is
// set, output also goes to that file with size-based rotation.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("STAKE_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logOutput()).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

var fileSink io.Writer

func logOutput() io.Writer {
	path := os.Getenv("STAKE_LOG_FILE")
	if path == "" {
		return os.Stdout
	}
	if fileSink == nil {
		fileSink = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return zerolog.MultiLevelWriter(os.Stdout, fileSink)
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
