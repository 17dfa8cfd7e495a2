package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger = zerolog.Nop()
)

// Options configures log output. Writer defaults to stdout; File adds a
// rotating log file.
type Options struct {
	Writer     io.Writer
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init initializes the global logger
func Init(level string) {
	InitWithOptions(level, Options{})
}

// InitWithOptions initializes the global logger, additionally writing to a
// rotating file when opts.File is set.
func InitWithOptions(level string, opts Options) {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Configure output
	var output io.Writer = os.Stdout
	if opts.Writer != nil {
		output = opts.Writer
	}

	// Pretty console logging in development
	if os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	if opts.File != "" {
		output = zerolog.MultiLevelWriter(output, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
	}

	// Create logger with context
	Logger = New(output)

	Logger.Info().
		Str("level", logLevel.String()).
		Str("file", opts.File).
		Msg("logger initialized")
}

// New builds a logger with the standard fields on w.
func New(w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("request_id", requestID).Logger()
}

// WithRule returns a logger with a rule field
func WithRule(rule string) zerolog.Logger {
	return Logger.With().Str("rule", rule).Logger()
}
