package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"github.com/rs/zerolog"
)

var log = &zeroLogger{zl: zerolog.Nop()}

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Options controls where and how log lines are written.
type Options struct {
	Level     LogLevel
	IsService bool
	// AuditFile, when set, receives every line as timestamped JSON in
	// addition to the console.
	AuditFile string
}

type zeroLogger struct {
	zl zerolog.Logger
}

// Init initializes the package logger. The returned closer releases the
// audit file, if any.
func Init(opts Options) (io.Closer, error) {
	l, closer, err := build(os.Stdout, opts)
	if err != nil {
		return nil, err
	}
	log = l
	SetLogLevel(opts.Level)

	return closer, nil
}

func build(out io.Writer, opts Options) (*zeroLogger, io.Closer, error) {
	console := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if opts.IsService {
		console.TimeFormat = ""
		console.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	var (
		writer io.Writer = console
		closer io.Closer = nopCloser{}
	)

	if opts.AuditFile != "" {
		f, err := os.OpenFile(opts.AuditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.New().Wrap(errors.ErrOpenLogFile, err)
		}
		writer = zerolog.MultiLevelWriter(console, f)
		closer = f
	}

	zerolog.TimeFieldFormat = "2006-01-02 15:04:05.000000"

	return &zeroLogger{zl: zerolog.New(writer).With().Timestamp().Logger()}, closer, nil
}

// New returns a logger writing JSON lines to w. Intended for tests and
// embedding; the global level still applies.
func New(w io.Writer) Logger {
	return &zeroLogger{zl: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

// Default returns the package logger configured by Init.
func Default() Logger {
	return log
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// ParseLevel maps a configured level name to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, s)
	}
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

func (l *zeroLogger) Debug() *LogEvent {
	return &LogEvent{l.zl.Debug()}
}

func (l *zeroLogger) Info() *LogEvent {
	return &LogEvent{l.zl.Info()}
}

func (l *zeroLogger) Warn() *LogEvent {
	return &LogEvent{l.zl.Warn()}
}

func (l *zeroLogger) Error() *LogEvent {
	return &LogEvent{l.zl.Error()}
}

func (l *zeroLogger) ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{l.zl.Error().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

func (l *zeroLogger) With(component string) Logger {
	return &zeroLogger{zl: l.zl.With().Str("component", component).Logger()}
}

// Debug logs a debug message
func Debug() *LogEvent {
	return log.Debug()
}

// Info logs an info message
func Info() *LogEvent {
	return log.Info()
}

// Warn logs a warning message
func Warn() *LogEvent {
	return log.Warn()
}

// Error logs an error message
func Error() *LogEvent {
	return log.Error()
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return log.ErrorWithCode(err)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
