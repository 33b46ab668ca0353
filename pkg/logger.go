package pkg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

type ctxKey string

// Context keys read by Logger.WithContext
const (
	RequestIDKey ctxKey = "request_id"
	CommandKey   ctxKey = "command"
)

// sync.Once for setting zerolog global state (to prevent data races)
var timeFormatOnce sync.Once

// Logger wraps zerolog with additional functionality
type Logger struct {
	*zerolog.Logger
	config  *Config
	closers []io.Closer
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format"`

	// Console output settings
	Console ConsoleConfig `json:"console" yaml:"console"`

	// File output settings
	File FileConfig `json:"file" yaml:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// AsyncWrite uses a diode writer so a slow sink never stalls the event loop
	AsyncWrite bool `json:"async_write" yaml:"async_write"`

	// BufferSize for async writer (in messages)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable  bool `json:"enable" yaml:"enable"`
	NoColor bool `json:"no_color" yaml:"no_color"`

	// TimeFormat for console output
	TimeFormat string `json:"time_format" yaml:"time_format"`

	// Output target (stdout, stderr)
	Output string `json:"output" yaml:"output"`

	// Writer overrides Output, used by tests
	Writer io.Writer `json:"-" yaml:"-"`
}

// FileConfig for file output
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"` // megabytes
	MaxAge     int    `json:"max_age" yaml:"max_age"`   // days
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "console",
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stderr",
		},
		File: FileConfig{
			Path:       "gusearch.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Fields:     make(Fields),
		BufferSize: 10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	var (
		writers []io.Writer
		closers []io.Closer
	)

	if config.Console.Enable {
		output := config.Console.Writer
		if output == nil {
			switch config.Console.Output {
			case "stdout":
				output = os.Stdout
			default:
				output = os.Stderr
			}
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, errors.New("file output requires a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  true,
			Compress:   config.File.Compress,
		}
		writers = append(writers, fileWriter)
		closers = append(closers, fileWriter)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		// the diode must flush before the file underneath it closes
		closers = append([]io.Closer{dw}, closers...)
	}

	timeFormatOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		zctx = zctx.Caller()
	}
	for k, v := range config.Fields {
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	return &Logger{Logger: &zl, config: config, closers: closers}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, config: DefaultConfig()}
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	zctx := l.Logger.With()
	for k, v := range fields {
		zctx = zctx.Interface(k, v)
	}
	zl := zctx.Logger()
	return &Logger{Logger: &zl, config: l.config}
}

// WithContext creates a logger carrying the request scoped values of ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	zctx := l.Logger.With()
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		zctx = zctx.Str(string(RequestIDKey), fmt.Sprint(reqID))
	}
	if cmd := ctx.Value(CommandKey); cmd != nil {
		zctx = zctx.Str(string(CommandKey), fmt.Sprint(cmd))
	}
	zl := zctx.Logger()
	return &Logger{Logger: &zl, config: l.config}
}

// WithError creates a new logger with error details added
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	zl := l.Logger.With().
		Str("error", err.Error()).
		Str("error_type", fmt.Sprintf("%T", err)).
		Logger()
	return &Logger{Logger: &zl, config: l.config}
}

// UpdateLevel updates the log level of this logger
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zl := l.Logger.Level(lvl)
	l.Logger = &zl
	return nil
}

// Close flushes the async writer and closes file outputs. Child loggers share
// the parent's writers and are not closed separately.
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}
