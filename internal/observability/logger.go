// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by the command layer. It is a no-op until
// InitCLILogger or Configure runs.
var CLILogger = zap.NewNop()

var mu sync.Mutex

// Options configure the CLI logger.
type Options struct {
	// Name is attached to every entry as the "service" field.
	Name string

	// Level is a zap level name (debug, info, warn, error). Empty means info.
	Level string

	// Verbose forces debug level.
	Verbose bool

	// File, when set, receives a copy of every entry through a rotating writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Output replaces stderr (tests).
	Output io.Writer
}

// InitCLILogger installs a JSON logger on stderr.
func InitCLILogger(name string, verbose bool) {
	// Options without a file and with a known level cannot fail.
	_ = Configure(Options{Name: name, Verbose: verbose})
}

// Configure builds a logger from opts and installs it as CLILogger.
func Configure(opts Options) error {
	logger, err := New(opts)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	CLILogger = logger
	return nil
}

// New builds a logger from opts without installing it.
func New(opts Options) (*zap.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(out)), level),
	}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    defaultInt(opts.MaxSizeMB, 50),
			MaxBackups: defaultInt(opts.MaxBackups, 5),
			MaxAge:     defaultInt(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder.Clone(), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if opts.Name != "" {
		logger = logger.With(zap.String("service", opts.Name))
	}
	return logger, nil
}

// Sync flushes the CLI logger.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
}

func parseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
