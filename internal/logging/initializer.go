package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	logDirectoryPermissionsConstant         = 0o755
	logFilePermissionsConstant              = 0o644
	currentDirectoryConstant                = "."
	logFileResolveErrorTemplateConstant     = "unable to resolve log file path %q: %w"
	logDirectoryCreateErrorTemplateConstant = "unable to create log directory %q: %w"
	logFileOpenErrorTemplateConstant        = "unable to open log file %q: %w"
	logFileCloseErrorTemplateConstant       = "unable to close log file %q: %w"
	emptyLogFilePathMessageConstant         = "log file path is empty"
	timestampStyleConflictMessageConstant   = "log file is already set up with a different timestamp style"
	timestampStyleConflictTemplateConstant  = "%w: %q"
)

// ErrEmptyLogFilePath indicates Setup was called without a log file path.
var ErrEmptyLogFilePath = errors.New(emptyLogFilePathMessageConstant)

// ErrTimestampStyleConflict indicates a repeated Setup for a log file with a different localized flag.
var ErrTimestampStyleConflict = errors.New(timestampStyleConflictMessageConstant)

// InitializerOption customizes an Initializer.
type InitializerOption func(initializer *Initializer)

// WithConsoleWriter replaces the console sink, which defaults to standard error.
func WithConsoleWriter(writer io.Writer) InitializerOption {
	return func(initializer *Initializer) {
		if writer != nil {
			initializer.consoleWriter = writer
		}
	}
}

// WithLocation overrides the zone used for localized timestamps.
func WithLocation(location *time.Location) InitializerOption {
	return func(initializer *Initializer) {
		initializer.location = location
	}
}

// WithLocalizedLayout overrides the layout used for localized timestamps.
func WithLocalizedLayout(layout string) InitializerOption {
	return func(initializer *Initializer) {
		initializer.localizedLayout = layout
	}
}

// WithMinimumLevel overrides the severity threshold, which defaults to info.
func WithMinimumLevel(level zapcore.Level) InitializerOption {
	return func(initializer *Initializer) {
		initializer.minimumLevel = level
	}
}

type fileSink struct {
	path      string
	file      *os.File
	logger    *zap.Logger
	localized bool
}

// Initializer configures experiment loggers that write to a log file and to the console.
// A logger is built once per log file; repeated Setup calls for the same file return it
// instead of attaching duplicate sinks, and fail when they ask for the other timestamp style.
type Initializer struct {
	mutex           sync.Mutex
	consoleWriter   io.Writer
	location        *time.Location
	localizedLayout string
	minimumLevel    zapcore.Level
	sinks           map[string]*fileSink
}

// NewInitializer constructs an Initializer.
func NewInitializer(options ...InitializerOption) *Initializer {
	initializer := &Initializer{
		consoleWriter:   os.Stderr,
		localizedLayout: DefaultLocalizedLayout,
		minimumLevel:    zapcore.InfoLevel,
		sinks:           make(map[string]*fileSink),
	}
	for _, option := range options {
		if option != nil {
			option(initializer)
		}
	}
	return initializer
}

// Setup creates the parent directories of logFilePath, opens it for appending, and returns a
// logger writing "<timestamp> [<LEVEL>] <message>" lines to both the file and the console.
// When localized is true, timestamps are rendered in the configured zone (Asia/Tokyo by default).
func (initializer *Initializer) Setup(logFilePath string, localized bool) (*zap.Logger, error) {
	if len(logFilePath) == 0 {
		return nil, ErrEmptyLogFilePath
	}

	absoluteLogFilePath, resolveError := filepath.Abs(logFilePath)
	if resolveError != nil {
		return nil, fmt.Errorf(logFileResolveErrorTemplateConstant, logFilePath, resolveError)
	}

	initializer.mutex.Lock()
	defer initializer.mutex.Unlock()

	if existingSink, exists := initializer.sinks[absoluteLogFilePath]; exists {
		if existingSink.localized != localized {
			return nil, fmt.Errorf(timestampStyleConflictTemplateConstant, ErrTimestampStyleConflict, logFilePath)
		}
		return existingSink.logger, nil
	}

	logDirectory := filepath.Dir(logFilePath)
	if len(logDirectory) > 0 && logDirectory != currentDirectoryConstant {
		if createError := os.MkdirAll(logDirectory, logDirectoryPermissionsConstant); createError != nil {
			return nil, fmt.Errorf(logDirectoryCreateErrorTemplateConstant, logDirectory, createError)
		}
	}

	timeEncoder, encoderError := initializer.timeEncoder(localized)
	if encoderError != nil {
		return nil, encoderError
	}

	logFile, openError := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissionsConstant)
	if openError != nil {
		return nil, fmt.Errorf(logFileOpenErrorTemplateConstant, logFilePath, openError)
	}

	lineEncoder := newLineEncoder(timeEncoder)
	core := zapcore.NewTee(
		zapcore.NewCore(lineEncoder, zapcore.AddSync(logFile), initializer.minimumLevel),
		zapcore.NewCore(lineEncoder.Clone(), newConsoleSink(initializer.consoleWriter), initializer.minimumLevel),
	)
	logger := zap.New(core)

	initializer.sinks[absoluteLogFilePath] = &fileSink{path: logFilePath, file: logFile, logger: logger, localized: localized}

	return logger, nil
}

// ReplaceGlobals installs the logger as zap's process-wide default and returns a function restoring the previous one.
func (initializer *Initializer) ReplaceGlobals(logger *zap.Logger) func() {
	if logger == nil {
		return func() {}
	}
	return zap.ReplaceGlobals(logger)
}

// Close flushes every logger created by Setup and closes the underlying log files.
func (initializer *Initializer) Close() error {
	initializer.mutex.Lock()
	defer initializer.mutex.Unlock()

	var closeErrors []error
	for sinkKey, sink := range initializer.sinks {
		if syncError := SyncLogger(sink.logger); syncError != nil {
			closeErrors = append(closeErrors, syncError)
		}
		if closeError := sink.file.Close(); closeError != nil {
			closeErrors = append(closeErrors, fmt.Errorf(logFileCloseErrorTemplateConstant, sink.path, closeError))
		}
		delete(initializer.sinks, sinkKey)
	}

	return errors.Join(closeErrors...)
}

func (initializer *Initializer) timeEncoder(localized bool) (zapcore.TimeEncoder, error) {
	if !localized {
		return NewLocalTimeEncoder(), nil
	}

	location := initializer.location
	if location == nil {
		tokyoLocation, loadError := TokyoLocation()
		if loadError != nil {
			return nil, loadError
		}
		location = tokyoLocation
	}

	return NewLocalizedTimeEncoder(location, initializer.localizedLayout), nil
}
