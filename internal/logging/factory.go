package logging

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	logLevelDebugStringConstant          = "debug"
	logLevelInfoStringConstant           = "info"
	logLevelWarnStringConstant           = "warn"
	logLevelErrorStringConstant          = "error"
	logFormatStructuredStringConstant    = "structured"
	logFormatConsoleStringConstant       = "console"
	jsonZapEncodingStringConstant        = "json"
	consoleZapEncodingStringConstant     = "console"
	unsupportedLogLevelTemplateConstant  = "unsupported log level: %s"
	unsupportedLogFormatTemplateConstant = "unsupported log format: %s"
)

// LogLevel enumerates supported logging granularities.
type LogLevel string

// Exported log level constants for reuse across packages.
const (
	LogLevelDebug LogLevel = LogLevel(logLevelDebugStringConstant)
	LogLevelInfo  LogLevel = LogLevel(logLevelInfoStringConstant)
	LogLevelWarn  LogLevel = LogLevel(logLevelWarnStringConstant)
	LogLevelError LogLevel = LogLevel(logLevelErrorStringConstant)
)

// LogFormat enumerates supported diagnostic logger encodings.
type LogFormat string

// Exported log format constants for reuse across packages.
const (
	LogFormatStructured LogFormat = LogFormat(logFormatStructuredStringConstant)
	LogFormatConsole    LogFormat = LogFormat(logFormatConsoleStringConstant)
)

var logLevelMapping = map[LogLevel]zapcore.Level{
	LogLevelDebug: zapcore.DebugLevel,
	LogLevelInfo:  zapcore.InfoLevel,
	LogLevelWarn:  zapcore.WarnLevel,
	LogLevelError: zapcore.ErrorLevel,
}

var logFormatEncodingMapping = map[LogFormat]string{
	LogFormatStructured: jsonZapEncodingStringConstant,
	LogFormatConsole:    consoleZapEncodingStringConstant,
}

// UnmarshalText normalizes and validates a textual log level.
func (level *LogLevel) UnmarshalText(text []byte) error {
	candidate := LogLevel(strings.ToLower(strings.TrimSpace(string(text))))
	if _, supported := logLevelMapping[candidate]; !supported {
		return fmt.Errorf(unsupportedLogLevelTemplateConstant, string(text))
	}
	*level = candidate
	return nil
}

// ZapLevel resolves the zap level for the log level.
func (level LogLevel) ZapLevel() (zapcore.Level, error) {
	zapLevel, supported := logLevelMapping[level]
	if !supported {
		return zapcore.InfoLevel, fmt.Errorf(unsupportedLogLevelTemplateConstant, level)
	}
	return zapLevel, nil
}

// UnmarshalText normalizes and validates a textual log format.
func (format *LogFormat) UnmarshalText(text []byte) error {
	candidate := LogFormat(strings.ToLower(strings.TrimSpace(string(text))))
	if _, supported := logFormatEncodingMapping[candidate]; !supported {
		return fmt.Errorf(unsupportedLogFormatTemplateConstant, string(text))
	}
	*format = candidate
	return nil
}

// Factory builds diagnostic zap.Logger instances with consistent configuration.
type Factory struct{}

// NewFactory constructs a new logger factory.
func NewFactory() *Factory {
	return &Factory{}
}

// CreateLogger produces a zap.Logger writing to standard error with the requested level and format.
func (factory *Factory) CreateLogger(requestedLogLevel LogLevel, requestedLogFormat LogFormat) (*zap.Logger, error) {
	zapLogLevel, levelError := requestedLogLevel.ZapLevel()
	if levelError != nil {
		return nil, levelError
	}

	encoding, formatExists := logFormatEncodingMapping[requestedLogFormat]
	if !formatExists {
		return nil, fmt.Errorf(unsupportedLogFormatTemplateConstant, requestedLogFormat)
	}

	configuration := zap.NewProductionConfig()
	configuration.Level = zap.NewAtomicLevelAt(zapLogLevel)
	configuration.Encoding = encoding
	if requestedLogFormat == LogFormatConsole {
		configuration.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	logger, buildError := configuration.Build()
	if buildError != nil {
		return nil, buildError
	}

	return logger, nil
}

// SyncLogger flushes the logger, ignoring the errors terminals and pipes report for fsync.
func SyncLogger(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}

	syncError := logger.Sync()
	switch {
	case syncError == nil:
		return nil
	case errors.Is(syncError, syscall.ENOTSUP):
		return nil
	case errors.Is(syncError, syscall.EINVAL):
		return nil
	case errors.Is(syncError, syscall.ENOTTY):
		return nil
	default:
		return syncError
	}
}
