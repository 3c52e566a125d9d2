package logging

import (
	"go.uber.org/zap/zapcore"
)

const (
	lineSeparatorConstant     = " "
	lineTimeKeyConstant       = "time"
	lineLevelKeyConstant      = "level"
	lineMessageKeyConstant    = "message"
	levelOpenBracketConstant  = "["
	levelCloseBracketConstant = "]"
)

// bracketedLevelEncoder renders levels as "[INFO]".
func bracketedLevelEncoder(level zapcore.Level, encoder zapcore.PrimitiveArrayEncoder) {
	encoder.AppendString(levelOpenBracketConstant + level.CapitalString() + levelCloseBracketConstant)
}

// newLineEncoder builds the "<timestamp> [<LEVEL>] <message>" encoder shared by file and console sinks.
// Structured fields, when present, follow the message as a JSON object.
func newLineEncoder(timeEncoder zapcore.TimeEncoder) zapcore.Encoder {
	encoderConfiguration := zapcore.EncoderConfig{
		TimeKey:          lineTimeKeyConstant,
		LevelKey:         lineLevelKeyConstant,
		MessageKey:       lineMessageKeyConstant,
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       timeEncoder,
		EncodeLevel:      bracketedLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: lineSeparatorConstant,
	}
	return zapcore.NewConsoleEncoder(encoderConfiguration)
}
