package logging

import (
	"io"
	"sync"

	"go.uber.org/zap/zapcore"
)

// consoleSink serializes writes to a console writer and flushes buffered writers after each line,
// so log lines interleave correctly with other console output.
type consoleSink struct {
	writer io.Writer
	mutex  sync.Mutex
}

func newConsoleSink(writer io.Writer) zapcore.WriteSyncer {
	if syncer, isSyncer := writer.(*consoleSink); isSyncer {
		return syncer
	}
	return &consoleSink{writer: writer}
}

// Write delegates to the underlying writer and flushes it when possible.
func (sink *consoleSink) Write(data []byte) (int, error) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()

	bytesWritten, writeError := sink.writer.Write(data)
	if writeError != nil {
		return bytesWritten, writeError
	}

	if flushableWriter, implementsFlush := sink.writer.(interface{ Flush() error }); implementsFlush {
		if flushError := flushableWriter.Flush(); flushError != nil {
			return bytesWritten, flushError
		}
	}

	return bytesWritten, nil
}

// Sync forwards to the writer when it supports syncing.
func (sink *consoleSink) Sync() error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()

	if syncableWriter, implementsSync := sink.writer.(interface{ Sync() error }); implementsSync {
		return syncableWriter.Sync()
	}
	return nil
}
