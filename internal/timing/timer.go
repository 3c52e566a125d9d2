package timing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	startMessageTemplateConstant  = "[%s] start..."
	doneMessageTemplateConstant   = "[%s] done in %.0f s"
	failedMessageTemplateConstant = "[%s] failed after %.0f s"
	panicFailureTemplateConstant  = "panic: %v"
	abortedMessageConstant        = "aborted before returning"
	logFieldLabelConstant         = "label"
	logFieldElapsedConstant       = "elapsed"
)

// ErrAborted is reported when the measured function exits through runtime.Goexit.
var ErrAborted = errors.New(abortedMessageConstant)

// Clock supplies the current time.
type Clock func() time.Time

// DurationObserver receives the measured duration of every completed scope.
type DurationObserver interface {
	ObserveDuration(label string, elapsed time.Duration)
}

// Option customizes a Timer.
type Option func(timer *Timer)

// WithLogger routes timer messages to the provided logger at info level.
func WithLogger(logger *zap.Logger) Option {
	return func(timer *Timer) {
		timer.logger = logger
	}
}

// WithOutput sets the writer used when no logger is configured.
func WithOutput(writer io.Writer) Option {
	return func(timer *Timer) {
		if writer != nil {
			timer.output = writer
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(timer *Timer) {
		if clock != nil {
			timer.clock = clock
		}
	}
}

// WithObserver registers an observer notified with each measured duration.
func WithObserver(observer DurationObserver) Option {
	return func(timer *Timer) {
		timer.observer = observer
	}
}

// Timer reports the elapsed wall-clock time of labelled units of work.
type Timer struct {
	label    string
	logger   *zap.Logger
	output   io.Writer
	clock    Clock
	observer DurationObserver
}

// NewTimer constructs a Timer for the label. Without a logger, messages are written to standard output.
func NewTimer(label string, options ...Option) *Timer {
	timer := &Timer{
		label:  label,
		output: os.Stdout,
		clock:  time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(timer)
		}
	}
	return timer
}

// Label returns the label used in emitted messages.
func (timer *Timer) Label() string {
	return timer.label
}

// Start records the start time, emits the start message, and returns the running stopwatch.
func (timer *Timer) Start() *Stopwatch {
	stopwatch := &Stopwatch{timer: timer, startedAt: timer.clock()}
	timer.emitInfo(fmt.Sprintf(startMessageTemplateConstant, timer.label))
	return stopwatch
}

// Measure runs the function inside a timed scope. The end message is emitted on every exit path:
// a done line on success, a failure line when the function returns an error or panics.
// Errors are returned unchanged and panics are re-raised.
func (timer *Timer) Measure(function func() error) error {
	stopwatch := timer.Start()
	completed := false
	defer func() {
		if completed {
			return
		}
		recovered := recover()
		if recovered == nil {
			stopwatch.Fail(ErrAborted)
			return
		}
		stopwatch.Fail(fmt.Errorf(panicFailureTemplateConstant, recovered))
		panic(recovered)
	}()

	functionError := function()
	completed = true
	if functionError != nil {
		stopwatch.Fail(functionError)
		return functionError
	}

	stopwatch.Stop()
	return nil
}

// Time measures the function with a timer bound to the optional logger.
func Time(label string, logger *zap.Logger, function func() error) error {
	return NewTimer(label, WithLogger(logger)).Measure(function)
}

func (timer *Timer) emitInfo(message string, fields ...zap.Field) {
	if timer.logger != nil {
		timer.logger.Info(message, fields...)
		return
	}
	fmt.Fprintln(timer.output, message)
}

func (timer *Timer) emitError(message string, fields ...zap.Field) {
	if timer.logger != nil {
		timer.logger.Error(message, fields...)
		return
	}
	fmt.Fprintln(timer.output, message)
}

// Stopwatch is a running measurement started by Timer.Start.
type Stopwatch struct {
	timer     *Timer
	startedAt time.Time
	once      sync.Once
	elapsed   time.Duration
}

// StartedAt reports when the measurement began.
func (stopwatch *Stopwatch) StartedAt() time.Time {
	return stopwatch.startedAt
}

// Elapsed reports the time since the measurement began without finishing it.
func (stopwatch *Stopwatch) Elapsed() time.Duration {
	return stopwatch.timer.clock().Sub(stopwatch.startedAt)
}

// Stop finishes the measurement and emits the done message. Only the first Stop or Fail emits.
func (stopwatch *Stopwatch) Stop() time.Duration {
	stopwatch.once.Do(func() {
		stopwatch.elapsed = stopwatch.Elapsed()
		stopwatch.timer.emitInfo(
			fmt.Sprintf(doneMessageTemplateConstant, stopwatch.timer.label, stopwatch.elapsed.Seconds()),
		)
		stopwatch.notify()
	})
	return stopwatch.elapsed
}

// Fail finishes the measurement and emits the failure message.
func (stopwatch *Stopwatch) Fail(failure error) time.Duration {
	stopwatch.once.Do(func() {
		stopwatch.elapsed = stopwatch.Elapsed()
		stopwatch.timer.emitError(
			fmt.Sprintf(failedMessageTemplateConstant, stopwatch.timer.label, stopwatch.elapsed.Seconds()),
			zap.String(logFieldLabelConstant, stopwatch.timer.label),
			zap.Duration(logFieldElapsedConstant, stopwatch.elapsed),
			zap.Error(failure),
		)
		stopwatch.notify()
	})
	return stopwatch.elapsed
}

func (stopwatch *Stopwatch) notify() {
	if stopwatch.timer.observer == nil {
		return
	}
	stopwatch.timer.observer.ObserveDuration(stopwatch.timer.label, stopwatch.elapsed)
}
