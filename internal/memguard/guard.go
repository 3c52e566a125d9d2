package memguard

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	bytesPerGibibyteConstant            = 1 << 30
	sampleBeforeErrorTemplateConstant   = "unable to sample memory before call: %w"
	sampleAfterErrorTemplateConstant    = "unable to sample memory after call: %w"
	samplePeakErrorTemplateConstant     = "unable to sample memory during call: %w"
	memoryGrowthMeasuredMessageConstant = "Memory growth measured"
	memoryLimitExceededLogMessage       = "Memory growth exceeded limit"
	logFieldLimitGiBConstant            = "limit_gib"
	logFieldUsedGiBConstant             = "used_gib"
)

// Observer receives guard measurements.
type Observer interface {
	ObserveMemoryDelta(deltaGiB float64)
	RecordViolation()
}

// Option customizes a Guard.
type Option func(guard *Guard)

// WithSampler replaces the default ProcessResidentSampler.
func WithSampler(sampler Sampler) Option {
	return func(guard *Guard) {
		if sampler != nil {
			guard.sampler = sampler
		}
	}
}

// WithLogger records measurements and violations.
func WithLogger(logger *zap.Logger) Option {
	return func(guard *Guard) {
		if logger != nil {
			guard.logger = logger
		}
	}
}

// WithObserver reports measurements to the observer.
func WithObserver(observer Observer) Option {
	return func(guard *Guard) {
		guard.observer = observer
	}
}

// WithPolling samples memory every interval while the guarded call runs and compares the
// highest sample with the starting one. Without it the guard sees only the before/after delta.
// The sampler must be safe for concurrent use.
func WithPolling(interval time.Duration) Option {
	return func(guard *Guard) {
		guard.pollInterval = interval
	}
}

// Guard bounds the memory growth of guarded calls.
type Guard struct {
	limitGiB     float64
	sampler      Sampler
	logger       *zap.Logger
	observer     Observer
	pollInterval time.Duration
}

// NewGuard constructs a Guard allowing at most limitGiB of growth per call.
func NewGuard(limitGiB float64, options ...Option) *Guard {
	guard := &Guard{
		limitGiB: limitGiB,
		sampler:  ProcessResidentSampler{},
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(guard)
		}
	}
	return guard
}

// LimitGiB reports the configured limit.
func (guard *Guard) LimitGiB() float64 {
	return guard.limitGiB
}

// Call runs the function under the guard. An error returned by the function is passed through
// unchanged without checking the limit.
func (guard *Guard) Call(function func() error) error {
	_, callError := Wrap(guard, func() (struct{}, error) {
		return struct{}{}, function()
	})()
	return callError
}

// Wrap decorates the function so each invocation is bounded by the guard. On success the
// function's result is returned unchanged unless growth exceeded the limit, in which case
// a *LimitExceededError is returned with the zero value.
func Wrap[T any](guard *Guard, function func() (T, error)) func() (T, error) {
	return func() (T, error) {
		var zeroValue T

		beforeBytes, beforeError := guard.sampler.SampleBytes()
		if beforeError != nil {
			return zeroValue, fmt.Errorf(sampleBeforeErrorTemplateConstant, beforeError)
		}

		stopPolling := guard.startPolling()
		result, functionError := function()
		peakBytes, pollError := stopPolling()
		if functionError != nil {
			return result, functionError
		}
		if pollError != nil {
			return zeroValue, fmt.Errorf(samplePeakErrorTemplateConstant, pollError)
		}

		afterBytes, afterError := guard.sampler.SampleBytes()
		if afterError != nil {
			return zeroValue, fmt.Errorf(sampleAfterErrorTemplateConstant, afterError)
		}
		afterBytes = max(afterBytes, peakBytes)

		if limitError := guard.check(beforeBytes, afterBytes); limitError != nil {
			return zeroValue, limitError
		}
		return result, nil
	}
}

// WrapValue decorates a function that cannot fail.
func WrapValue[T any](guard *Guard, function func() T) func() (T, error) {
	return Wrap(guard, func() (T, error) {
		return function(), nil
	})
}

// startPolling samples in the background until the returned function is called, which
// reports the highest sample and the first sampling error.
func (guard *Guard) startPolling() func() (uint64, error) {
	if guard.pollInterval <= 0 {
		return func() (uint64, error) { return 0, nil }
	}

	stop := make(chan struct{})
	finished := make(chan struct{})
	var peakBytes uint64
	var pollError error

	go func() {
		defer close(finished)
		ticker := time.NewTicker(guard.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sampledBytes, sampleError := guard.sampler.SampleBytes()
				if sampleError != nil {
					pollError = sampleError
					return
				}
				peakBytes = max(peakBytes, sampledBytes)
			}
		}
	}()

	return func() (uint64, error) {
		close(stop)
		<-finished
		return peakBytes, pollError
	}
}

func (guard *Guard) check(beforeBytes uint64, afterBytes uint64) error {
	deltaGiB := (float64(afterBytes) - float64(beforeBytes)) / bytesPerGibibyteConstant

	if guard.observer != nil {
		guard.observer.ObserveMemoryDelta(deltaGiB)
	}
	guard.logger.Debug(
		memoryGrowthMeasuredMessageConstant,
		zap.Float64(logFieldUsedGiBConstant, deltaGiB),
		zap.Float64(logFieldLimitGiBConstant, guard.limitGiB),
	)

	if deltaGiB <= guard.limitGiB {
		return nil
	}

	if guard.observer != nil {
		guard.observer.RecordViolation()
	}
	guard.logger.Warn(
		memoryLimitExceededLogMessage,
		zap.Float64(logFieldUsedGiBConstant, deltaGiB),
		zap.Float64(logFieldLimitGiBConstant, guard.limitGiB),
	)
	return &LimitExceededError{LimitGiB: guard.limitGiB, UsedGiB: deltaGiB}
}
