package memguard_test

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/temirov/expkit/internal/memguard"
)

const (
	testGibibyteConstant         = 1 << 30
	testResultConstant           = "trained"
	testAllocationBytesConstant  = 64 << 20
	testPageSizeConstant         = 4096
	testGenerousLimitGiBConstant = 100.0
	testFunctionFailureMessage   = "training diverged"
	testPollIntervalConstant     = time.Millisecond
)

type scriptedSampler struct {
	samples []uint64
	calls   int
	failAt  int
	failure error
}

func (sampler *scriptedSampler) SampleBytes() (uint64, error) {
	sampler.calls++
	if sampler.failure != nil && sampler.calls == sampler.failAt {
		return 0, sampler.failure
	}
	sample := sampler.samples[(sampler.calls-1)%len(sampler.samples)]
	return sample, nil
}

type levelSampler struct {
	level atomic.Uint64
	calls atomic.Int64
}

func (sampler *levelSampler) SampleBytes() (uint64, error) {
	level := sampler.level.Load()
	sampler.calls.Add(1)
	return level, nil
}

type recordingObserver struct {
	deltas     []float64
	violations int
}

func (recorder *recordingObserver) ObserveMemoryDelta(deltaGiB float64) {
	recorder.deltas = append(recorder.deltas, deltaGiB)
}

func (recorder *recordingObserver) RecordViolation() {
	recorder.violations++
}

func TestWrapComparesGrowthWithLimit(testInstance *testing.T) {
	testCases := []struct {
		name          string
		limitGiB      float64
		beforeBytes   uint64
		afterBytes    uint64
		expectError   bool
		expectedDelta float64
	}{
		{name: "growth_above_zero_limit", limitGiB: 0, beforeBytes: testGibibyteConstant, afterBytes: 2 * testGibibyteConstant, expectError: true, expectedDelta: 1},
		{name: "growth_within_limit", limitGiB: testGenerousLimitGiBConstant, beforeBytes: testGibibyteConstant, afterBytes: 2 * testGibibyteConstant, expectedDelta: 1},
		{name: "growth_equal_to_limit", limitGiB: 1, beforeBytes: 0, afterBytes: testGibibyteConstant, expectedDelta: 1},
		{name: "shrinking_memory", limitGiB: 0, beforeBytes: 3 * testGibibyteConstant, afterBytes: testGibibyteConstant, expectedDelta: -2},
		{name: "fractional_limit", limitGiB: 0.25, beforeBytes: 0, afterBytes: testGibibyteConstant / 2, expectError: true, expectedDelta: 0.5},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			sampler := &scriptedSampler{samples: []uint64{testCase.beforeBytes, testCase.afterBytes}}
			recorder := &recordingObserver{}
			guard := memguard.NewGuard(testCase.limitGiB, memguard.WithSampler(sampler), memguard.WithObserver(recorder))

			guarded := memguard.Wrap(guard, func() (string, error) { return testResultConstant, nil })
			result, guardError := guarded()

			require.Equal(testInstance, []float64{testCase.expectedDelta}, recorder.deltas)
			if !testCase.expectError {
				require.NoError(testInstance, guardError)
				require.Equal(testInstance, testResultConstant, result)
				require.Zero(testInstance, recorder.violations)
				return
			}

			require.ErrorIs(testInstance, guardError, memguard.ErrMemoryLimitExceeded)
			require.Empty(testInstance, result)
			require.Equal(testInstance, 1, recorder.violations)

			var limitError *memguard.LimitExceededError
			require.ErrorAs(testInstance, guardError, &limitError)
			require.Equal(testInstance, testCase.limitGiB, limitError.LimitGiB)
			require.InDelta(testInstance, testCase.expectedDelta, limitError.UsedGiB, 1e-9)
		})
	}
}

func TestLimitExceededErrorInterpolatesUsage(testInstance *testing.T) {
	limitError := &memguard.LimitExceededError{LimitGiB: 0.5, UsedGiB: 1.25}
	require.Equal(testInstance, "memory usage exceeded limit of 0.5 GB (used: 1.250 GB)", limitError.Error())
	require.NotContains(testInstance, limitError.Error(), "{")
}

func TestCallPropagatesFunctionErrors(testInstance *testing.T) {
	sampler := &scriptedSampler{samples: []uint64{0, 10 * testGibibyteConstant}}
	guard := memguard.NewGuard(0, memguard.WithSampler(sampler))

	functionFailure := errors.New(testFunctionFailureMessage)
	callError := guard.Call(func() error { return functionFailure })

	require.ErrorIs(testInstance, callError, functionFailure)
	require.NotErrorIs(testInstance, callError, memguard.ErrMemoryLimitExceeded)
	require.Equal(testInstance, 1, sampler.calls)
}

func TestWrapPropagatesSamplerErrors(testInstance *testing.T) {
	samplerFailure := errors.New("procfs unavailable")
	testCases := []struct {
		name              string
		failAt            int
		expectFunctionRun bool
	}{
		{name: "before_call", failAt: 1, expectFunctionRun: false},
		{name: "after_call", failAt: 2, expectFunctionRun: true},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			sampler := &scriptedSampler{samples: []uint64{0}, failAt: testCase.failAt, failure: samplerFailure}
			guard := memguard.NewGuard(1, memguard.WithSampler(sampler))

			functionRan := false
			callError := guard.Call(func() error {
				functionRan = true
				return nil
			})
			require.ErrorIs(testInstance, callError, samplerFailure)
			require.Equal(testInstance, testCase.expectFunctionRun, functionRan)
		})
	}
}

func TestWrapValueLogsViolations(testInstance *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sampler := &scriptedSampler{samples: []uint64{0, 2 * testGibibyteConstant}}
	guard := memguard.NewGuard(1, memguard.WithSampler(sampler), memguard.WithLogger(zap.New(core)))

	guarded := memguard.WrapValue(guard, func() int { return 42 })
	result, guardError := guarded()
	require.ErrorIs(testInstance, guardError, memguard.ErrMemoryLimitExceeded)
	require.Zero(testInstance, result)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).AllUntimed()
	require.Len(testInstance, warnings, 1)
	require.Equal(testInstance, 2.0, warnings[0].ContextMap()["used_gib"])
	require.Equal(testInstance, 1.0, guard.LimitGiB())
}

func TestProcessResidentSamplerDetectsRetainedAllocation(testInstance *testing.T) {
	if runtime.GOOS != "linux" {
		testInstance.Skip("procfs is only available on linux")
	}

	allocate := func() ([]byte, error) {
		block := make([]byte, testAllocationBytesConstant)
		for byteIndex := 0; byteIndex < len(block); byteIndex += testPageSizeConstant {
			block[byteIndex] = 1
		}
		return block, nil
	}

	strictGuard := memguard.NewGuard(0)
	_, strictError := memguard.Wrap(strictGuard, allocate)()
	require.ErrorIs(testInstance, strictError, memguard.ErrMemoryLimitExceeded)

	generousGuard := memguard.NewGuard(testGenerousLimitGiBConstant)
	block, generousError := memguard.Wrap(generousGuard, allocate)()
	require.NoError(testInstance, generousError)
	require.Len(testInstance, block, testAllocationBytesConstant)
}

func TestWrapPollingCatchesTransientPeak(testInstance *testing.T) {
	testCases := []struct {
		name            string
		pollInterval    time.Duration
		expectViolation bool
		expectedDelta   float64
	}{
		{name: "before_and_after_only", pollInterval: 0, expectedDelta: 0},
		{name: "polling_sees_peak", pollInterval: testPollIntervalConstant, expectViolation: true, expectedDelta: 2},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			sampler := &levelSampler{}
			sampler.level.Store(testGibibyteConstant)
			recorder := &recordingObserver{}
			guard := memguard.NewGuard(
				1,
				memguard.WithSampler(sampler),
				memguard.WithObserver(recorder),
				memguard.WithPolling(testCase.pollInterval),
			)

			callError := guard.Call(func() error {
				sampler.level.Store(3 * testGibibyteConstant)
				if testCase.pollInterval > 0 {
					callsAtPeak := sampler.calls.Load()
					require.Eventually(testInstance, func() bool {
						return sampler.calls.Load() >= callsAtPeak+2
					}, 5*time.Second, testPollIntervalConstant)
				}
				sampler.level.Store(testGibibyteConstant)
				return nil
			})

			require.Equal(testInstance, []float64{testCase.expectedDelta}, recorder.deltas)
			if !testCase.expectViolation {
				require.NoError(testInstance, callError)
				return
			}
			require.ErrorIs(testInstance, callError, memguard.ErrMemoryLimitExceeded)
		})
	}
}

func TestWrapPollingPassesFunctionErrorsThrough(testInstance *testing.T) {
	sampler := &levelSampler{}
	guard := memguard.NewGuard(0, memguard.WithSampler(sampler), memguard.WithPolling(testPollIntervalConstant))

	functionFailure := errors.New(testFunctionFailureMessage)
	callError := guard.Call(func() error {
		sampler.level.Store(10 * testGibibyteConstant)
		return functionFailure
	})
	require.ErrorIs(testInstance, callError, functionFailure)
	require.NotErrorIs(testInstance, callError, memguard.ErrMemoryLimitExceeded)
}
