package seeding_test

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/temirov/expkit/internal/seeding"
)

const (
	testDrawCountConstant          = 32
	testCustomHashVariableConstant = "CUSTOMHASHSEED"
)

type recordingEnvironment struct {
	values  map[string]string
	failure error
}

func newRecordingEnvironment() *recordingEnvironment {
	return &recordingEnvironment{values: map[string]string{}}
}

func (environment *recordingEnvironment) Set(key string, value string) error {
	if environment.failure != nil {
		return environment.failure
	}
	environment.values[key] = value
	return nil
}

type drawSequence struct {
	integers []uint64
	floats   []float64
	normals  []float64
}

func drawFrom(generators *seeding.Generators) drawSequence {
	sequence := drawSequence{}
	for drawIndex := 0; drawIndex < testDrawCountConstant; drawIndex++ {
		sequence.integers = append(sequence.integers, generators.General.Uint64())
		sequence.floats = append(sequence.floats, generators.General.Float64())
	}
	sequence.normals = seeding.Sample(generators.Normal(0, 1), testDrawCountConstant)
	return sequence
}

func TestEssentialIsReproducible(testInstance *testing.T) {
	for _, seed := range []uint64{0, 1, 42, 4294967295} {
		environment := newRecordingEnvironment()
		seeder := seeding.NewSeeder(seeding.WithEnvironmentSetter(environment.Set))

		firstGenerators, firstError := seeder.Essential(seed)
		require.NoError(testInstance, firstError)
		secondGenerators, secondError := seeder.Essential(seed)
		require.NoError(testInstance, secondError)

		firstSequence := drawFrom(firstGenerators)
		secondSequence := drawFrom(secondGenerators)
		require.Equal(testInstance, firstSequence, secondSequence)
		require.Equal(testInstance, seed, firstGenerators.Seed())
	}
}

func TestEssentialDistinctSeedsDiverge(testInstance *testing.T) {
	seeder := seeding.NewSeeder(seeding.WithEnvironmentSetter(newRecordingEnvironment().Set))

	firstGenerators, firstError := seeder.Essential(1)
	require.NoError(testInstance, firstError)
	secondGenerators, secondError := seeder.Essential(2)
	require.NoError(testInstance, secondError)

	require.NotEqual(testInstance, drawFrom(firstGenerators), drawFrom(secondGenerators))
}

func TestGeneratorsReseedRestartsSequences(testInstance *testing.T) {
	generators := seeding.NewGenerators(7)
	initialSequence := drawFrom(generators)

	generators.Reseed(7)
	require.Equal(testInstance, initialSequence, drawFrom(generators))
}

func TestGeneralAndNumericStreamsAreIndependent(testInstance *testing.T) {
	generators := seeding.NewGenerators(11)
	require.NotEqual(testInstance, generators.General.Uint64(), generators.Numeric.Uint64())
}

func TestEssentialExportsHashSeed(testInstance *testing.T) {
	testCases := []struct {
		name             string
		options          []seeding.SeederOption
		expectedVariable string
	}{
		{name: "default_variable", expectedVariable: seeding.DefaultHashSeedVariable},
		{
			name:             "custom_variable",
			options:          []seeding.SeederOption{seeding.WithHashSeedVariable(testCustomHashVariableConstant)},
			expectedVariable: testCustomHashVariableConstant,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			environment := newRecordingEnvironment()
			options := append([]seeding.SeederOption{seeding.WithEnvironmentSetter(environment.Set)}, testCase.options...)
			seeder := seeding.NewSeeder(options...)

			_, seedError := seeder.Essential(1234)
			require.NoError(testInstance, seedError)

			expectedEnvironment := map[string]string{
				testCase.expectedVariable: "1234",
				seeding.SeedVariable:      "1234",
			}
			require.Equal(testInstance, expectedEnvironment, environment.values)
			require.Equal(testInstance, expectedEnvironment, seeder.ChildEnvironment())
			require.Equal(testInstance, testCase.expectedVariable, seeder.HashSeedVariable())
		})
	}
}

func TestEssentialUsesProcessEnvironmentByDefault(testInstance *testing.T) {
	testInstance.Setenv(seeding.DefaultHashSeedVariable, "")
	testInstance.Setenv(seeding.SeedVariable, "")

	_, seedError := seeding.NewSeeder().Essential(99)
	require.NoError(testInstance, seedError)
	require.Equal(testInstance, "99", os.Getenv(seeding.DefaultHashSeedVariable))
}

func TestEssentialRejectsOutOfRangeSeed(testInstance *testing.T) {
	environment := newRecordingEnvironment()
	seeder := seeding.NewSeeder(seeding.WithEnvironmentSetter(environment.Set))

	generators, seedError := seeder.Essential(1 << 32)
	require.ErrorIs(testInstance, seedError, seeding.ErrHashSeedOutOfRange)
	require.Nil(testInstance, generators)
	require.Empty(testInstance, environment.values)
}

func TestEssentialPropagatesEnvironmentFailures(testInstance *testing.T) {
	exportFailure := errors.New("read-only environment")
	environment := newRecordingEnvironment()
	environment.failure = exportFailure
	seeder := seeding.NewSeeder(seeding.WithEnvironmentSetter(environment.Set))

	_, seedError := seeder.Essential(5)
	require.ErrorIs(testInstance, seedError, exportFailure)
}

func TestExtendedSeedsTensorSourcesAndBackendFlags(testInstance *testing.T) {
	testCases := []struct {
		name    string
		backend seeding.BackendOptions
		flags   map[string]string
	}{
		{name: "defaults", backend: seeding.DefaultBackendOptions(), flags: map[string]string{seeding.DeterministicVariable: "0", seeding.BenchmarkVariable: "1"}},
		{name: "reproducible", backend: seeding.BackendOptions{Deterministic: true}, flags: map[string]string{seeding.DeterministicVariable: "1", seeding.BenchmarkVariable: "0"}},
		{name: "both", backend: seeding.BackendOptions{Deterministic: true, Benchmark: true}, flags: map[string]string{seeding.DeterministicVariable: "1", seeding.BenchmarkVariable: "1"}},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			environment := newRecordingEnvironment()
			core, logs := observer.New(zapcore.InfoLevel)
			seeder := seeding.NewSeeder(seeding.WithEnvironmentSetter(environment.Set), seeding.WithLogger(zap.New(core)))

			firstGenerators, firstError := seeder.Extended(3, testCase.backend)
			require.NoError(testInstance, firstError)
			secondGenerators, secondError := seeder.Extended(3, testCase.backend)
			require.NoError(testInstance, secondError)

			require.Equal(testInstance, testCase.backend, firstGenerators.Backend)
			require.Equal(testInstance, drawFrom(firstGenerators.Generators), drawFrom(secondGenerators.Generators))
			require.Equal(testInstance, firstGenerators.CPU.Uint64(), secondGenerators.CPU.Uint64())
			require.Equal(testInstance, firstGenerators.Accelerator.Uint64(), secondGenerators.Accelerator.Uint64())

			for flagName, flagValue := range testCase.flags {
				require.Equal(testInstance, flagValue, environment.values[flagName])
			}
			require.Equal(testInstance, "3", environment.values[seeding.DefaultHashSeedVariable])

			entries := logs.AllUntimed()
			require.Len(testInstance, entries, 2)
			require.Equal(testInstance, testCase.backend.Deterministic, entries[0].ContextMap()["deterministic"])
			require.Equal(testInstance, testCase.backend.Benchmark, entries[0].ContextMap()["benchmark"])
		})
	}
}

func TestExtendedReseedRestartsTensorSources(testInstance *testing.T) {
	generators := seeding.NewExtendedGenerators(8, seeding.DefaultBackendOptions())
	firstCPU := generators.CPU.Uint64()
	firstAccelerator := generators.Accelerator.Uint64()
	firstGeneral := generators.General.Uint64()

	generators.Reseed(8)
	require.Equal(testInstance, firstCPU, generators.CPU.Uint64())
	require.Equal(testInstance, firstAccelerator, generators.Accelerator.Uint64())
	require.Equal(testInstance, firstGeneral, generators.General.Uint64())
}
