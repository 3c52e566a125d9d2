package seeding

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultHashSeedVariable is exported so spawned Python interpreters hash deterministically.
	DefaultHashSeedVariable = "PYTHONHASHSEED"
	// SeedVariable carries the seed itself to spawned processes.
	SeedVariable            = "EXPKIT_SEED"
	// DeterministicVariable tells spawned processes whether reproducible kernels were requested.
	DeterministicVariable   = "EXPKIT_DETERMINISTIC"
	// BenchmarkVariable tells spawned processes whether kernel auto-tuning was requested.
	BenchmarkVariable       = "EXPKIT_BENCHMARK"

	maximumHashSeedConstant                = math.MaxUint32
	environmentTrueConstant                = "1"
	environmentFalseConstant               = "0"
	environmentExportErrorTemplateConstant = "unable to export %s: %w"
	hashSeedOutOfRangeTemplateConstant     = "%w: %d exceeds %d"
	hashSeedOutOfRangeMessageConstant      = "hash seed out of range"
	seededEssentialMessageConstant         = "Seeded generators"
	seededExtendedMessageConstant          = "Seeded generators and tensor sources"
	logFieldSeedConstant                   = "seed"
	logFieldHashSeedVariableConstant       = "hash_seed_variable"
	logFieldDeterministicConstant          = "deterministic"
	logFieldBenchmarkConstant              = "benchmark"
)

// ErrHashSeedOutOfRange reports a seed that the hash-seed variable cannot carry.
var ErrHashSeedOutOfRange = errors.New(hashSeedOutOfRangeMessageConstant)

// EnvironmentSetter exports one environment variable.
type EnvironmentSetter func(key string, value string) error

// SeederOption customizes a Seeder.
type SeederOption func(seeder *Seeder)

// WithEnvironmentSetter replaces os.Setenv.
func WithEnvironmentSetter(setter EnvironmentSetter) SeederOption {
	return func(seeder *Seeder) {
		if setter != nil {
			seeder.setEnvironment = setter
		}
	}
}

// WithHashSeedVariable overrides the hash-seed variable name.
func WithHashSeedVariable(variableName string) SeederOption {
	return func(seeder *Seeder) {
		trimmedName := strings.TrimSpace(variableName)
		if len(trimmedName) > 0 {
			seeder.hashSeedVariable = trimmedName
		}
	}
}

// WithLogger records seeding events.
func WithLogger(logger *zap.Logger) SeederOption {
	return func(seeder *Seeder) {
		if logger != nil {
			seeder.logger = logger
		}
	}
}

// Seeder fixes generator state and exports seed-related variables for child processes.
type Seeder struct {
	mutex            sync.Mutex
	setEnvironment   EnvironmentSetter
	hashSeedVariable string
	logger           *zap.Logger
	exported         map[string]string
}

// NewSeeder constructs a Seeder exporting through os.Setenv.
func NewSeeder(options ...SeederOption) *Seeder {
	seeder := &Seeder{
		setEnvironment:   os.Setenv,
		hashSeedVariable: DefaultHashSeedVariable,
		logger:           zap.NewNop(),
		exported:         make(map[string]string),
	}
	for _, option := range options {
		if option != nil {
			option(seeder)
		}
	}
	return seeder
}

// HashSeedVariable reports the variable the seed is exported under.
func (seeder *Seeder) HashSeedVariable() string {
	return seeder.hashSeedVariable
}

// Essential seeds the general and numeric generators and exports the hash seed.
// The hash seed only influences processes started afterwards; hashing in the
// current process is not affected. Calling Essential again with the same seed
// yields generators producing the same sequences.
func (seeder *Seeder) Essential(seed uint64) (*Generators, error) {
	if exportError := seeder.exportSeed(seed); exportError != nil {
		return nil, exportError
	}

	seeder.logger.Info(
		seededEssentialMessageConstant,
		zap.Uint64(logFieldSeedConstant, seed),
		zap.String(logFieldHashSeedVariableConstant, seeder.hashSeedVariable),
	)

	return NewGenerators(seed), nil
}

// Extended performs Essential and additionally seeds the tensor CPU and accelerator sources
// and records the backend options. Deterministic and Benchmark are applied independently as given.
func (seeder *Seeder) Extended(seed uint64, backend BackendOptions) (*ExtendedGenerators, error) {
	if exportError := seeder.exportSeed(seed); exportError != nil {
		return nil, exportError
	}

	backendVariables := map[string]string{
		DeterministicVariable: environmentFlag(backend.Deterministic),
		BenchmarkVariable:     environmentFlag(backend.Benchmark),
	}
	for variableName, variableValue := range backendVariables {
		if exportError := seeder.export(variableName, variableValue); exportError != nil {
			return nil, exportError
		}
	}

	seeder.logger.Info(
		seededExtendedMessageConstant,
		zap.Uint64(logFieldSeedConstant, seed),
		zap.String(logFieldHashSeedVariableConstant, seeder.hashSeedVariable),
		zap.Bool(logFieldDeterministicConstant, backend.Deterministic),
		zap.Bool(logFieldBenchmarkConstant, backend.Benchmark),
	)

	return NewExtendedGenerators(seed, backend), nil
}

// ChildEnvironment returns a copy of every variable exported so far.
func (seeder *Seeder) ChildEnvironment() map[string]string {
	seeder.mutex.Lock()
	defer seeder.mutex.Unlock()
	return maps.Clone(seeder.exported)
}

func (seeder *Seeder) exportSeed(seed uint64) error {
	if seed > maximumHashSeedConstant {
		return fmt.Errorf(hashSeedOutOfRangeTemplateConstant, ErrHashSeedOutOfRange, seed, uint64(maximumHashSeedConstant))
	}

	seedValue := strconv.FormatUint(seed, 10)
	if exportError := seeder.export(seeder.hashSeedVariable, seedValue); exportError != nil {
		return exportError
	}
	return seeder.export(SeedVariable, seedValue)
}

func (seeder *Seeder) export(variableName string, variableValue string) error {
	seeder.mutex.Lock()
	defer seeder.mutex.Unlock()

	if setError := seeder.setEnvironment(variableName, variableValue); setError != nil {
		return fmt.Errorf(environmentExportErrorTemplateConstant, variableName, setError)
	}
	seeder.exported[variableName] = variableValue
	return nil
}

func environmentFlag(enabled bool) string {
	if enabled {
		return environmentTrueConstant
	}
	return environmentFalseConstant
}
