package seeding

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/temirov/expkit/internal/cliflags"
)

const (
	sampleCommandUseConstant               = "sample"
	sampleCommandShortDescriptionConstant  = "Print reproducible draws from a seeded distribution"
	sampleCommandLongDescriptionConstant   = "sample seeds the numeric generator and prints draws followed by their mean and standard deviation. The same seed always prints the same values."
	backendCommandUseConstant              = "backend"
	backendCommandShortDescriptionConstant = "Show or apply tensor backend reproducibility settings"
	backendCommandLongDescriptionConstant  = "backend prints the ONNX Runtime thread and CUDA provider settings derived from the deterministic and benchmark options. With --onnxruntime-library it loads the runtime and builds a configured session."
	unexpectedArgumentsMessageConstant     = "command does not accept positional arguments"
	invalidCountTemplateConstant           = "count must be positive: %d"
	unsupportedDistributionTemplate        = "unsupported distribution %q (expected normal or uniform)"
	invalidUniformBoundsTemplateConstant   = "uniform bounds are empty: min %g >= max %g"
	invalidStandardDeviationTemplate       = "standard deviation must be positive: %g"
	sampleLineTemplateConstant             = "%.6f\n"
	sampleSummaryTemplateConstant          = "mean=%.6f stddev=%.6f\n"
	backendSettingTemplateConstant         = "%s=%v\n"
	backendThreadCountKeyConstant          = "threads"
	backendDeterministicKeyConstant        = "deterministic"
	backendBenchmarkKeyConstant            = "benchmark"
	cudaSettingKeyPrefixConstant           = "cuda."
	sessionConfiguredKeyConstant           = "session"
	sessionConfiguredValueConstant         = "configured"
	distributionNormalConstant             = "normal"
	distributionUniformConstant            = "uniform"
	flagSeedNameConstant                   = "seed"
	flagSeedDescriptionConstant            = "Seed for the numeric generator"
	flagCountNameConstant                  = "count"
	flagCountDescriptionConstant           = "Number of draws"
	flagDistributionNameConstant           = "distribution"
	flagDistributionDescriptionConstant    = "Distribution to draw from"
	flagMeanNameConstant                   = "mean"
	flagMeanDescriptionConstant            = "Mean of the normal distribution"
	flagStandardDeviationNameConstant      = "stddev"
	flagStandardDeviationDescription       = "Standard deviation of the normal distribution"
	flagMinimumNameConstant                = "min"
	flagMinimumDescriptionConstant         = "Lower bound of the uniform distribution"
	flagMaximumNameConstant                = "max"
	flagMaximumDescriptionConstant         = "Upper bound of the uniform distribution"
	flagDeterministicNameConstant          = "deterministic"
	flagDeterministicDescriptionConstant   = "Request deterministic kernels and single-threaded execution"
	flagBenchmarkNameConstant              = "benchmark"
	flagBenchmarkDescriptionConstant       = "Allow exhaustive convolution algorithm search"
	flagLibraryNameConstant                = "onnxruntime-library"
	flagLibraryDescriptionConstant         = "Path to the ONNX Runtime shared library; when set the runtime is loaded and a session is configured"
	flagCUDANameConstant                   = "cuda"
	flagCUDADescriptionConstant            = "Append the CUDA execution provider when configuring a session"
	defaultSampleCountConstant             = 10
	defaultStandardDeviationConstant       = 1.0
	defaultUniformMaximumConstant          = 1.0
	backendSessionConfiguredMessage        = "Tensor runtime session configured"
	logFieldUseCUDAConstant                = "cuda"
	samplesDrawnMessageConstant            = "Samples drawn"
	logFieldSeedConstant                   = "seed"
	logFieldDistributionConstant           = "distribution"
	logFieldCountConstant                  = "count"
)

var errUnexpectedArguments = errors.New(unexpectedArgumentsMessageConstant)

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// BackendOptionsProvider supplies the configured backend options.
type BackendOptionsProvider func() BackendOptions

// RuntimeController loads the tensor runtime and builds configured sessions.
type RuntimeController interface {
	Initialize(sharedLibraryPath string) error
	ConfigureSession(backend BackendOptions, useCUDA bool) error
	Destroy() error
}

// SampleCommandBuilder assembles the sample command.
type SampleCommandBuilder struct {
	LoggerProvider LoggerProvider
}

// Build constructs the sample command.
func (builder *SampleCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   sampleCommandUseConstant,
		Short: sampleCommandShortDescriptionConstant,
		Long:  sampleCommandLongDescriptionConstant,
		RunE:  builder.run,
	}

	command.Flags().Uint64(flagSeedNameConstant, 0, flagSeedDescriptionConstant)
	command.Flags().Int(flagCountNameConstant, defaultSampleCountConstant, flagCountDescriptionConstant)
	command.Flags().String(flagDistributionNameConstant, distributionNormalConstant, cliflags.FormatChoiceUsage(distributionNormalConstant, []string{distributionNormalConstant, distributionUniformConstant}, flagDistributionDescriptionConstant))
	command.Flags().Float64(flagMeanNameConstant, 0, flagMeanDescriptionConstant)
	command.Flags().Float64(flagStandardDeviationNameConstant, defaultStandardDeviationConstant, flagStandardDeviationDescription)
	command.Flags().Float64(flagMinimumNameConstant, 0, flagMinimumDescriptionConstant)
	command.Flags().Float64(flagMaximumNameConstant, defaultUniformMaximumConstant, flagMaximumDescriptionConstant)

	return command, nil
}

func (builder *SampleCommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errUnexpectedArguments
	}

	seed, _ := command.Flags().GetUint64(flagSeedNameConstant)
	count, _ := command.Flags().GetInt(flagCountNameConstant)
	if count <= 0 {
		return fmt.Errorf(invalidCountTemplateConstant, count)
	}

	generators := NewGenerators(seed)
	distribution, distributionError := selectDistribution(command, generators)
	if distributionError != nil {
		return distributionError
	}

	samples := Sample(distribution, count)
	distributionName, _ := command.Flags().GetString(flagDistributionNameConstant)
	resolveLogger(builder.LoggerProvider).Debug(
		samplesDrawnMessageConstant,
		zap.Uint64(logFieldSeedConstant, seed),
		zap.String(logFieldDistributionConstant, strings.ToLower(strings.TrimSpace(distributionName))),
		zap.Int(logFieldCountConstant, count),
	)
	return writeSamples(command.OutOrStdout(), samples)
}

func selectDistribution(command *cobra.Command, generators *Generators) (distuv.Rander, error) {
	distributionName, _ := command.Flags().GetString(flagDistributionNameConstant)
	switch strings.ToLower(strings.TrimSpace(distributionName)) {
	case distributionNormalConstant:
		mean, _ := command.Flags().GetFloat64(flagMeanNameConstant)
		standardDeviation, _ := command.Flags().GetFloat64(flagStandardDeviationNameConstant)
		if standardDeviation <= 0 {
			return nil, fmt.Errorf(invalidStandardDeviationTemplate, standardDeviation)
		}
		return generators.Normal(mean, standardDeviation), nil
	case distributionUniformConstant:
		minimum, _ := command.Flags().GetFloat64(flagMinimumNameConstant)
		maximum, _ := command.Flags().GetFloat64(flagMaximumNameConstant)
		if minimum >= maximum {
			return nil, fmt.Errorf(invalidUniformBoundsTemplateConstant, minimum, maximum)
		}
		return generators.Uniform(minimum, maximum), nil
	default:
		return nil, fmt.Errorf(unsupportedDistributionTemplate, distributionName)
	}
}

func writeSamples(writer io.Writer, samples []float64) error {
	for _, sample := range samples {
		if _, writeError := fmt.Fprintf(writer, sampleLineTemplateConstant, sample); writeError != nil {
			return writeError
		}
	}
	mean, standardDeviation := stat.MeanStdDev(samples, nil)
	_, writeError := fmt.Fprintf(writer, sampleSummaryTemplateConstant, mean, standardDeviation)
	return writeError
}

// BackendCommandBuilder assembles the backend command.
type BackendCommandBuilder struct {
	LoggerProvider         LoggerProvider
	BackendOptionsProvider BackendOptionsProvider
	Runtime                RuntimeController
}

// Build constructs the backend command.
func (builder *BackendCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   backendCommandUseConstant,
		Short: backendCommandShortDescriptionConstant,
		Long:  backendCommandLongDescriptionConstant,
		RunE:  builder.run,
	}

	defaults := DefaultBackendOptions()
	command.Flags().Bool(flagDeterministicNameConstant, defaults.Deterministic, flagDeterministicDescriptionConstant)
	command.Flags().Bool(flagBenchmarkNameConstant, defaults.Benchmark, flagBenchmarkDescriptionConstant)
	command.Flags().String(flagLibraryNameConstant, "", flagLibraryDescriptionConstant)
	command.Flags().Bool(flagCUDANameConstant, false, flagCUDADescriptionConstant)

	return command, nil
}

func (builder *BackendCommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errUnexpectedArguments
	}

	backend := DefaultBackendOptions()
	if builder.BackendOptionsProvider != nil {
		backend = builder.BackendOptionsProvider()
	}
	if command.Flags().Changed(flagDeterministicNameConstant) {
		backend.Deterministic, _ = command.Flags().GetBool(flagDeterministicNameConstant)
	}
	if command.Flags().Changed(flagBenchmarkNameConstant) {
		backend.Benchmark, _ = command.Flags().GetBool(flagBenchmarkNameConstant)
	}
	useCUDA, _ := command.Flags().GetBool(flagCUDANameConstant)
	libraryPath, _ := command.Flags().GetString(flagLibraryNameConstant)

	if writeError := writeBackendSettings(command.OutOrStdout(), backend); writeError != nil {
		return writeError
	}

	if len(strings.TrimSpace(libraryPath)) == 0 {
		return nil
	}

	runtime := builder.Runtime
	if runtime == nil {
		runtime = onnxRuntimeController{}
	}
	if initializationError := runtime.Initialize(libraryPath); initializationError != nil {
		return initializationError
	}
	configureError := runtime.ConfigureSession(backend, useCUDA)
	destroyError := runtime.Destroy()
	if configureError != nil {
		return configureError
	}
	if destroyError != nil {
		return destroyError
	}

	resolveLogger(builder.LoggerProvider).Info(backendSessionConfiguredMessage, zap.Bool(logFieldUseCUDAConstant, useCUDA))
	_, writeError := fmt.Fprintf(command.OutOrStdout(), backendSettingTemplateConstant, sessionConfiguredKeyConstant, sessionConfiguredValueConstant)
	return writeError
}

func resolveLogger(provider LoggerProvider) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	logger := provider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func writeBackendSettings(writer io.Writer, backend BackendOptions) error {
	lines := [][2]any{
		{backendDeterministicKeyConstant, backend.Deterministic},
		{backendBenchmarkKeyConstant, backend.Benchmark},
		{backendThreadCountKeyConstant, backend.ThreadCount()},
	}
	cudaSettings := backend.CUDAProviderSettings()
	for _, settingKey := range slices.Sorted(maps.Keys(cudaSettings)) {
		lines = append(lines, [2]any{cudaSettingKeyPrefixConstant + settingKey, cudaSettings[settingKey]})
	}

	for _, line := range lines {
		if _, writeError := fmt.Fprintf(writer, backendSettingTemplateConstant, line[0], line[1]); writeError != nil {
			return writeError
		}
	}
	return nil
}

type onnxRuntimeController struct{}

func (onnxRuntimeController) Initialize(sharedLibraryPath string) error {
	return InitializeRuntime(sharedLibraryPath)
}

func (onnxRuntimeController) ConfigureSession(backend BackendOptions, useCUDA bool) error {
	sessionOptions, creationError := NewSessionOptions(backend, useCUDA)
	if creationError != nil {
		return creationError
	}
	return sessionOptions.Destroy()
}

func (onnxRuntimeController) Destroy() error {
	return DestroyRuntime()
}
