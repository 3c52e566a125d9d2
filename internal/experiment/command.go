package experiment

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/expkit/internal/cliflags"
	"github.com/temirov/expkit/internal/configuration"
	"github.com/temirov/expkit/internal/execshell"
	"github.com/temirov/expkit/internal/logging"
	"github.com/temirov/expkit/internal/memguard"
	"github.com/temirov/expkit/internal/seeding"
	"github.com/temirov/expkit/internal/timing"
)

const (
	commandUseConstant                      = "run [flags] -- <command> [arguments...]"
	commandShortDescriptionConstant         = "Run an experiment command inside a seeded, timed and memory-guarded scope"
	commandLongDescriptionConstant          = "run seeds the experiment, logs to a file and the console, times the command, optionally bounds its memory growth, and records metrics and a YAML summary."
	commandExecutionErrorTemplateConstant   = "experiment run failed: %w"
	missingCommandArgumentsMessageConstant  = "run requires a command to execute"
	flagLabelNameConstant                   = "label"
	flagLabelDescriptionConstant            = "Label used in timer messages and metrics"
	flagLogFileNameConstant                 = "log-file"
	flagLogFileDescriptionConstant          = "Path of the experiment log file"
	flagLocalizedTimeNameConstant           = "localized-time"
	flagLocalizedTimeDescriptionConstant    = "Render log timestamps in the configured time zone (Asia/Tokyo by default)"
	flagTimeZoneNameConstant                = "time-zone"
	flagTimeZoneDescriptionConstant         = "IANA time zone used for localized timestamps"
	flagSummaryFileNameConstant             = "summary-file"
	flagSummaryFileDescriptionConstant      = "Path of the YAML run summary"
	flagTimeoutNameConstant                 = "timeout"
	flagTimeoutDescriptionConstant          = "Maximum run time of the command (0 disables the limit)"
	flagSeedNameConstant                    = "seed"
	flagSeedDescriptionConstant             = "Seed for every random source"
	flagHashSeedVariableNameConstant        = "hash-seed-variable"
	flagHashSeedVariableDescriptionConstant = "Environment variable receiving the seed for child processes"
	flagExtendedNameConstant                = "extended"
	flagExtendedDescriptionConstant         = "Also seed tensor sources and export backend options"
	flagDeterministicNameConstant           = "deterministic"
	flagDeterministicDescriptionConstant    = "Request deterministic tensor backend kernels"
	flagBenchmarkNameConstant               = "benchmark"
	flagBenchmarkDescriptionConstant        = "Allow tensor backend auto-tuning"
	flagMemoryGuardNameConstant             = "memory-guard"
	flagMemoryGuardDescriptionConstant      = "Fail the run when memory grows beyond the limit"
	flagMemoryLimitNameConstant             = "memory-limit"
	flagMemoryLimitDescriptionConstant      = "Allowed memory growth in GiB"
	flagSamplerNameConstant                 = "sampler"
	flagSamplerDescriptionConstant          = "Memory sampler measuring growth"
	flagMetricsFileNameConstant             = "metrics-file"
	flagMetricsFileDescriptionConstant      = "Path of the Prometheus textfile written after the run"
	memoryPollIntervalConstant              = 100 * time.Millisecond
)

var (
	errMissingCommandArguments = errors.New(missingCommandArgumentsMessageConstant)
	samplerChoices             = []string{
		string(memguard.SamplerChild),
		string(memguard.SamplerProcess),
		string(memguard.SamplerSystem),
		string(memguard.SamplerRuntime),
	}
)

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// ConfigurationProvider supplies the loaded run configuration.
type ConfigurationProvider func() Configuration

// CommandBuilder assembles the Cobra command running experiments.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider ConfigurationProvider
	Runner                CommandRunner
	EnvironmentSetter     seeding.EnvironmentSetter
	Clock                 timing.Clock
	PathExpander          *configuration.PathExpander
}

// Build constructs the run command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   commandUseConstant,
		Short: commandShortDescriptionConstant,
		Long:  commandLongDescriptionConstant,
		RunE:  builder.run,
	}

	defaults := DefaultConfiguration()
	command.Flags().String(flagLabelNameConstant, defaults.Experiment.Label, flagLabelDescriptionConstant)
	command.Flags().String(flagLogFileNameConstant, defaults.Experiment.LogFile, flagLogFileDescriptionConstant)
	command.Flags().Bool(flagLocalizedTimeNameConstant, defaults.Experiment.LocalizedTime, flagLocalizedTimeDescriptionConstant)
	command.Flags().String(flagTimeZoneNameConstant, defaults.Experiment.TimeZone, flagTimeZoneDescriptionConstant)
	command.Flags().String(flagSummaryFileNameConstant, defaults.Experiment.SummaryFile, flagSummaryFileDescriptionConstant)
	command.Flags().Duration(flagTimeoutNameConstant, defaults.Experiment.Timeout, flagTimeoutDescriptionConstant)
	command.Flags().Uint64(flagSeedNameConstant, defaults.Seed.Value, flagSeedDescriptionConstant)
	command.Flags().String(flagHashSeedVariableNameConstant, defaults.Seed.HashSeedVariable, flagHashSeedVariableDescriptionConstant)
	command.Flags().Bool(flagExtendedNameConstant, defaults.Seed.Extended, flagExtendedDescriptionConstant)
	command.Flags().Bool(flagDeterministicNameConstant, defaults.Seed.Deterministic, flagDeterministicDescriptionConstant)
	command.Flags().Bool(flagBenchmarkNameConstant, defaults.Seed.Benchmark, flagBenchmarkDescriptionConstant)
	command.Flags().Bool(flagMemoryGuardNameConstant, defaults.Memory.Enabled, flagMemoryGuardDescriptionConstant)
	command.Flags().Float64(flagMemoryLimitNameConstant, defaults.Memory.LimitGiB, flagMemoryLimitDescriptionConstant)
	command.Flags().String(flagSamplerNameConstant, string(defaults.Memory.Sampler), cliflags.FormatChoiceUsage(string(defaults.Memory.Sampler), samplerChoices, flagSamplerDescriptionConstant))
	command.Flags().String(flagMetricsFileNameConstant, defaults.Metrics.Textfile, flagMetricsFileDescriptionConstant)
	command.Flags().SetInterspersed(false)

	return command, nil
}

func (builder *CommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) == 0 {
		return errMissingCommandArguments
	}

	options, optionsError := builder.parseOptions(command, arguments)
	if optionsError != nil {
		return optionsError
	}

	logger := builder.resolveLogger()
	service, serviceError := NewService(Dependencies{
		Runner:            builder.resolveRunner(command, logger),
		ConsoleWriter:     command.ErrOrStderr(),
		EnvironmentSetter: builder.EnvironmentSetter,
		Clock:             builder.Clock,
		Logger:            logger,
	})
	if serviceError != nil {
		return serviceError
	}

	if _, runError := service.Run(command.Context(), options); runError != nil {
		return fmt.Errorf(commandExecutionErrorTemplateConstant, runError)
	}
	return nil
}

func (builder *CommandBuilder) parseOptions(command *cobra.Command, arguments []string) (Options, error) {
	settings := builder.resolveConfiguration()
	flags := command.Flags()

	if flags.Changed(flagLabelNameConstant) {
		settings.Experiment.Label, _ = flags.GetString(flagLabelNameConstant)
	}
	if flags.Changed(flagLogFileNameConstant) {
		settings.Experiment.LogFile, _ = flags.GetString(flagLogFileNameConstant)
	}
	if flags.Changed(flagLocalizedTimeNameConstant) {
		settings.Experiment.LocalizedTime, _ = flags.GetBool(flagLocalizedTimeNameConstant)
	}
	if flags.Changed(flagTimeZoneNameConstant) {
		settings.Experiment.TimeZone, _ = flags.GetString(flagTimeZoneNameConstant)
	}
	if flags.Changed(flagSummaryFileNameConstant) {
		settings.Experiment.SummaryFile, _ = flags.GetString(flagSummaryFileNameConstant)
	}
	if flags.Changed(flagTimeoutNameConstant) {
		settings.Experiment.Timeout, _ = flags.GetDuration(flagTimeoutNameConstant)
	}
	if flags.Changed(flagSeedNameConstant) {
		settings.Seed.Value, _ = flags.GetUint64(flagSeedNameConstant)
	}
	if flags.Changed(flagHashSeedVariableNameConstant) {
		settings.Seed.HashSeedVariable, _ = flags.GetString(flagHashSeedVariableNameConstant)
	}
	if flags.Changed(flagExtendedNameConstant) {
		settings.Seed.Extended, _ = flags.GetBool(flagExtendedNameConstant)
	}
	if flags.Changed(flagDeterministicNameConstant) {
		settings.Seed.Deterministic, _ = flags.GetBool(flagDeterministicNameConstant)
	}
	if flags.Changed(flagBenchmarkNameConstant) {
		settings.Seed.Benchmark, _ = flags.GetBool(flagBenchmarkNameConstant)
	}
	if flags.Changed(flagMemoryGuardNameConstant) {
		settings.Memory.Enabled, _ = flags.GetBool(flagMemoryGuardNameConstant)
	}
	if flags.Changed(flagMemoryLimitNameConstant) {
		settings.Memory.LimitGiB, _ = flags.GetFloat64(flagMemoryLimitNameConstant)
	}
	if flags.Changed(flagSamplerNameConstant) {
		samplerValue, _ := flags.GetString(flagSamplerNameConstant)
		if parseError := settings.Memory.Sampler.UnmarshalText([]byte(samplerValue)); parseError != nil {
			return Options{}, parseError
		}
	}
	if flags.Changed(flagMetricsFileNameConstant) {
		settings.Metrics.Textfile, _ = flags.GetString(flagMetricsFileNameConstant)
	}

	return builder.buildOptions(command, settings, arguments)
}

func (builder *CommandBuilder) buildOptions(command *cobra.Command, settings Configuration, arguments []string) (Options, error) {
	expander := builder.PathExpander
	if expander == nil {
		expander = configuration.NewPathExpander()
	}

	var location *time.Location
	if len(settings.Experiment.TimeZone) > 0 {
		loadedLocation, locationError := logging.LoadLocation(settings.Experiment.TimeZone)
		if locationError != nil {
			return Options{}, locationError
		}
		location = loadedLocation
	}

	options := Options{
		Label:            settings.Experiment.Label,
		Command:          execshell.Command{Name: arguments[0], Arguments: arguments[1:]},
		LogFilePath:      expander.Expand(settings.Experiment.LogFile),
		LocalizedTime:    settings.Experiment.LocalizedTime,
		Location:         location,
		Seed:             settings.Seed.Value,
		HashSeedVariable: settings.Seed.HashSeedVariable,
		Extended:         settings.Seed.Extended,
		Backend: seeding.BackendOptions{
			Deterministic: settings.Seed.Deterministic,
			Benchmark:     settings.Seed.Benchmark,
		},
		GuardMemory:     settings.Memory.Enabled,
		MemoryLimitGiB:  settings.Memory.LimitGiB,
		MetricsTextfile: expander.Expand(settings.Metrics.Textfile),
		SummaryFile:     expander.Expand(settings.Experiment.SummaryFile),
		Timeout:         settings.Experiment.Timeout,
	}
	if len(options.Label) == 0 {
		options.Label = defaultLabelConstant
	}

	if options.GuardMemory {
		samplerKind := settings.Memory.Sampler
		if len(samplerKind) == 0 {
			samplerKind = memguard.SamplerChild
		}
		sampler, samplerError := memguard.NewSampler(samplerKind)
		if samplerError != nil {
			return Options{}, samplerError
		}
		options.Sampler = sampler
		options.MemoryPollInterval = memoryPollIntervalConstant
	}

	if configurationFilePath, available := configuration.NewContextAccessor().ConfigurationFilePath(command.Context()); available {
		options.ConfigurationFile = configurationFilePath
	}

	return options, nil
}

func (builder *CommandBuilder) resolveConfiguration() Configuration {
	if builder.ConfigurationProvider == nil {
		return DefaultConfiguration()
	}
	return builder.ConfigurationProvider()
}

func (builder *CommandBuilder) resolveLogger() *zap.Logger {
	if builder.LoggerProvider == nil {
		return zap.NewNop()
	}

	logger := builder.LoggerProvider()
	if logger == nil {
		return zap.NewNop()
	}

	return logger
}

func (builder *CommandBuilder) resolveRunner(command *cobra.Command, logger *zap.Logger) CommandRunner {
	if builder.Runner != nil {
		return builder.Runner
	}
	return execshell.NewRunner(command.InOrStdin(), command.OutOrStdout(), command.ErrOrStderr(), logger)
}
