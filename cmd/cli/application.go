package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/temirov/expkit/internal/cliflags"
	"github.com/temirov/expkit/internal/configuration"
	"github.com/temirov/expkit/internal/experiment"
	"github.com/temirov/expkit/internal/logging"
	"github.com/temirov/expkit/internal/seeding"
)

const (
	applicationNameConstant                 = "expkit"
	applicationShortDescriptionConstant     = "Command-line interface for expkit experiment utilities"
	applicationLongDescriptionConstant      = "expkit runs machine-learning experiments with reproducible seeding, localized logging, scoped timing, and memory-growth guards."
	configFileFlagNameConstant              = "config"
	configFileFlagUsageConstant             = "Optional path to a configuration file (YAML or JSON)."
	logLevelFlagNameConstant                = "log-level"
	logLevelFlagUsageConstant               = "Override the configured log level."
	logFormatFlagNameConstant               = "log-format"
	logFormatFlagUsageConstant              = "Override the configured log format."
	commonConfigurationKeyConstant          = "common"
	commonLogLevelConfigKeyConstant         = commonConfigurationKeyConstant + ".log_level"
	commonLogFormatConfigKeyConstant        = commonConfigurationKeyConstant + ".log_format"
	environmentPrefixConstant               = "EXPKIT"
	configurationNameConstant               = "config"
	configurationTypeConstant               = "yaml"
	configurationSearchPathEnvironmentName  = "EXPKIT_CONFIG_SEARCH_PATH"
	userConfigurationDirectoryNameConstant  = "expkit"
	defaultConfigurationSearchPathConstant  = "."
	configurationInitializedMessageConstant = "configuration initialized"
	configurationLogLevelFieldConstant      = "log_level"
	configurationLogFormatFieldConstant     = "log_format"
	configurationFileFieldConstant          = "config_file"
	configurationLoadErrorTemplateConstant  = "unable to load configuration: %w"
	flagOverrideErrorTemplateConstant       = "invalid --%s value: %w"
	loggerCreationErrorTemplateConstant     = "unable to create logger: %w"
	loggerSyncErrorTemplateConstant         = "unable to flush logger: %w"
	commandBuildErrorTemplateConstant       = "unable to build %s command: %w"
	runCommandNameConstant                  = "run"
	sampleCommandNameConstant               = "sample"
	backendCommandNameConstant              = "backend"
	timestampCommandNameConstant            = "timestamp"
)

// ApplicationConfiguration describes the persisted configuration for the CLI entrypoint.
type ApplicationConfiguration struct {
	Common     ApplicationCommonConfiguration  `mapstructure:"common"`
	Experiment experiment.RunConfiguration     `mapstructure:"experiment"`
	Seed       experiment.SeedConfiguration    `mapstructure:"seed"`
	Memory     experiment.MemoryConfiguration  `mapstructure:"memory"`
	Metrics    experiment.MetricsConfiguration `mapstructure:"metrics"`
}

// RunConfiguration groups the sections consumed by the run command.
func (applicationConfiguration ApplicationConfiguration) RunConfiguration() experiment.Configuration {
	return experiment.Configuration{
		Experiment: applicationConfiguration.Experiment,
		Seed:       applicationConfiguration.Seed,
		Memory:     applicationConfiguration.Memory,
		Metrics:    applicationConfiguration.Metrics,
	}
}

// ApplicationCommonConfiguration stores logging configuration shared across commands.
type ApplicationCommonConfiguration struct {
	LogLevel  logging.LogLevel  `mapstructure:"log_level"`
	LogFormat logging.LogFormat `mapstructure:"log_format"`
}

// Application wires the Cobra root command, configuration loader, and structured logger.
type Application struct {
	rootCommand           *cobra.Command
	configurationLoader   *configuration.Loader
	loggerFactory         *logging.Factory
	logger                *zap.Logger
	configuration         ApplicationConfiguration
	configurationMetadata configuration.Metadata
	configurationFilePath string
	logLevelFlagValue     string
	logFormatFlagValue    string
	contextAccessor       configuration.ContextAccessor
}

// NewApplication assembles a fully wired CLI application instance.
func NewApplication() *Application {
	configurationLoader := configuration.NewLoader(
		configurationNameConstant,
		configurationTypeConstant,
		environmentPrefixConstant,
		configurationSearchPaths(),
	)
	embeddedContent, embeddedType := EmbeddedDefaultConfiguration()
	configurationLoader.SetEmbeddedConfiguration(embeddedContent, embeddedType)

	application := &Application{
		configurationLoader: configurationLoader,
		loggerFactory:       logging.NewFactory(),
		logger:              zap.NewNop(),
		contextAccessor:     configuration.NewContextAccessor(),
	}

	cobraCommand := &cobra.Command{
		Use:           applicationNameConstant,
		Short:         applicationShortDescriptionConstant,
		Long:          applicationLongDescriptionConstant,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			return application.initializeConfiguration(command)
		},
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
	}

	cobraCommand.SetContext(context.Background())
	cobraCommand.PersistentFlags().StringVar(&application.configurationFilePath, configFileFlagNameConstant, "", configFileFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.logLevelFlagValue, logLevelFlagNameConstant, "", cliflags.FormatChoiceUsage(
		string(logging.LogLevelInfo),
		[]string{string(logging.LogLevelDebug), string(logging.LogLevelInfo), string(logging.LogLevelWarn), string(logging.LogLevelError)},
		logLevelFlagUsageConstant,
	))
	cobraCommand.PersistentFlags().StringVar(&application.logFormatFlagValue, logFormatFlagNameConstant, "", cliflags.FormatChoiceUsage(
		string(logging.LogFormatStructured),
		[]string{string(logging.LogFormatStructured), string(logging.LogFormatConsole)},
		logFormatFlagUsageConstant,
	))

	loggerProvider := func() *zap.Logger {
		return application.logger
	}

	runBuilder := experiment.CommandBuilder{
		LoggerProvider: loggerProvider,
		ConfigurationProvider: func() experiment.Configuration {
			return application.configuration.RunConfiguration()
		},
	}
	sampleBuilder := seeding.SampleCommandBuilder{
		LoggerProvider: loggerProvider,
	}
	backendBuilder := seeding.BackendCommandBuilder{
		LoggerProvider: loggerProvider,
		BackendOptionsProvider: func() seeding.BackendOptions {
			return seeding.BackendOptions{
				Deterministic: application.configuration.Seed.Deterministic,
				Benchmark:     application.configuration.Seed.Benchmark,
			}
		},
	}
	timestampBuilder := logging.TimestampCommandBuilder{
		TimeZoneProvider: func() string {
			return application.configuration.Experiment.TimeZone
		},
	}

	subcommandBuilders := []struct {
		name  string
		build func() (*cobra.Command, error)
	}{
		{name: runCommandNameConstant, build: runBuilder.Build},
		{name: sampleCommandNameConstant, build: sampleBuilder.Build},
		{name: backendCommandNameConstant, build: backendBuilder.Build},
		{name: timestampCommandNameConstant, build: timestampBuilder.Build},
	}
	for _, subcommandBuilder := range subcommandBuilders {
		subcommand, buildError := subcommandBuilder.build()
		if buildError != nil {
			panic(fmt.Errorf(commandBuildErrorTemplateConstant, subcommandBuilder.name, buildError))
		}
		cobraCommand.AddCommand(subcommand)
	}

	application.rootCommand = cobraCommand

	return application
}

// Execute runs the configured Cobra command hierarchy and ensures logger flushing.
func (application *Application) Execute() error {
	executionError := application.rootCommand.Execute()
	if syncError := logging.SyncLogger(application.logger); syncError != nil && executionError == nil {
		return fmt.Errorf(loggerSyncErrorTemplateConstant, syncError)
	}
	return executionError
}

// SetArguments replaces the command-line arguments used by Execute.
func (application *Application) SetArguments(arguments []string) {
	application.rootCommand.SetArgs(arguments)
}

// SetOutputs redirects command output and diagnostics, including child process streams.
func (application *Application) SetOutputs(standardOutput io.Writer, standardError io.Writer) {
	application.rootCommand.SetOut(standardOutput)
	application.rootCommand.SetErr(standardError)
}

// Configuration returns the configuration loaded by the most recent command execution.
func (application *Application) Configuration() ApplicationConfiguration {
	return application.configuration
}

// Execute builds a fresh application instance and executes the root command hierarchy.
func Execute() error {
	return NewApplication().Execute()
}

func (application *Application) initializeConfiguration(command *cobra.Command) error {
	defaultValues := map[string]any{
		commonLogLevelConfigKeyConstant:  string(logging.LogLevelInfo),
		commonLogFormatConfigKeyConstant: string(logging.LogFormatStructured),
	}
	for configurationKey, configurationValue := range experiment.DefaultConfigurationValues() {
		defaultValues[configurationKey] = configurationValue
	}

	loadedConfiguration := ApplicationConfiguration{}
	metadata, loadError := application.configurationLoader.Load(application.configurationFilePath, defaultValues, &loadedConfiguration)
	if loadError != nil {
		return fmt.Errorf(configurationLoadErrorTemplateConstant, loadError)
	}

	if application.persistentFlagChanged(command, logLevelFlagNameConstant) {
		if parseError := loadedConfiguration.Common.LogLevel.UnmarshalText([]byte(application.logLevelFlagValue)); parseError != nil {
			return fmt.Errorf(flagOverrideErrorTemplateConstant, logLevelFlagNameConstant, parseError)
		}
	}

	if application.persistentFlagChanged(command, logFormatFlagNameConstant) {
		if parseError := loadedConfiguration.Common.LogFormat.UnmarshalText([]byte(application.logFormatFlagValue)); parseError != nil {
			return fmt.Errorf(flagOverrideErrorTemplateConstant, logFormatFlagNameConstant, parseError)
		}
	}

	logger, loggerCreationError := application.loggerFactory.CreateLogger(
		loadedConfiguration.Common.LogLevel,
		loadedConfiguration.Common.LogFormat,
	)
	if loggerCreationError != nil {
		return fmt.Errorf(loggerCreationErrorTemplateConstant, loggerCreationError)
	}

	application.configuration = loadedConfiguration
	application.configurationMetadata = metadata
	application.logger = logger

	application.logger.Debug(
		configurationInitializedMessageConstant,
		zap.String(configurationLogLevelFieldConstant, string(loadedConfiguration.Common.LogLevel)),
		zap.String(configurationLogFormatFieldConstant, string(loadedConfiguration.Common.LogFormat)),
		zap.String(configurationFileFieldConstant, metadata.ConfigFileUsed),
	)

	if command != nil {
		updatedContext := application.contextAccessor.WithConfigurationFilePath(command.Context(), metadata.ConfigFileUsed)
		command.SetContext(updatedContext)
	}

	return nil
}

func (application *Application) persistentFlagChanged(command *cobra.Command, flagName string) bool {
	if command == nil {
		return false
	}

	flagSetsToInspect := []*pflag.FlagSet{
		command.PersistentFlags(),
		command.InheritedFlags(),
	}

	rootCommand := command.Root()
	if rootCommand != nil {
		flagSetsToInspect = append(flagSetsToInspect, rootCommand.PersistentFlags())
	}

	for _, flagSet := range flagSetsToInspect {
		if flagSet == nil {
			continue
		}

		if flagSet.Changed(flagName) {
			return true
		}
	}

	return false
}

func configurationSearchPaths() []string {
	if overridePath := strings.TrimSpace(os.Getenv(configurationSearchPathEnvironmentName)); len(overridePath) > 0 {
		return filepath.SplitList(overridePath)
	}

	searchPaths := []string{defaultConfigurationSearchPathConstant}
	if userConfigurationDirectory, directoryError := os.UserConfigDir(); directoryError == nil {
		searchPaths = append(searchPaths, filepath.Join(userConfigurationDirectory, userConfigurationDirectoryNameConstant))
	}
	return searchPaths
}
