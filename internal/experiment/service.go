package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/temirov/expkit/internal/execshell"
	"github.com/temirov/expkit/internal/logging"
	"github.com/temirov/expkit/internal/memguard"
	"github.com/temirov/expkit/internal/seeding"
	"github.com/temirov/expkit/internal/telemetry"
	"github.com/temirov/expkit/internal/timing"
)

const (
	missingRunnerMessageConstant     = "experiment service requires a command runner"
	missingCommandMessageConstant    = "experiment command is empty"
	childFailedMessageConstant       = "experiment command failed"
	childExitErrorTemplateConstant   = "experiment command exited with code %d"
	loggerSetupErrorTemplateConstant = "unable to set up experiment logger: %w"
	loggerCloseErrorTemplateConstant = "unable to close experiment logger: %w"
	locationErrorTemplateConstant    = "unable to resolve experiment time zone: %w"
	metricsErrorTemplateConstant     = "unable to initialize experiment metrics: %w"
	seedingErrorTemplateConstant     = "unable to seed experiment: %w"
	reportErrorTemplateConstant      = "unable to report experiment: %w"
	runStartedMessageConstant        = "Experiment started"
	runFinishedMessageConstant       = "Experiment finished"
	logFieldLabelConstant            = "label"
	logFieldCommandConstant          = "command"
	logFieldOutcomeConstant          = "outcome"
	logFieldExitCodeConstant         = "exit_code"
	logFieldMemoryGuardConstant      = "memory_guard"
	logFieldTimeoutConstant          = "timeout"
	summaryStartedAtLayoutConstant   = time.RFC3339
)

// ErrMissingRunner indicates a Service constructed without a command runner.
var ErrMissingRunner = errors.New(missingRunnerMessageConstant)

// ErrMissingCommand indicates Options without a command to run.
var ErrMissingCommand = errors.New(missingCommandMessageConstant)

// ErrChildFailed matches every ChildExitError.
var ErrChildFailed = errors.New(childFailedMessageConstant)

// ChildExitError reports a child process that exited with a non-zero status.
type ChildExitError struct {
	ExitCode int
}

func (exitError *ChildExitError) Error() string {
	return fmt.Sprintf(childExitErrorTemplateConstant, exitError.ExitCode)
}

// Is reports whether target is ErrChildFailed.
func (exitError *ChildExitError) Is(target error) bool {
	return target == ErrChildFailed
}

// CommandRunner executes child processes.
type CommandRunner interface {
	Run(executionContext context.Context, command execshell.Command) (execshell.Result, error)
}

// Dependencies supplies the collaborators used by Service.
type Dependencies struct {
	Runner            CommandRunner
	ConsoleWriter     io.Writer
	EnvironmentSetter seeding.EnvironmentSetter
	Clock             timing.Clock
	Logger            *zap.Logger
}

// Options describes a single experiment run.
type Options struct {
	Label              string
	Command            execshell.Command
	LogFilePath        string
	LocalizedTime      bool
	Location           *time.Location
	Seed               uint64
	HashSeedVariable   string
	Extended           bool
	Backend            seeding.BackendOptions
	GuardMemory        bool
	MemoryLimitGiB     float64
	Sampler            memguard.Sampler
	MemoryPollInterval time.Duration
	MetricsTextfile    string
	SummaryFile        string
	Timeout            time.Duration
	ConfigurationFile  string
}

// Service runs experiment commands.
type Service struct {
	runner            CommandRunner
	consoleWriter     io.Writer
	environmentSetter seeding.EnvironmentSetter
	clock             timing.Clock
	logger            *zap.Logger
}

// NewService validates the dependencies and constructs a Service.
func NewService(dependencies Dependencies) (*Service, error) {
	if dependencies.Runner == nil {
		return nil, ErrMissingRunner
	}

	service := &Service{
		runner:            dependencies.Runner,
		consoleWriter:     dependencies.ConsoleWriter,
		environmentSetter: dependencies.EnvironmentSetter,
		clock:             dependencies.Clock,
		logger:            dependencies.Logger,
	}
	if service.consoleWriter == nil {
		service.consoleWriter = os.Stderr
	}
	if service.environmentSetter == nil {
		service.environmentSetter = os.Setenv
	}
	if service.clock == nil {
		service.clock = time.Now
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}

	return service, nil
}

// Run sets up the experiment logger, seeds the run, and executes the command inside a timed
// scope, under the memory guard when enabled. The guard measures the peak resident memory of
// the child by default; other samplers are polled every MemoryPollInterval while the child runs. The child receives the exported seed variables
// merged beneath its own environment. The returned Summary describes the run even when the
// returned error is non-nil; a non-zero child exit yields a *ChildExitError.
func (service *Service) Run(executionContext context.Context, options Options) (summary Summary, runError error) {
	if len(options.Command.Name) == 0 {
		return Summary{}, ErrMissingCommand
	}

	location, locationError := resolveLocation(options)
	if locationError != nil {
		return Summary{}, fmt.Errorf(locationErrorTemplateConstant, locationError)
	}

	initializer := logging.NewInitializer(
		logging.WithConsoleWriter(service.consoleWriter),
		logging.WithLocation(location),
	)
	runLogger, setupError := initializer.Setup(options.LogFilePath, options.LocalizedTime)
	if setupError != nil {
		return Summary{}, fmt.Errorf(loggerSetupErrorTemplateConstant, setupError)
	}
	defer func() {
		if closeError := initializer.Close(); closeError != nil && runError == nil {
			runError = fmt.Errorf(loggerCloseErrorTemplateConstant, closeError)
		}
	}()

	metrics, metricsError := telemetry.NewMetrics()
	if metricsError != nil {
		return Summary{}, fmt.Errorf(metricsErrorTemplateConstant, metricsError)
	}

	seeder := seeding.NewSeeder(
		seeding.WithEnvironmentSetter(service.environmentSetter),
		seeding.WithHashSeedVariable(options.HashSeedVariable),
		seeding.WithLogger(runLogger),
	)
	if seedError := seed(seeder, options); seedError != nil {
		return Summary{}, fmt.Errorf(seedingErrorTemplateConstant, seedError)
	}

	childCommand := options.Command
	childCommand.EnvironmentVariables = mergeEnvironment(seeder.ChildEnvironment(), options.Command.EnvironmentVariables)

	runContext := executionContext
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		runContext, cancel = context.WithTimeout(executionContext, options.Timeout)
		defer cancel()
	}

	sampler := options.Sampler
	if sampler == nil {
		sampler = memguard.NewChildPeakSampler()
	}
	peakRecorder, recordsChildPeak := sampler.(memguard.PeakRecorder)

	var childResult execshell.Result
	runChild := func() error {
		result, childError := service.runner.Run(runContext, childCommand)
		childResult = result
		if recordsChildPeak {
			peakRecorder.RecordPeak(result.PeakResidentBytes)
		}
		if childError != nil {
			return childError
		}
		if result.ExitCode != 0 {
			return &ChildExitError{ExitCode: result.ExitCode}
		}
		return nil
	}

	guardedChild := runChild
	if options.GuardMemory {
		guardOptions := []memguard.Option{
			memguard.WithSampler(sampler),
			memguard.WithLogger(runLogger),
			memguard.WithObserver(metrics),
		}
		if !recordsChildPeak {
			guardOptions = append(guardOptions, memguard.WithPolling(options.MemoryPollInterval))
		}
		guard := memguard.NewGuard(options.MemoryLimitGiB, guardOptions...)
		guardedChild = func() error {
			return guard.Call(runChild)
		}
	}

	runLogger.Info(
		runStartedMessageConstant,
		zap.String(logFieldLabelConstant, options.Label),
		zap.Strings(logFieldCommandConstant, commandLine(childCommand)),
		zap.Bool(logFieldMemoryGuardConstant, options.GuardMemory),
		zap.Duration(logFieldTimeoutConstant, options.Timeout),
	)

	timer := timing.NewTimer(
		options.Label,
		timing.WithLogger(runLogger),
		timing.WithClock(service.clock),
		timing.WithObserver(metrics),
	)
	stopwatch := timer.Start()
	childError := guardedChild()

	var elapsed time.Duration
	if childError != nil {
		elapsed = stopwatch.Fail(childError)
	} else {
		elapsed = stopwatch.Stop()
	}

	summary = newSummary(options, childCommand, childResult, childError)
	summary.StartedAt = logging.FormatTimestamp(stopwatch.StartedAt(), location, summaryStartedAtLayoutConstant)
	summary.ElapsedSeconds = elapsed.Seconds()

	runLogger.Info(
		runFinishedMessageConstant,
		zap.String(logFieldOutcomeConstant, summary.Outcome),
		zap.Int(logFieldExitCodeConstant, childResult.ExitCode),
	)

	if reportError := service.report(metrics, options, summary); reportError != nil {
		return summary, errors.Join(childError, fmt.Errorf(reportErrorTemplateConstant, reportError))
	}

	return summary, childError
}

func (service *Service) report(metrics *telemetry.Metrics, options Options, summary Summary) error {
	if len(options.MetricsTextfile) > 0 {
		if writeError := metrics.WriteTextfile(options.MetricsTextfile); writeError != nil {
			return writeError
		}
	}
	if len(options.SummaryFile) > 0 {
		if writeError := WriteSummary(options.SummaryFile, summary); writeError != nil {
			return writeError
		}
		service.logger.Debug(summaryWrittenMessageConstant, zap.String(logFieldSummaryFileConstant, options.SummaryFile))
	}
	return nil
}

func seed(seeder *seeding.Seeder, options Options) error {
	if options.Extended {
		_, seedError := seeder.Extended(options.Seed, options.Backend)
		return seedError
	}
	_, seedError := seeder.Essential(options.Seed)
	return seedError
}

func resolveLocation(options Options) (*time.Location, error) {
	switch {
	case options.Location != nil:
		return options.Location, nil
	case options.LocalizedTime:
		return logging.TokyoLocation()
	default:
		return time.Local, nil
	}
}

func mergeEnvironment(base map[string]string, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}

func commandLine(command execshell.Command) []string {
	return append([]string{command.Name}, command.Arguments...)
}
