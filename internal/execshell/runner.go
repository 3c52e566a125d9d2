package execshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	environmentAssignmentSeparatorConstant = "="
	environmentAssignmentTemplateConstant  = "%s%s%s"
	emptyCommandMessageConstant            = "command name is empty"
	commandStartErrorTemplateConstant      = "unable to run %s: %w"
	commandStartingMessageConstant         = "Starting child process"
	commandFinishedMessageConstant         = "Child process finished"
	logFieldCommandConstant                = "command"
	logFieldArgumentsConstant              = "arguments"
	logFieldExitCodeConstant               = "exit_code"
	logFieldEnvironmentKeysConstant        = "environment_keys"
	logFieldPeakResidentBytesConstant      = "peak_resident_bytes"
)

// ErrEmptyCommand indicates a Command without an executable name.
var ErrEmptyCommand = errors.New(emptyCommandMessageConstant)

// Command describes a child process invocation.
type Command struct {
	Name                 string
	Arguments            []string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
}

// Result captures the observable outcome of a finished child process.
// PeakResidentBytes is the largest resident set the child (or any descendant it waited for)
// reached, or zero where the platform does not report it.
type Result struct {
	ExitCode          int
	PeakResidentBytes uint64
}

// Runner executes commands using the operating system facilities.
type Runner struct {
	standardInput  io.Reader
	standardOutput io.Writer
	standardError  io.Writer
	logger         *zap.Logger
}

// NewRunner constructs a runner wired to the given standard streams. Nil writers discard output.
func NewRunner(standardInput io.Reader, standardOutput io.Writer, standardError io.Writer, logger *zap.Logger) *Runner {
	if standardOutput == nil {
		standardOutput = io.Discard
	}
	if standardError == nil {
		standardError = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		standardInput:  standardInput,
		standardOutput: standardOutput,
		standardError:  standardError,
		logger:         logger,
	}
}

// Run executes the command and waits for it. A non-zero exit status is reported in Result;
// failures to start the process or context cancellation are returned as errors.
func (runner *Runner) Run(executionContext context.Context, command Command) (Result, error) {
	if len(strings.TrimSpace(command.Name)) == 0 {
		return Result{}, ErrEmptyCommand
	}

	commandArguments := append([]string{}, command.Arguments...)
	executable := exec.CommandContext(executionContext, command.Name, commandArguments...)

	if len(command.WorkingDirectory) > 0 {
		executable.Dir = command.WorkingDirectory
	}

	environmentKeys := make([]string, 0, len(command.EnvironmentVariables))
	if len(command.EnvironmentVariables) > 0 {
		mergedEnvironment := append([]string{}, os.Environ()...)
		for environmentKey := range command.EnvironmentVariables {
			environmentKeys = append(environmentKeys, environmentKey)
		}
		sort.Strings(environmentKeys)
		for _, environmentKey := range environmentKeys {
			mergedEnvironment = append(mergedEnvironment, fmt.Sprintf(environmentAssignmentTemplateConstant, environmentKey, environmentAssignmentSeparatorConstant, command.EnvironmentVariables[environmentKey]))
		}
		executable.Env = mergedEnvironment
	}

	executable.Stdin = runner.standardInput
	executable.Stdout = runner.standardOutput
	executable.Stderr = runner.standardError

	runner.logger.Debug(
		commandStartingMessageConstant,
		zap.String(logFieldCommandConstant, command.Name),
		zap.Strings(logFieldArgumentsConstant, commandArguments),
		zap.Strings(logFieldEnvironmentKeysConstant, environmentKeys),
	)

	runError := executable.Run()
	if contextError := executionContext.Err(); contextError != nil {
		return Result{}, contextError
	}
	if runError != nil {
		exitError := &exec.ExitError{}
		if errors.As(runError, &exitError) {
			result := Result{ExitCode: exitError.ExitCode(), PeakResidentBytes: peakResidentBytes(exitError.ProcessState)}
			runner.logFinished(command, result)
			return result, nil
		}
		return Result{}, fmt.Errorf(commandStartErrorTemplateConstant, command.Name, runError)
	}

	result := Result{ExitCode: 0, PeakResidentBytes: peakResidentBytes(executable.ProcessState)}
	runner.logFinished(command, result)
	return result, nil
}

func (runner *Runner) logFinished(command Command, result Result) {
	runner.logger.Debug(
		commandFinishedMessageConstant,
		zap.String(logFieldCommandConstant, command.Name),
		zap.Int(logFieldExitCodeConstant, result.ExitCode),
		zap.Uint64(logFieldPeakResidentBytesConstant, result.PeakResidentBytes),
	)
}
