package experiment_test

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/temirov/expkit/internal/configuration"
	"github.com/temirov/expkit/internal/execshell"
	"github.com/temirov/expkit/internal/experiment"
	"github.com/temirov/expkit/internal/seeding"
)

const (
	testConfiguredSeedConstant = 11
)

func buildRunCommand(testInstance *testing.T, runner *recordingRunner, settings experiment.Configuration) (*bytes.Buffer, func(arguments ...string) error) {
	testInstance.Helper()

	environment := &recordingEnvironment{values: map[string]string{}}
	builder := experiment.CommandBuilder{
		ConfigurationProvider: func() experiment.Configuration {
			return settings
		},
		Runner:            runner,
		EnvironmentSetter: environment.Set,
		Clock:             (&steppingClock{current: time.Unix(0, 0)}).Now,
		PathExpander: configuration.NewPathExpanderWithProvider(func() (string, error) {
			return testInstance.TempDir(), nil
		}),
	}

	command, buildError := builder.Build()
	require.NoError(testInstance, buildError)

	console := &bytes.Buffer{}
	command.SetOut(console)
	command.SetErr(console)

	return console, func(arguments ...string) error {
		command.SetArgs(arguments)
		return command.Execute()
	}
}

func TestRunCommandFlagsOverrideConfiguration(testInstance *testing.T) {
	settings := experiment.DefaultConfiguration()
	settings.Seed.Value = testConfiguredSeedConstant
	settings.Experiment.LogFile = filepath.Join(testInstance.TempDir(), testLogFileNameConstant)

	runner := &recordingRunner{}
	_, execute := buildRunCommand(testInstance, runner, settings)

	summaryPath := filepath.Join(testInstance.TempDir(), testSummaryFileNameConstant)
	executionError := execute(
		"--seed", "7",
		"--label", testLabelConstant,
		"--summary-file", summaryPath,
		"--",
		testCommandNameConstant, testCommandArgumentConstant, "--epochs", "3",
	)
	require.NoError(testInstance, executionError)

	require.Len(testInstance, runner.commands, 1)
	require.Equal(testInstance, testCommandNameConstant, runner.commands[0].Name)
	require.Equal(testInstance, []string{testCommandArgumentConstant, "--epochs", "3"}, runner.commands[0].Arguments)
	require.Equal(testInstance, "7", runner.commands[0].EnvironmentVariables[seeding.DefaultHashSeedVariable])

	summary, readError := experiment.ReadSummary(summaryPath)
	require.NoError(testInstance, readError)
	require.Equal(testInstance, uint64(7), summary.Seed)
	require.Equal(testInstance, testLabelConstant, summary.Label)
	require.Equal(testInstance, settings.Experiment.LogFile, summary.LogFile)
}

func TestRunCommandUsesConfiguredValues(testInstance *testing.T) {
	settings := experiment.DefaultConfiguration()
	settings.Seed.Value = testConfiguredSeedConstant
	settings.Seed.Extended = true
	settings.Experiment.LogFile = filepath.Join(testInstance.TempDir(), testLogFileNameConstant)
	settings.Experiment.TimeZone = "UTC"

	runner := &recordingRunner{}
	console, execute := buildRunCommand(testInstance, runner, settings)

	require.NoError(testInstance, execute(testCommandNameConstant, "-u", testCommandArgumentConstant))

	require.Len(testInstance, runner.commands, 1)
	require.Equal(testInstance, []string{"-u", testCommandArgumentConstant}, runner.commands[0].Arguments)
	childEnvironment := runner.commands[0].EnvironmentVariables
	require.Equal(testInstance, "11", childEnvironment[seeding.DefaultHashSeedVariable])
	require.Equal(testInstance, "0", childEnvironment[seeding.DeterministicVariable])
	require.Equal(testInstance, "1", childEnvironment[seeding.BenchmarkVariable])
	require.Contains(testInstance, console.String(), "UTC+0000 [INFO] [experiment] start...")
}

func TestRunCommandExpandsHomePaths(testInstance *testing.T) {
	settings := experiment.DefaultConfiguration()
	settings.Experiment.LogFile = "~/runs/" + testLogFileNameConstant

	_, execute := buildRunCommand(testInstance, &recordingRunner{}, settings)
	require.NoError(testInstance, execute(testCommandNameConstant))
}

func TestRunCommandFailures(testInstance *testing.T) {
	testCases := []struct {
		name      string
		runner    *recordingRunner
		arguments []string
		expected  error
	}{
		{
			name:      "missing_command",
			runner:    &recordingRunner{},
			arguments: []string{"--seed", "3"},
		},
		{
			name:      "invalid_sampler",
			runner:    &recordingRunner{},
			arguments: []string{"--memory-guard", "--sampler", "swap", "--", testCommandNameConstant},
		},
		{
			name:      "invalid_time_zone",
			runner:    &recordingRunner{},
			arguments: []string{"--time-zone", "Mars/Olympus_Mons", "--", testCommandNameConstant},
		},
		{
			name:      "child_exit_code",
			runner:    &recordingRunner{result: execshell.Result{ExitCode: 2}},
			arguments: []string{testCommandNameConstant},
			expected:  experiment.ErrChildFailed,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			settings := experiment.DefaultConfiguration()
			settings.Experiment.LogFile = filepath.Join(testInstance.TempDir(), testLogFileNameConstant)

			_, execute := buildRunCommand(testInstance, testCase.runner, settings)
			executionError := execute(testCase.arguments...)
			require.Error(testInstance, executionError)
			if testCase.expected != nil {
				require.ErrorIs(testInstance, executionError, testCase.expected)
			}
		})
	}
}
