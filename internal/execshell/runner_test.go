package execshell_test

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/expkit/internal/execshell"
)

const (
	testShellConstant            = "sh"
	testShellCommandFlagConstant = "-c"
	testEnvironmentKeyConstant   = "EXPKIT_RUNNER_TEST"
)

func requireShell(testInstance *testing.T) {
	testInstance.Helper()
	if _, lookupError := exec.LookPath(testShellConstant); lookupError != nil {
		testInstance.Skip("sh is not available")
	}
}

func TestRunnerRun(testInstance *testing.T) {
	requireShell(testInstance)

	testCases := []struct {
		name             string
		script           string
		environment      map[string]string
		expectedExitCode int
		expectedOutput   string
		expectedError    string
	}{
		{
			name:             "success_with_environment",
			script:           "printf '%s' \"$" + testEnvironmentKeyConstant + "\"",
			environment:      map[string]string{testEnvironmentKeyConstant: "4242"},
			expectedExitCode: 0,
			expectedOutput:   "4242",
		},
		{
			name:             "non_zero_exit_is_a_result",
			script:           "echo failing >&2; exit 3",
			expectedExitCode: 3,
			expectedError:    "failing\n",
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			var standardOutput bytes.Buffer
			var standardError bytes.Buffer
			runner := execshell.NewRunner(nil, &standardOutput, &standardError, nil)

			result, runError := runner.Run(context.Background(), execshell.Command{
				Name:                 testShellConstant,
				Arguments:            []string{testShellCommandFlagConstant, testCase.script},
				EnvironmentVariables: testCase.environment,
			})
			require.NoError(testInstance, runError)
			require.Equal(testInstance, testCase.expectedExitCode, result.ExitCode)
			require.Equal(testInstance, testCase.expectedOutput, standardOutput.String())
			require.Equal(testInstance, testCase.expectedError, standardError.String())
		})
	}
}

func TestRunnerRejectsEmptyCommand(testInstance *testing.T) {
	runner := execshell.NewRunner(nil, nil, nil, nil)
	_, runError := runner.Run(context.Background(), execshell.Command{Name: "  "})
	require.ErrorIs(testInstance, runError, execshell.ErrEmptyCommand)
}

func TestRunnerReportsMissingExecutable(testInstance *testing.T) {
	runner := execshell.NewRunner(nil, nil, nil, nil)
	_, runError := runner.Run(context.Background(), execshell.Command{Name: "expkit-definitely-missing-binary"})
	require.Error(testInstance, runError)
	require.ErrorIs(testInstance, runError, exec.ErrNotFound)
}

func TestRunnerHonorsCancellation(testInstance *testing.T) {
	requireShell(testInstance)

	executionContext, cancel := context.WithCancel(context.Background())
	cancel()

	runner := execshell.NewRunner(nil, nil, nil, nil)
	_, runError := runner.Run(executionContext, execshell.Command{Name: testShellConstant, Arguments: []string{testShellCommandFlagConstant, "sleep 5"}})
	require.ErrorIs(testInstance, runError, context.Canceled)
}

func TestRunnerReportsPeakResidentMemory(testInstance *testing.T) {
	requireShell(testInstance)
	if runtime.GOOS != "linux" {
		testInstance.Skip("peak resident memory is reported on Linux only")
	}

	for _, script := range []string{"exit 0", "exit 2"} {
		runner := execshell.NewRunner(nil, nil, nil, nil)
		result, runError := runner.Run(context.Background(), execshell.Command{
			Name:      testShellConstant,
			Arguments: []string{testShellCommandFlagConstant, script},
		})
		require.NoError(testInstance, runError)
		require.Positive(testInstance, result.PeakResidentBytes)
	}
}
