package configuration_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/temirov/expkit/internal/configuration"
	"github.com/temirov/expkit/internal/logging"
)

const (
	testEnvironmentPrefixConstant         = "TESTEXPKIT"
	testLogLevelKeyConstant               = "common.log_level"
	testLogLevelEnvironmentNameConstant   = "TESTEXPKIT_COMMON_LOG_LEVEL"
	testTimeoutKeyConstant                = "experiment.timeout"
	testConfigFileNameConstant            = "config.yaml"
	testConfigurationNameConstant         = "config"
	testConfigurationTypeConstant         = "yaml"
	testLogLevelTemplateConstant          = "common:\n  log_level: %s\n"
	testSubtestNameTemplateConstant       = "%d_%s"
	testCaseEmbeddedMessageConstant       = "embedded configuration merges"
	testCaseDefaultsMessageConstant       = "defaults are applied"
	testCaseFileMessageConstant           = "config file overrides embedded"
	testCaseEnvironmentMessageConstant    = "environment overrides file"
	testCaseSearchPathMessageConstant     = "search path file is discovered"
	testInvalidLevelConfigurationConstant = "common:\n  log_level: verbose\n"
	testTypedConfigurationContentConstant = "common:\n  log_level: warn\nexperiment:\n  timeout: 90s\n"
)

type configurationFixture struct {
	Common     commonFixture     `mapstructure:"common"`
	Experiment experimentFixture `mapstructure:"experiment"`
}

type commonFixture struct {
	LogLevel logging.LogLevel `mapstructure:"log_level"`
}

type experimentFixture struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func TestLoaderLoad(testInstance *testing.T) {
	testCases := []struct {
		name                string
		embeddedLogLevel    string
		fileLogLevel        string
		searchPathLogLevel  string
		environmentLogLevel string
		expectedLogLevel    logging.LogLevel
	}{
		{
			name:             testCaseEmbeddedMessageConstant,
			embeddedLogLevel: "debug",
			expectedLogLevel: logging.LogLevelDebug,
		},
		{
			name:             testCaseDefaultsMessageConstant,
			expectedLogLevel: logging.LogLevelInfo,
		},
		{
			name:             testCaseFileMessageConstant,
			embeddedLogLevel: "info",
			fileLogLevel:     "error",
			expectedLogLevel: logging.LogLevelError,
		},
		{
			name:                testCaseEnvironmentMessageConstant,
			embeddedLogLevel:    "info",
			fileLogLevel:        "warn",
			environmentLogLevel: "error",
			expectedLogLevel:    logging.LogLevelError,
		},
		{
			name:               testCaseSearchPathMessageConstant,
			embeddedLogLevel:   "info",
			searchPathLogLevel: "warn",
			expectedLogLevel:   logging.LogLevelWarn,
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestNameTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			searchDirectory := testInstance.TempDir()
			if len(testCase.searchPathLogLevel) > 0 {
				searchPathFile := filepath.Join(searchDirectory, testConfigFileNameConstant)
				require.NoError(testInstance, os.WriteFile(searchPathFile, []byte(fmt.Sprintf(testLogLevelTemplateConstant, testCase.searchPathLogLevel)), 0o600))
			}

			configurationFilePath := ""
			if len(testCase.fileLogLevel) > 0 {
				configurationFilePath = filepath.Join(testInstance.TempDir(), testConfigFileNameConstant)
				require.NoError(testInstance, os.WriteFile(configurationFilePath, []byte(fmt.Sprintf(testLogLevelTemplateConstant, testCase.fileLogLevel)), 0o600))
			}

			if len(testCase.environmentLogLevel) > 0 {
				testInstance.Setenv(testLogLevelEnvironmentNameConstant, testCase.environmentLogLevel)
			}

			loader := configuration.NewLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, []string{searchDirectory})
			if len(testCase.embeddedLogLevel) > 0 {
				loader.SetEmbeddedConfiguration([]byte(fmt.Sprintf(testLogLevelTemplateConstant, testCase.embeddedLogLevel)), testConfigurationTypeConstant)
			}

			defaultValues := map[string]any{testLogLevelKeyConstant: "info"}

			loadedConfiguration := configurationFixture{}
			metadata, loadError := loader.Load(configurationFilePath, defaultValues, &loadedConfiguration)
			require.NoError(testInstance, loadError)
			require.Equal(testInstance, testCase.expectedLogLevel, loadedConfiguration.Common.LogLevel)

			switch {
			case len(configurationFilePath) > 0:
				require.Equal(testInstance, configurationFilePath, metadata.ConfigFileUsed)
			case len(testCase.searchPathLogLevel) > 0:
				require.Equal(testInstance, filepath.Join(searchDirectory, testConfigFileNameConstant), metadata.ConfigFileUsed)
			default:
				require.Empty(testInstance, metadata.ConfigFileUsed)
			}
		})
	}
}

func TestLoaderDecodesTypedValues(testInstance *testing.T) {
	configurationFilePath := filepath.Join(testInstance.TempDir(), testConfigFileNameConstant)
	require.NoError(testInstance, os.WriteFile(configurationFilePath, []byte(testTypedConfigurationContentConstant), 0o600))

	loader := configuration.NewLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, nil)
	loadedConfiguration := configurationFixture{}
	_, loadError := loader.Load(configurationFilePath, map[string]any{testTimeoutKeyConstant: "0s"}, &loadedConfiguration)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, logging.LogLevelWarn, loadedConfiguration.Common.LogLevel)
	require.Equal(testInstance, 90*time.Second, loadedConfiguration.Experiment.Timeout)
}

func TestLoaderRejectsInvalidEnumValues(testInstance *testing.T) {
	configurationFilePath := filepath.Join(testInstance.TempDir(), testConfigFileNameConstant)
	require.NoError(testInstance, os.WriteFile(configurationFilePath, []byte(testInvalidLevelConfigurationConstant), 0o600))

	loader := configuration.NewLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, nil)
	loadedConfiguration := configurationFixture{}
	_, loadError := loader.Load(configurationFilePath, nil, &loadedConfiguration)
	require.Error(testInstance, loadError)
}

func TestLoaderReportsMalformedFiles(testInstance *testing.T) {
	configurationFilePath := filepath.Join(testInstance.TempDir(), testConfigFileNameConstant)
	require.NoError(testInstance, os.WriteFile(configurationFilePath, []byte("common: [unterminated\n"), 0o600))

	loader := configuration.NewLoader(testConfigurationNameConstant, testConfigurationTypeConstant, testEnvironmentPrefixConstant, nil)
	_, loadError := loader.Load(configurationFilePath, nil, &configurationFixture{})
	require.Error(testInstance, loadError)
}
