package experiment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/temirov/expkit/internal/execshell"
	"github.com/temirov/expkit/internal/memguard"
	"github.com/temirov/expkit/internal/seeding"
)

const (
	outcomeSucceededConstant            = "succeeded"
	outcomeFailedConstant               = "failed"
	outcomeMemoryExceededConstant       = "memory_exceeded"
	summaryDirectoryPermissionsConstant = 0o755
	summaryFilePermissionsConstant      = 0o644
	summaryEncodeErrorTemplateConstant  = "unable to encode run summary: %w"
	summaryWriteErrorTemplateConstant   = "unable to write run summary %q: %w"
	summaryReadErrorTemplateConstant    = "unable to read run summary %q: %w"
	summaryDecodeErrorTemplateConstant  = "unable to decode run summary %q: %w"
	summaryWrittenMessageConstant       = "Run summary written"
	logFieldSummaryFileConstant         = "summary_file"
)

// Summary is the persisted record of a finished experiment run.
type Summary struct {
	Label             string                  `yaml:"label"`
	Command           []string                `yaml:"command"`
	Seed              uint64                  `yaml:"seed"`
	HashSeedVariable  string                  `yaml:"hash_seed_variable"`
	Extended          bool                    `yaml:"extended"`
	Backend           *seeding.BackendOptions `yaml:"backend,omitempty"`
	StartedAt         string                  `yaml:"started_at"`
	ElapsedSeconds    float64                 `yaml:"elapsed_seconds"`
	ExitCode          int                     `yaml:"exit_code"`
	Outcome           string                  `yaml:"outcome"`
	Error             string                  `yaml:"error,omitempty"`
	MemoryLimitGiB    float64                 `yaml:"memory_limit_gib,omitempty"`
	LogFile           string                  `yaml:"log_file"`
	ConfigurationFile string                  `yaml:"configuration_file,omitempty"`
}

func newSummary(options Options, command execshell.Command, result execshell.Result, childError error) Summary {
	summary := Summary{
		Label:             options.Label,
		Command:           commandLine(command),
		Seed:              options.Seed,
		HashSeedVariable:  options.HashSeedVariable,
		Extended:          options.Extended,
		ExitCode:          result.ExitCode,
		Outcome:           outcomeSucceededConstant,
		LogFile:           options.LogFilePath,
		ConfigurationFile: options.ConfigurationFile,
	}
	if len(summary.HashSeedVariable) == 0 {
		summary.HashSeedVariable = seeding.DefaultHashSeedVariable
	}
	if options.Extended {
		backend := options.Backend
		summary.Backend = &backend
	}
	if options.GuardMemory {
		summary.MemoryLimitGiB = options.MemoryLimitGiB
	}

	switch {
	case childError == nil:
	case errors.Is(childError, memguard.ErrMemoryLimitExceeded):
		summary.Outcome = outcomeMemoryExceededConstant
		summary.Error = childError.Error()
	default:
		summary.Outcome = outcomeFailedConstant
		summary.Error = childError.Error()
	}

	return summary
}

// WriteSummary encodes the summary as YAML, creating parent directories as needed.
func WriteSummary(summaryPath string, summary Summary) error {
	encoded, encodeError := yaml.Marshal(summary)
	if encodeError != nil {
		return fmt.Errorf(summaryEncodeErrorTemplateConstant, encodeError)
	}

	if directory := filepath.Dir(summaryPath); len(directory) > 0 {
		if createError := os.MkdirAll(directory, summaryDirectoryPermissionsConstant); createError != nil {
			return fmt.Errorf(summaryWriteErrorTemplateConstant, summaryPath, createError)
		}
	}

	if writeError := os.WriteFile(summaryPath, encoded, summaryFilePermissionsConstant); writeError != nil {
		return fmt.Errorf(summaryWriteErrorTemplateConstant, summaryPath, writeError)
	}
	return nil
}

// ReadSummary decodes a summary previously written by WriteSummary.
func ReadSummary(summaryPath string) (Summary, error) {
	encoded, readError := os.ReadFile(summaryPath)
	if readError != nil {
		return Summary{}, fmt.Errorf(summaryReadErrorTemplateConstant, summaryPath, readError)
	}

	var summary Summary
	if decodeError := yaml.Unmarshal(encoded, &summary); decodeError != nil {
		return Summary{}, fmt.Errorf(summaryDecodeErrorTemplateConstant, summaryPath, decodeError)
	}
	return summary, nil
}
