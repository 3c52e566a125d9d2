package experiment

import (
	"time"

	"github.com/temirov/expkit/internal/memguard"
	"github.com/temirov/expkit/internal/seeding"
)

const (
	defaultLabelConstant              = "experiment"
	defaultLogFileConstant            = "logs/experiment.log"
	defaultMemoryLimitGiBConstant     = 8.0
	experimentSectionKeyConstant      = "experiment"
	seedSectionKeyConstant            = "seed"
	memorySectionKeyConstant          = "memory"
	metricsSectionKeyConstant         = "metrics"
	configurationKeySeparatorConstant = "."
)

// Configuration aggregates the persisted settings used by the run command.
type Configuration struct {
	Experiment RunConfiguration     `mapstructure:"experiment"`
	Seed       SeedConfiguration    `mapstructure:"seed"`
	Memory     MemoryConfiguration  `mapstructure:"memory"`
	Metrics    MetricsConfiguration `mapstructure:"metrics"`
}

// RunConfiguration describes logging and reporting for a single run.
type RunConfiguration struct {
	Label         string        `mapstructure:"label"`
	LogFile       string        `mapstructure:"log_file"`
	LocalizedTime bool          `mapstructure:"localized_time"`
	TimeZone      string        `mapstructure:"time_zone"`
	SummaryFile   string        `mapstructure:"summary_file"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SeedConfiguration describes how the run is seeded.
type SeedConfiguration struct {
	Value            uint64 `mapstructure:"value"`
	HashSeedVariable string `mapstructure:"hash_seed_variable"`
	Extended         bool   `mapstructure:"extended"`
	Deterministic    bool   `mapstructure:"deterministic"`
	Benchmark        bool   `mapstructure:"benchmark"`
}

// MemoryConfiguration describes the memory-growth guard around the child process.
type MemoryConfiguration struct {
	Enabled  bool                 `mapstructure:"enabled"`
	LimitGiB float64              `mapstructure:"limit_gib"`
	Sampler  memguard.SamplerKind `mapstructure:"sampler"`
}

// MetricsConfiguration names the Prometheus textfile written after the run.
type MetricsConfiguration struct {
	Textfile string `mapstructure:"textfile"`
}

// DefaultConfiguration returns the baseline run configuration.
func DefaultConfiguration() Configuration {
	backend := seeding.DefaultBackendOptions()
	return Configuration{
		Experiment: RunConfiguration{
			Label:         defaultLabelConstant,
			LogFile:       defaultLogFileConstant,
			LocalizedTime: true,
		},
		Seed: SeedConfiguration{
			HashSeedVariable: seeding.DefaultHashSeedVariable,
			Deterministic:    backend.Deterministic,
			Benchmark:        backend.Benchmark,
		},
		Memory: MemoryConfiguration{
			LimitGiB: defaultMemoryLimitGiBConstant,
			Sampler:  memguard.SamplerChild,
		},
	}
}

// DefaultConfigurationValues flattens DefaultConfiguration into Viper default keys.
func DefaultConfigurationValues() map[string]any {
	defaults := DefaultConfiguration()
	return map[string]any{
		configurationKey(experimentSectionKeyConstant, "label"):          defaults.Experiment.Label,
		configurationKey(experimentSectionKeyConstant, "log_file"):       defaults.Experiment.LogFile,
		configurationKey(experimentSectionKeyConstant, "localized_time"): defaults.Experiment.LocalizedTime,
		configurationKey(experimentSectionKeyConstant, "time_zone"):      defaults.Experiment.TimeZone,
		configurationKey(experimentSectionKeyConstant, "summary_file"):   defaults.Experiment.SummaryFile,
		configurationKey(experimentSectionKeyConstant, "timeout"):        defaults.Experiment.Timeout.String(),
		configurationKey(seedSectionKeyConstant, "value"):                defaults.Seed.Value,
		configurationKey(seedSectionKeyConstant, "hash_seed_variable"):   defaults.Seed.HashSeedVariable,
		configurationKey(seedSectionKeyConstant, "extended"):             defaults.Seed.Extended,
		configurationKey(seedSectionKeyConstant, "deterministic"):        defaults.Seed.Deterministic,
		configurationKey(seedSectionKeyConstant, "benchmark"):            defaults.Seed.Benchmark,
		configurationKey(memorySectionKeyConstant, "enabled"):            defaults.Memory.Enabled,
		configurationKey(memorySectionKeyConstant, "limit_gib"):          defaults.Memory.LimitGiB,
		configurationKey(memorySectionKeyConstant, "sampler"):            string(defaults.Memory.Sampler),
		configurationKey(metricsSectionKeyConstant, "textfile"):          defaults.Metrics.Textfile,
	}
}

func configurationKey(section string, name string) string {
	return section + configurationKeySeparatorConstant + name
}
