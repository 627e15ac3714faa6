package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all taskloom harness configuration.
type Config struct {
	Provider string         `mapstructure:"provider"`
	Claude   ClaudeConfig   `mapstructure:"claude"`
	OpenCode OpenCodeConfig `mapstructure:"opencode"`
	Safety   SafetyConfig   `mapstructure:"safety"`

	Tasks        TasksConfig        `mapstructure:"tasks"`
	Loop         LoopConfig         `mapstructure:"loop"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Repo         RepoConfig         `mapstructure:"repo"`
	Verification VerificationConfig `mapstructure:"verification"`

	RDD       RDDConfig       `mapstructure:"rdd"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Timeout   TimeoutConfig   `mapstructure:"timeout"`
}

// ClaudeConfig holds Claude Code invocation settings
type ClaudeConfig struct {
	Command []string `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// OpenCodeConfig holds OpenCode invocation settings
type OpenCodeConfig struct {
	Command []string `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// SafetyConfig holds safety and sandbox settings
type SafetyConfig struct {
	Sandbox         bool     `mapstructure:"sandbox"`
	AllowedCommands []string `mapstructure:"allowed_commands"`
}

// TasksConfig points at the on-disk task store root.
type TasksConfig struct {
	Backend      string `mapstructure:"backend"`
	Path         string `mapstructure:"path"`
	ParentIDFile string `mapstructure:"parent_id_file"`
}

// GutterConfig bounds the iteration-level stuck-loop detector: too many
// identical failures or too much commit churn without forward progress.
type GutterConfig struct {
	MaxSameFailure  int `mapstructure:"max_same_failure"`
	MaxChurnCommits int `mapstructure:"max_churn_commits"`
}

// LoopConfig bounds one coordinator run.
type LoopConfig struct {
	MaxIterations          int          `mapstructure:"max_iterations"`
	MaxMinutesPerIteration int          `mapstructure:"max_minutes_per_iteration"`
	MaxRetries             int          `mapstructure:"max_retries"`
	MaxVerificationRetries int          `mapstructure:"max_verification_retries"`
	Gutter                 GutterConfig `mapstructure:"gutter"`
}

// MemoryConfig holds progress-file persistence settings.
type MemoryConfig struct {
	ProgressFile        string `mapstructure:"progress_file"`
	ArchiveDir          string `mapstructure:"archive_dir"`
	MaxProgressBytes    int    `mapstructure:"max_progress_bytes"`
	MaxRecentIterations int    `mapstructure:"max_recent_iterations"`
}

// RepoConfig holds git working-tree conventions.
type RepoConfig struct {
	Root         string `mapstructure:"root"`
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// VerificationConfig lists the shell commands run to confirm a task's
// acceptance criteria before it is marked completed.
type VerificationConfig struct {
	Commands [][]string `mapstructure:"commands"`
}

// RDDConfig mirrors the Recursive Decomposition Engine's Configuration
// block (rdd.Config), exposed here so it can be set from ralph.yaml/env.
type RDDConfig struct {
	MaxDepth                    int     `mapstructure:"max_depth"`
	MaxSubTasks                 int     `mapstructure:"max_sub_tasks"`
	MinConfidence               float64 `mapstructure:"min_confidence"`
	EpicTimeLimitHours          float64 `mapstructure:"epic_time_limit_hours"`
	EnableParallelDecomposition bool    `mapstructure:"enable_parallel_decomposition"`
	Parallelism                 int     `mapstructure:"parallelism"`
}

// SchedulerResourceLimits mirrors scheduler.ResourceLimits.
type SchedulerResourceLimits struct {
	MaxMemoryMB       int     `mapstructure:"max_memory_mb"`
	MaxCPUUtilization float64 `mapstructure:"max_cpu_utilization"`
	AvailableAgents   int     `mapstructure:"available_agents"`
	ConcurrencyCap    int     `mapstructure:"concurrency_cap"`
}

// SchedulerConfig mirrors scheduler.Config.
type SchedulerConfig struct {
	Algorithm                 string                  `mapstructure:"algorithm"`
	Limits                    SchedulerResourceLimits `mapstructure:"limits"`
	AutomationIntervalSeconds int                     `mapstructure:"automation_interval_seconds"`
}

// TimeoutConfig mirrors timeout.Config for one operation kind. Defaults
// below reflect the "decomposition" kind; the execution coordinator
// selects timeout.DefaultConfig(timeout.KindExecution) in code instead
// of reading this block, since its budget legitimately differs per kind.
type TimeoutConfig struct {
	BaseTimeout              time.Duration `mapstructure:"base_timeout"`
	MaxTimeout               time.Duration `mapstructure:"max_timeout"`
	ProgressCheckInterval    time.Duration `mapstructure:"progress_check_interval"`
	ExponentialBackoffFactor float64       `mapstructure:"exponential_backoff_factor"`
	MaxRetries               int           `mapstructure:"max_retries"`
	PartialResultThreshold   float64       `mapstructure:"partial_result_threshold"`
}

// LoadConfigWithFile loads configuration from a specific file if provided,
// otherwise falls back to LoadConfig with the working directory.
func LoadConfigWithFile(workDir, configFile string) (*Config, error) {
	if configFile != "" {
		return LoadConfigFromPath(configFile)
	}

	localPath := filepath.Join(workDir, "ralph.yaml")
	if _, err := os.Stat(localPath); err == nil {
		return LoadConfig(workDir)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	globalPath, err := GlobalConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadConfigFromPath(globalPath)
}

// LoadConfig loads configuration from ralph.yaml in the given directory.
// If no config file exists, sensible defaults are returned.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigName("ralph")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	// Read config file (ignore not found errors)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadConfigFromPath loads configuration from a specific file path
func LoadConfigFromPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Check if file exists
	if _, err := os.Stat(configPath); err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			cfg := &Config{}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Configure viper to read from specific file
	v.SetConfigFile(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	// Unmarshal into Config struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults sets all default values for configuration
func setDefaults(v *viper.Viper) {
	// Claude defaults
	v.SetDefault("claude.command", []string{"claude"})
	v.SetDefault("claude.args", []string{})

	// OpenCode defaults
	v.SetDefault("opencode.command", []string{"opencode", "run"})
	v.SetDefault("opencode.args", []string{})

	// Provider defaults
	v.SetDefault("provider", "claude")

	// Safety defaults
	v.SetDefault("safety.sandbox", false)
	v.SetDefault("safety.allowed_commands", []string{"npm", "go", "git"})

	// Tasks defaults
	v.SetDefault("tasks.backend", DefaultTasksBackend)
	v.SetDefault("tasks.path", DefaultTasksPath)
	v.SetDefault("tasks.parent_id_file", DefaultParentIDFile)

	// Loop defaults
	v.SetDefault("loop.max_iterations", DefaultMaxIterations)
	v.SetDefault("loop.max_minutes_per_iteration", DefaultMaxMinutesPerIteration)
	v.SetDefault("loop.max_retries", DefaultMaxRetries)
	v.SetDefault("loop.max_verification_retries", DefaultMaxVerificationRetries)
	v.SetDefault("loop.gutter.max_same_failure", DefaultMaxSameFailure)
	v.SetDefault("loop.gutter.max_churn_commits", DefaultMaxChurnCommits)

	// Memory defaults
	v.SetDefault("memory.progress_file", DefaultProgressFile)
	v.SetDefault("memory.archive_dir", DefaultArchiveDir)
	v.SetDefault("memory.max_progress_bytes", DefaultMaxProgressBytes)
	v.SetDefault("memory.max_recent_iterations", DefaultMaxRecentIterations)

	// Repo defaults
	v.SetDefault("repo.root", DefaultRepoRoot)
	v.SetDefault("repo.branch_prefix", DefaultBranchPrefix)

	// Verification defaults: no commands configured out of the box.
	v.SetDefault("verification.commands", [][]string{})

	// RDD defaults, mirroring rdd.DefaultConfig().
	v.SetDefault("rdd.max_depth", 5)
	v.SetDefault("rdd.max_sub_tasks", 400)
	v.SetDefault("rdd.min_confidence", 0.7)
	v.SetDefault("rdd.epic_time_limit_hours", 400.0)
	v.SetDefault("rdd.enable_parallel_decomposition", false)
	v.SetDefault("rdd.parallelism", 4)

	// Scheduler defaults, mirroring scheduler.DefaultConfig() /
	// scheduler.DefaultResourceLimits().
	v.SetDefault("scheduler.algorithm", "hybrid_optimal")
	v.SetDefault("scheduler.limits.max_memory_mb", 4096)
	v.SetDefault("scheduler.limits.max_cpu_utilization", 4.0)
	v.SetDefault("scheduler.limits.available_agents", 4)
	v.SetDefault("scheduler.limits.concurrency_cap", 4)
	v.SetDefault("scheduler.automation_interval_seconds", 30)

	// Timeout defaults, mirroring timeout.DefaultConfig(timeout.KindDecomposition).
	v.SetDefault("timeout.base_timeout", 30*time.Second)
	v.SetDefault("timeout.max_timeout", 5*time.Minute)
	v.SetDefault("timeout.progress_check_interval", 10*time.Second)
	v.SetDefault("timeout.exponential_backoff_factor", 2.0)
	v.SetDefault("timeout.max_retries", 3)
	v.SetDefault("timeout.partial_result_threshold", 0.5)

	// Environment overrides for the fields spec.md calls out explicitly.
	_ = v.BindEnv("rdd.max_sub_tasks", "VIBE_RDD_MAX_SUB_TASKS")
	_ = v.BindEnv("rdd.epic_time_limit_hours", "VIBE_RDD_EPIC_TIME_LIMIT")
	_ = v.BindEnv("repo.root", "VIBE_PROJECT_ROOT")
}
