// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package config loads and validates the coordination core's configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for a coordination core instance.
type Config struct {
	Project      ProjectConfig      `yaml:"project"`
	Coordination CoordinationConfig `yaml:"coordination"`
}

// ProjectConfig holds deployment-level configuration.
type ProjectConfig struct {
	Name             string `yaml:"name"`
	WorkingDirectory string `yaml:"working_directory"`
}

// CoordinationConfig holds every tunable named in the external interfaces
// table: retry/back-off, resource and message timeouts, deadlock detection,
// work-stealing, circuit-breaker defaults, and maintenance cadence.
type CoordinationConfig struct {
	MaxRetries          int                 `yaml:"max_retries"`
	RetryDelay          time.Duration       `yaml:"retry_delay"`
	ResourceTimeout     time.Duration       `yaml:"resource_timeout"`
	MessageTimeout      time.Duration       `yaml:"message_timeout"`
	DeadlockDetection   bool                `yaml:"deadlock_detection"`
	DeadlockScanInterval time.Duration      `yaml:"deadlock_scan_interval"`
	MaintenanceInterval time.Duration       `yaml:"maintenance_interval"`
	WorkStealing        WorkStealingConfig  `yaml:"work_stealing"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// WorkStealingConfig controls the work-stealing balancing loop.
type WorkStealingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	StealThreshold int           `yaml:"steal_threshold"`
	MaxStealBatch  int           `yaml:"max_steal_batch"`
	StealInterval  time.Duration `yaml:"steal_interval"`
}

// CircuitBreakerConfig supplies the defaults applied to every named breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenLimit    int           `yaml:"half_open_limit"`
}

// Default returns the configuration used when no file is found or fields
// are left zero-valued in a loaded file.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Name: "swarmcore",
		},
		Coordination: CoordinationConfig{
			MaxRetries:           3,
			RetryDelay:           500 * time.Millisecond,
			ResourceTimeout:      30 * time.Second,
			MessageTimeout:       10 * time.Second,
			DeadlockDetection:    true,
			DeadlockScanInterval: 5 * time.Second,
			MaintenanceInterval:  10 * time.Second,
			WorkStealing: WorkStealingConfig{
				Enabled:        true,
				StealThreshold: 3,
				MaxStealBatch:  5,
				StealInterval:  2 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
				HalfOpenLimit:    1,
			},
		},
	}
}

// Load reads configuration from <workingDirectory>/.claude/swarmcore.yaml,
// falling back to Default() for any field the file leaves unset.
func Load(workingDirectory string) (*Config, error) {
	cfg := Default()

	if workingDirectory == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		workingDirectory = cwd
	}
	cfg.Project.WorkingDirectory = workingDirectory

	configPath := filepath.Join(workingDirectory, ".claude", "swarmcore.yaml")
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Project.WorkingDirectory == "" {
		cfg.Project.WorkingDirectory = workingDirectory
	}

	return cfg, nil
}

// Validate checks that the configuration describes a usable coordination core.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("project name is required")
	}
	co := c.Coordination
	if co.MaxRetries < 0 {
		return fmt.Errorf("coordination.max_retries must be >= 0")
	}
	if co.ResourceTimeout <= 0 {
		return fmt.Errorf("coordination.resource_timeout must be > 0")
	}
	if co.MessageTimeout <= 0 {
		return fmt.Errorf("coordination.message_timeout must be > 0")
	}
	if co.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("coordination.circuit_breaker.failure_threshold must be > 0")
	}
	if co.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("coordination.circuit_breaker.success_threshold must be > 0")
	}
	if co.CircuitBreaker.HalfOpenLimit <= 0 {
		return fmt.Errorf("coordination.circuit_breaker.half_open_limit must be > 0")
	}
	if co.WorkStealing.Enabled && co.WorkStealing.MaxStealBatch <= 0 {
		return fmt.Errorf("coordination.work_stealing.max_steal_batch must be > 0 when enabled")
	}
	return nil
}
