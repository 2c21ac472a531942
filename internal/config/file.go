package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// File is the optional YAML configuration consumed by the CLI. Every field
// has an environment fallback so the file itself is never required.
type File struct {
	Provider ProviderConfig `yaml:"provider"`
	Budget   BudgetConfig   `yaml:"budget"`
	Retry    RetryConfig    `yaml:"retry"`
	Circuit  CircuitConfig  `yaml:"circuit"`
	Store    StoreConfig    `yaml:"store"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Jobs     []JobSpec      `yaml:"jobs"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"apiKey"`
}

type BudgetConfig struct {
	MaxDepth  int     `yaml:"maxDepth"`
	MaxCalls  int     `yaml:"maxCalls"`
	BudgetUSD float64 `yaml:"budgetUsd"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	BaseDelay    time.Duration `yaml:"baseDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	JitterFactor float64       `yaml:"jitterFactor"`
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

type StoreConfig struct {
	Backend   string `yaml:"backend"` // memory, sqlite, redis
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redisAddr"`
}

// JobSpec declares a recurring agent task for the serve command.
type JobSpec struct {
	Name         string `yaml:"name"`
	Schedule     string `yaml:"schedule"`
	Input        string `yaml:"input"`
	SessionKey   string `yaml:"sessionKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

type SandboxConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	OffloadThreshold int           `yaml:"offloadThreshold"`
}

// Load reads a YAML config file, returning defaults when path is empty or
// the file does not exist.
func Load(path string) (File, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func Defaults() File {
	return File{
		Provider: ProviderConfig{
			BaseURL: "https://api.openai.com",
			Model:   "gpt-4o-mini",
		},
		Budget: BudgetConfig{
			MaxDepth:  3,
			MaxCalls:  25,
			BudgetUSD: 1.0,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			JitterFactor: 0.2,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Sandbox: SandboxConfig{
			Timeout:          30 * time.Second,
			OffloadThreshold: 2000,
		},
	}
}
