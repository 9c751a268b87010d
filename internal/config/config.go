// Package config loads runner configuration from the environment using
// koanf and validates the result with struct tags so a bad configuration is
// a single startup-fatal error.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds every environment variable the runner reads.
type Config struct {
	RedisURL      string `koanf:"redis_url" validate:"required"`
	EncryptionKey string `koanf:"encryption_key" validate:"required"`
	RunnerID      string `koanf:"runner_id" validate:"required"`

	MaxConcurrentJobs int           `koanf:"max_concurrent_jobs" validate:"min=1"`
	MaxJobsPerUser    int           `koanf:"max_jobs_per_user" validate:"min=1"`
	JobTimeout        time.Duration `koanf:"job_timeout" validate:"min=1s"`

	AIEnabled        bool          `koanf:"ai_enabled"`
	AICLIPath        string        `koanf:"ai_cli_path"`
	AIProvider       string        `koanf:"ai_provider"`
	AIAPIKey         string        `koanf:"ai_api_key"`
	AITimeout        time.Duration `koanf:"ai_timeout" validate:"min=1s"`
	AIMaxOutputLines int           `koanf:"ai_max_output_lines" validate:"min=1"`

	TempDir string `koanf:"temp_dir" validate:"required"`

	CleanupInterval  time.Duration `koanf:"cleanup_interval" validate:"min=1s"`
	CleanupMaxAge    time.Duration `koanf:"cleanup_max_age" validate:"min=1s"`
	CleanupMaxDiskMB int64         `koanf:"cleanup_max_disk_mb" validate:"min=1"`
	CleanupOnStartup bool          `koanf:"cleanup_on_startup"`

	GitAuthorName  string `koanf:"git_author_name" validate:"required"`
	GitAuthorEmail string `koanf:"git_author_email" validate:"required,email"`

	LogLevel  string `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`

	// HealthAddr is the bind address for the internal health/metrics server.
	HealthAddr string `koanf:"health_addr"`

	// EnableLegacyJobsStream toggles the fourth, single-shot jobs:stream
	// dispatcher kept for pre-session producers.
	EnableLegacyJobsStream bool `koanf:"enable_legacy_jobs_stream"`
}

func defaults() map[string]any {
	return map[string]any{
		"max_concurrent_jobs":       "10",
		"max_jobs_per_user":         "3",
		"job_timeout":               "1h",
		"ai_enabled":                "false",
		"ai_timeout":                "30m",
		"ai_max_output_lines":       "10000",
		"temp_dir":                  "/tmp/repobox",
		"cleanup_interval":          "1h",
		"cleanup_max_age":           "24h",
		"cleanup_max_disk_mb":       "10240",
		"cleanup_on_startup":        "true",
		"git_author_name":           "repobox",
		"git_author_email":          "repobox@users.noreply.github.com",
		"log_level":                 "info",
		"log_format":                "text",
		"health_addr":               ":9090",
		"enable_legacy_jobs_stream": "true",
	}
}

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	// The variables carry no shared prefix (REDIS_URL, ENCRYPTION_KEY, ...);
	// koanf's env provider maps UPPER_SNAKE directly to the lower_snake
	// koanf keys used above.
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// ANTHROPIC_API_KEY is the name the CLI ecosystem already exports;
	// accept it when AI_API_KEY is unset.
	if cfg.AIAPIKey == "" {
		cfg.AIAPIKey = k.String("anthropic_api_key")
	}

	v := validator.New()
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}
