// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package config loads Terracotta's settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config is the process configuration
type Config struct {
	Port        int    `env:"PORT,default=3001"`
	BindAddress string `env:"BIND_ADDRESS"`

	WebhookSecret         string  `env:"GITHUB_WEBHOOK_SECRET"`
	InsecureSkipSignature bool    `env:"INSECURE_SKIP_SIGNATURE,default=false"`
	GitHubAppID           int64   `env:"GITHUB_APP_ID"`
	GitHubPrivateKey      string  `env:"GITHUB_PRIVATE_KEY"`
	GitHubPrivateKeyPath  string  `env:"GITHUB_PRIVATE_KEY_PATH"`
	GitHubEnterpriseURL   string  `env:"GITHUB_ENTERPRISE_URL"`
	BotLogin              string  `env:"BOT_LOGIN,default=try-terracotta[bot]"`
	RateLimitPerSecond    float64 `env:"RATE_LIMIT_PER_SECOND,default=10"`

	OpenAIAPIKey       string        `env:"OPENAI_API_KEY"`
	AssistantID        string        `env:"TERRACOTTA_ASSISTANT_ID"`
	OpenAIModel        string        `env:"OPENAI_MODEL,default=gpt-4o-mini"`
	SummaryProvider    string        `env:"SUMMARY_PROVIDER,default=openai"`
	AnthropicAPIKey    string        `env:"ANTHROPIC_API_KEY"`
	AnthropicModel     string        `env:"ANTHROPIC_MODEL,default=claude-sonnet-4-5"`
	RunPollInterval    time.Duration `env:"RUN_POLL_INTERVAL,default=1s"`
	RunPollMaxAttempts int           `env:"RUN_POLL_MAX_ATTEMPTS,default=120"`

	DatabaseURL string `env:"DATABASE_URL"`

	WorkspaceRoot      string        `env:"WORKSPACE_ROOT,default=./temp"`
	WorkspaceTTL       time.Duration `env:"WORKSPACE_TTL,default=24h"`
	JanitorInterval    time.Duration `env:"JANITOR_INTERVAL,default=30m"`
	TerraformBin       string        `env:"TERRAFORM_BIN,default=terraform"`
	TerraformTimeout   time.Duration `env:"TERRAFORM_TIMEOUT,default=5m"`
	PlanOutFile        string        `env:"PLAN_OUT_FILE,default=terracottaPlan"`
	MaxConcurrentTasks int           `env:"MAX_CONCURRENT_TASKS,default=4"`
	TaskQueueSize      int           `env:"TASK_QUEUE_SIZE,default=64"`
	StateBucket        string        `env:"STATE_BUCKET"`

	LogDevelopment bool `env:"LOG_DEVELOPMENT,default=false"`
}

// Load reads envFile into the process environment if it exists, then
// decodes the environment into a Config. Variables already set win over
// the file.
func Load(ctx context.Context, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return process(ctx, envconfig.OsLookuper())
}

func process(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return &cfg, nil
}

// Validate reports every setting that prevents serving webhooks
func (c *Config) Validate() error {
	var errs []error

	if c.WebhookSecret == "" && !c.InsecureSkipSignature {
		errs = append(errs, errors.New("GITHUB_WEBHOOK_SECRET is required unless INSECURE_SKIP_SIGNATURE=true"))
	}
	if c.GitHubAppID == 0 {
		errs = append(errs, errors.New("GITHUB_APP_ID is required"))
	}
	if c.GitHubPrivateKey == "" && c.GitHubPrivateKeyPath == "" {
		errs = append(errs, errors.New("GITHUB_PRIVATE_KEY or GITHUB_PRIVATE_KEY_PATH is required"))
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.AssistantID == "" {
		errs = append(errs, errors.New("TERRACOTTA_ASSISTANT_ID is required"))
	}
	switch c.SummaryProvider {
	case "openai":
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is required when SUMMARY_PROVIDER=anthropic"))
		}
	default:
		errs = append(errs, fmt.Errorf("SUMMARY_PROVIDER must be openai or anthropic, got %q", c.SummaryProvider))
	}
	if c.MaxConcurrentTasks < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_TASKS must be at least 1"))
	}
	if c.TaskQueueSize < 0 {
		errs = append(errs, errors.New("TASK_QUEUE_SIZE must not be negative"))
	}
	if c.JanitorInterval <= 0 {
		errs = append(errs, errors.New("JANITOR_INTERVAL must be positive"))
	}
	if c.RateLimitPerSecond <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_SECOND must be positive"))
	}

	return errors.Join(errs...)
}

// PrivateKey returns the GitHub App key, reading GITHUB_PRIVATE_KEY_PATH
// when the key is not set inline.
func (c *Config) PrivateKey() ([]byte, error) {
	if c.GitHubPrivateKey != "" {
		return []byte(c.GitHubPrivateKey), nil
	}
	key, err := os.ReadFile(c.GitHubPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return key, nil
}

// Address returns the listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}
