// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the world configuration tree, its defaults and
// validation, and the YAML loader with environment-variable expansion.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/vivarium/pkg/auction"
	"github.com/kadirpekel/vivarium/pkg/llm"
	"github.com/kadirpekel/vivarium/pkg/loop"
	"github.com/kadirpekel/vivarium/pkg/supervisor"
)

// Config is the root of the configuration tree. Durations are expressed
// in seconds so fractional values work in YAML.
type Config struct {
	World        WorldConfig        `yaml:"world"`
	Budget       BudgetConfig       `yaml:"budget"`
	Events       EventsConfig       `yaml:"events"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Storage      StorageConfig      `yaml:"storage"`
	LLM          LLMConfig          `yaml:"llm"`
	Models       ModelsConfig       `yaml:"models"`
	Auction      AuctionConfig      `yaml:"auction"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// WorldConfig bounds the run and seeds the initial population.
type WorldConfig struct {
	MaxDurationSeconds float64    `yaml:"max_duration_seconds"`
	Seed               SeedConfig `yaml:"seed"`
}

// MaxDuration returns the wall-clock cap as a duration. Zero means
// unlimited.
func (c WorldConfig) MaxDuration() time.Duration {
	return seconds(c.MaxDurationSeconds)
}

// SeedConfig is the initial world content.
type SeedConfig struct {
	Principals []SeedPrincipal `yaml:"principals"`
	Artifacts  []SeedArtifact  `yaml:"artifacts"`
}

// SeedPrincipal is one pre-funded ledger entry.
type SeedPrincipal struct {
	ID        string             `yaml:"id"`
	Scrip     int64              `yaml:"scrip"`
	Resources map[string]float64 `yaml:"resources"`
}

// SeedArtifact is one bootstrap artifact.
type SeedArtifact struct {
	ID               string   `yaml:"id"`
	Type             string   `yaml:"type"`
	CreatedBy        string   `yaml:"created_by"`
	Content          string   `yaml:"content"`
	Code             string   `yaml:"code"`
	Executable       bool     `yaml:"executable"`
	HasLoop          bool     `yaml:"has_loop"`
	Capabilities     []string `yaml:"capabilities"`
	AccessContractID string   `yaml:"access_contract_id"`
}

// BudgetConfig caps global API spend.
type BudgetConfig struct {
	MaxAPICost     float64 `yaml:"max_api_cost"`
	CheckpointFile string  `yaml:"checkpoint_file"`
}

// EventsConfig controls event persistence.
type EventsConfig struct {
	LogFile string `yaml:"log_file"`
}

// ResourceLimit is one rate-limited resource.
type ResourceLimit struct {
	MaxPerWindow float64 `yaml:"max_per_window"`
}

// RateLimitingConfig configures the shared rolling window.
type RateLimitingConfig struct {
	Enabled       bool                     `yaml:"enabled"`
	WindowSeconds float64                  `yaml:"window_seconds"`
	Resources     map[string]ResourceLimit `yaml:"resources"`
}

// Window returns the rolling window as a duration.
func (c RateLimitingConfig) Window() time.Duration {
	return seconds(c.WindowSeconds)
}

// LoopConfig is the per-flavor loop tuning.
type LoopConfig struct {
	MinLoopDelay             float64  `yaml:"min_loop_delay"`
	MaxLoopDelay             float64  `yaml:"max_loop_delay"`
	ResourceCheckInterval    float64  `yaml:"resource_check_interval"`
	MaxConsecutiveErrors     int      `yaml:"max_consecutive_errors"`
	ResourcesToCheck         []string `yaml:"resources_to_check"`
	ResourceExhaustionPolicy string   `yaml:"resource_exhaustion_policy"`
	StopTimeoutSeconds       float64  `yaml:"stop_timeout_seconds"`
}

// ToLoopConfig converts to the loop engine's native config.
func (c LoopConfig) ToLoopConfig() loop.Config {
	return loop.Config{
		MinLoopDelay:          seconds(c.MinLoopDelay),
		MaxLoopDelay:          seconds(c.MaxLoopDelay),
		ResourceCheckInterval: seconds(c.ResourceCheckInterval),
		MaxConsecutiveErrors:  c.MaxConsecutiveErrors,
		ResourcesToCheck:      c.ResourcesToCheck,
		ExhaustionPolicy:      c.ResourceExhaustionPolicy,
		StopTimeout:           seconds(c.StopTimeoutSeconds),
	}
}

// ExecutionConfig tunes both loop flavors.
type ExecutionConfig struct {
	AgentLoop    LoopConfig `yaml:"agent_loop"`
	ArtifactLoop LoopConfig `yaml:"artifact_loop"`
}

// RestartPolicyConfig is the supervisor's restart policy.
type RestartPolicyConfig struct {
	MaxRestartsPerHour          int     `yaml:"max_restarts_per_hour"`
	InitialBackoffSeconds       float64 `yaml:"initial_backoff_seconds"`
	BackoffMultiplier           float64 `yaml:"backoff_multiplier"`
	MaxBackoffSeconds           float64 `yaml:"max_backoff_seconds"`
	JitterFactor                float64 `yaml:"jitter_factor"`
	RestartOnResourceExhaustion bool    `yaml:"restart_on_resource_exhaustion"`
	RestartOnTimeout            bool    `yaml:"restart_on_timeout"`
}

// SupervisorConfig enables and tunes supervision.
type SupervisorConfig struct {
	Enabled       bool                `yaml:"enabled"`
	CheckInterval float64             `yaml:"check_interval"`
	RestartPolicy RestartPolicyConfig `yaml:"restart_policy"`
}

// ToSupervisorConfig converts to the supervisor's native config.
func (c SupervisorConfig) ToSupervisorConfig() supervisor.Config {
	return supervisor.Config{
		CheckInterval:               seconds(c.CheckInterval),
		MaxRestartsPerHour:          c.RestartPolicy.MaxRestartsPerHour,
		InitialBackoff:              seconds(c.RestartPolicy.InitialBackoffSeconds),
		BackoffMultiplier:           c.RestartPolicy.BackoffMultiplier,
		MaxBackoff:                  seconds(c.RestartPolicy.MaxBackoffSeconds),
		JitterFactor:                c.RestartPolicy.JitterFactor,
		RestartOnResourceExhaustion: c.RestartPolicy.RestartOnResourceExhaustion,
		RestartOnTimeout:            c.RestartPolicy.RestartOnTimeout,
	}
}

// ExecutorConfig tunes sandbox execution.
type ExecutorConfig struct {
	TimeoutSeconds   float64 `yaml:"timeout_seconds"`
	MaxContractDepth int     `yaml:"max_contract_depth"`
}

// Timeout returns the sandbox timeout as a duration.
func (c ExecutorConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
)

// StorageConfig selects the artifact store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	Provider       string  `yaml:"provider"`
	DefaultModel   string  `yaml:"default_model"`
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	MaxRetries     int     `yaml:"max_retries"`
}

// ModelsConfig carries per-model pricing.
type ModelsConfig struct {
	DefaultPricing llm.Pricing            `yaml:"default_pricing"`
	Pricing        map[string]llm.Pricing `yaml:"pricing"`
}

// PricingFor returns the pricing for a model, falling back to the
// default.
func (c ModelsConfig) PricingFor(model string) llm.Pricing {
	if p, ok := c.Pricing[model]; ok {
		return p
	}
	return c.DefaultPricing
}

// AuctionConfig enables and tunes the mint auction.
type AuctionConfig struct {
	Enabled              bool    `yaml:"enabled"`
	IntervalSeconds      float64 `yaml:"interval_seconds"`
	BiddingWindowSeconds float64 `yaml:"bidding_window_seconds"`
	MintAmount           int64   `yaml:"mint_amount"`
	UBIAmount            int64   `yaml:"ubi_amount"`
}

// ToAuctionConfig converts to the auction's native config.
func (c AuctionConfig) ToAuctionConfig() auction.Config {
	return auction.Config{
		Interval:    seconds(c.IntervalSeconds),
		BidDuration: seconds(c.BiddingWindowSeconds),
		MintAmount:  c.MintAmount,
		UBIAmount:   c.UBIAmount,
	}
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SetDefaults fills the whole tree.
func (c *Config) SetDefaults() {
	if c.Budget.CheckpointFile == "" {
		c.Budget.CheckpointFile = "vivarium.checkpoint.json"
	}
	if c.RateLimiting.WindowSeconds == 0 {
		c.RateLimiting.WindowSeconds = 60
	}
	c.Execution.AgentLoop.setDefaults()
	c.Execution.ArtifactLoop.setDefaults()
	c.Supervisor.setDefaults()
	if c.Executor.TimeoutSeconds == 0 {
		c.Executor.TimeoutSeconds = 10
	}
	if c.Executor.MaxContractDepth == 0 {
		c.Executor.MaxContractDepth = 10
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "vivarium.db"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "static"
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "gpt-4o-mini"
	}
	if c.Auction.IntervalSeconds == 0 {
		c.Auction.IntervalSeconds = 300
	}
	if c.Auction.BiddingWindowSeconds == 0 {
		c.Auction.BiddingWindowSeconds = 60
	}
	if c.Auction.MintAmount == 0 {
		c.Auction.MintAmount = 100
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *LoopConfig) setDefaults() {
	if c.MinLoopDelay == 0 {
		c.MinLoopDelay = 1
	}
	if c.MaxLoopDelay == 0 {
		c.MaxLoopDelay = 60
	}
	if c.ResourceCheckInterval == 0 {
		c.ResourceCheckInterval = 5
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.ResourceExhaustionPolicy == "" {
		c.ResourceExhaustionPolicy = loop.PolicySkip
	}
}

func (c *SupervisorConfig) setDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 5
	}
	if c.RestartPolicy.MaxRestartsPerHour == 0 {
		c.RestartPolicy.MaxRestartsPerHour = 10
	}
	if c.RestartPolicy.InitialBackoffSeconds == 0 {
		c.RestartPolicy.InitialBackoffSeconds = 1
	}
	if c.RestartPolicy.BackoffMultiplier == 0 {
		c.RestartPolicy.BackoffMultiplier = 2
	}
	if c.RestartPolicy.MaxBackoffSeconds == 0 {
		c.RestartPolicy.MaxBackoffSeconds = 300
	}
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if c.World.MaxDurationSeconds < 0 {
		return fmt.Errorf("world.max_duration_seconds cannot be negative")
	}
	if c.Budget.MaxAPICost < 0 {
		return fmt.Errorf("budget.max_api_cost cannot be negative")
	}
	if c.RateLimiting.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limiting.window_seconds must be positive")
	}
	for name, limit := range c.RateLimiting.Resources {
		if limit.MaxPerWindow < 0 {
			return fmt.Errorf("rate_limiting.resources.%s.max_per_window cannot be negative", name)
		}
	}
	agentLoop := c.Execution.AgentLoop.ToLoopConfig()
	if err := agentLoop.Validate(); err != nil {
		return fmt.Errorf("execution.agent_loop: %w", err)
	}
	artifactLoop := c.Execution.ArtifactLoop.ToLoopConfig()
	if err := artifactLoop.Validate(); err != nil {
		return fmt.Errorf("execution.artifact_loop: %w", err)
	}
	if c.Supervisor.Enabled {
		sup := c.Supervisor.ToSupervisorConfig()
		if err := sup.Validate(); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
	}
	if c.Executor.TimeoutSeconds <= 0 {
		return fmt.Errorf("executor.timeout_seconds must be positive")
	}
	if c.Executor.MaxContractDepth < 1 {
		return fmt.Errorf("executor.max_contract_depth must be at least 1")
	}
	if c.Storage.Backend != StorageMemory && c.Storage.Backend != StorageBolt {
		return fmt.Errorf("storage.backend must be %q or %q", StorageMemory, StorageBolt)
	}
	if c.Auction.Enabled {
		auc := c.Auction.ToAuctionConfig()
		if err := auc.Validate(); err != nil {
			return fmt.Errorf("auction: %w", err)
		}
	}
	seen := make(map[string]bool)
	for _, p := range c.World.Seed.Principals {
		if p.ID == "" {
			return fmt.Errorf("world.seed.principals: id cannot be empty")
		}
		if p.Scrip < 0 {
			return fmt.Errorf("world.seed.principals.%s: scrip cannot be negative", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("world.seed.principals: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// ProcessConfigPipeline applies defaults and validation in order.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: config cannot be nil")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ProcessConfigPipeline: validation failed: %w", err)
	}
	return cfg, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
