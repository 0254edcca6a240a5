// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates service configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables for credentials. Validation runs once at load
// time so downstream packages can trust the values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Provider name constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderDeepseek  = "deepseek"
)

// Config is the full service configuration.
type Config struct {
	// Server holds HTTP listener settings.
	Server ServerConfig `yaml:"server"`

	// Provider selects and configures the LLM backend per role.
	Provider ProviderConfig `yaml:"provider"`

	// Conversation holds retention and windowing settings.
	Conversation ConversationConfig `yaml:"conversation"`

	// Entities holds entity cache freshness settings.
	Entities EntityConfig `yaml:"entities"`

	// Intent holds decay and threshold settings.
	Intent IntentConfig `yaml:"intent"`

	// Streaming holds transport flush settings.
	Streaming StreamingConfig `yaml:"streaming"`

	// Evaluation holds quality-sampling settings.
	Evaluation EvaluationConfig `yaml:"evaluation"`

	// Sports holds the domain data API settings.
	Sports SportsConfig `yaml:"sports"`

	// StoragePath is the BadgerDB directory. Empty selects in-memory mode.
	StoragePath string `yaml:"storage_path"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port  int  `yaml:"port" validate:"gte=1,lte=65535"`
	Debug bool `yaml:"debug"`
}

// ProviderConfig selects the LLM backend and models.
//
// Credentials are never read from YAML, only from the environment
// (ANTHROPIC_API_KEY, DEEPSEEK_API_KEY), which is the only source of
// secrets.
type ProviderConfig struct {
	// Name is the generation provider: "anthropic" or "deepseek".
	Name string `yaml:"name" validate:"oneof=anthropic deepseek"`

	// Model is the provider-specific model identifier for generation.
	Model string `yaml:"model" validate:"required"`

	// FilterModel is the (usually cheaper) model used by the content
	// filter and the evaluation sampler. Empty means Model.
	FilterModel string `yaml:"filter_model"`

	// APIKey is resolved from the environment at load time.
	APIKey string `yaml:"-"`

	// BaseURL overrides the provider endpoint. Used by tests.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each provider call.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// MaxAttempts caps retries for transient provider failures.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=10"`
}

// ConversationConfig holds retention and windowing settings.
type ConversationConfig struct {
	// IdleAfter is the inactivity threshold for the Active -> Idle
	// transition.
	IdleAfter time.Duration `yaml:"idle_after" validate:"gt=0"`

	// ExpireAfter is the inactivity retention window; past it a
	// conversation is Expired and eligible for eviction.
	ExpireAfter time.Duration `yaml:"expire_after" validate:"gt=0"`

	// MessageWindow is the max number of messages kept per conversation.
	MessageWindow int `yaml:"message_window" validate:"gte=2"`

	// MaxConversations bounds the in-memory registry; the oldest
	// conversations are archived and evicted past it.
	MaxConversations int `yaml:"max_conversations" validate:"gte=1"`

	// SweepInterval is how often the manager sweeps for expiry.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`

	// ArchiveTTL is how long archived conversations are retained in the
	// backing store.
	ArchiveTTL time.Duration `yaml:"archive_ttl" validate:"gt=0"`
}

// EntityConfig holds entity cache freshness settings.
type EntityConfig struct {
	// FreshnessWindow is how long a cached entity is served without a
	// backing-store fetch.
	FreshnessWindow time.Duration `yaml:"freshness_window" validate:"gt=0"`

	// GracePeriod extends service of a stale entry when the backing store
	// is unavailable on refresh.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gte=0"`

	// HistoryTTL is how long extracted entities stay in conversation
	// context.
	HistoryTTL time.Duration `yaml:"history_ttl" validate:"gt=0"`
}

// IntentConfig holds confidence decay and threshold settings.
type IntentConfig struct {
	// DecayRate is the per-turn multiplicative confidence decay for
	// carried-over entities: decayed = base * DecayRate^elapsedTurns.
	DecayRate float64 `yaml:"decay_rate" validate:"gt=0,lte=1"`

	// ResolutionThreshold is the minimum decayed confidence for a
	// carried-over entity to resolve a reference.
	ResolutionThreshold float64 `yaml:"resolution_threshold" validate:"gte=0,lte=1"`

	// SimilarityThreshold is the minimum fuzzy-match similarity for the
	// entity extractor.
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"gte=0,lte=1"`
}

// StreamingConfig holds transport flush settings.
type StreamingConfig struct {
	// FlushInterval is the minimum interval between transport edits while
	// streaming, bounding update-call volume.
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
}

// EvaluationConfig holds quality-sampling settings.
type EvaluationConfig struct {
	// SamplingRate is the probability that a finalized response receives a
	// secondary evaluation call.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// MaxDailySamples caps evaluation calls per day.
	MaxDailySamples int `yaml:"max_daily_samples" validate:"gte=0"`
}

// SportsConfig holds the domain data API settings.
type SportsConfig struct {
	// BaseURL is the football-data API endpoint.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// APIKey is resolved from FOOTBALL_DATA_API_KEY at load time.
	APIKey string `yaml:"-"`

	// RequestsPerMinute is the client-side rate limit.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=1"`

	// Timeout bounds each data API call.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Provider: ProviderConfig{
			Name:        ProviderDeepseek,
			Model:       "deepseek-chat",
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
		},
		Conversation: ConversationConfig{
			IdleAfter:        10 * time.Minute,
			ExpireAfter:      30 * time.Minute,
			MessageWindow:    50,
			MaxConversations: 1000,
			SweepInterval:    5 * time.Minute,
			ArchiveTTL:       30 * 24 * time.Hour,
		},
		Entities: EntityConfig{
			FreshnessWindow: 24 * time.Hour,
			GracePeriod:     6 * time.Hour,
			HistoryTTL:      time.Hour,
		},
		Intent: IntentConfig{
			DecayRate:           0.8,
			ResolutionThreshold: 0.5,
			SimilarityThreshold: 0.72,
		},
		Streaming: StreamingConfig{FlushInterval: time.Second},
		Evaluation: EvaluationConfig{
			SamplingRate:    0.05,
			MaxDailySamples: 100,
		},
		Sports: SportsConfig{
			BaseURL:           "https://api.football-data.org/v4",
			RequestsPerMinute: 10,
			Timeout:           15 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
//
// Inputs:
//   - path: YAML file path. Empty skips the file layer. A missing file at a
//     non-empty path is an error; a present file overrides defaults.
//
// Outputs:
//   - Config: The validated configuration.
//   - error: Non-nil on read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		slog.Info("Loaded configuration file", slog.String("path", path))
	}

	cfg.Provider.APIKey = providerKeyFromEnv(cfg.Provider.Name)
	cfg.Sports.APIKey = os.Getenv("FOOTBALL_DATA_API_KEY")
	if cfg.Provider.FilterModel == "" {
		cfg.Provider.FilterModel = cfg.Provider.Model
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules that tags cannot express.
func Validate(cfg Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	if cfg.Conversation.IdleAfter >= cfg.Conversation.ExpireAfter {
		return fmt.Errorf("config: idle_after (%v) must be shorter than expire_after (%v)",
			cfg.Conversation.IdleAfter, cfg.Conversation.ExpireAfter)
	}
	return nil
}

// providerKeyFromEnv resolves the API key for a provider name.
func providerKeyFromEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderDeepseek:
		return os.Getenv("DEEPSEEK_API_KEY")
	default:
		return ""
	}
}
