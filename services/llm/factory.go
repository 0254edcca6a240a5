// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/baller/services/config"
)

// Factory construction errors.
var (
	// ErrUnknownProvider is returned for an unrecognized provider name.
	ErrUnknownProvider = errors.New("llm: unknown provider")

	// ErrMissingAPIKey is returned when the selected provider has no
	// credential resolved from the environment.
	ErrMissingAPIKey = errors.New("llm: missing API key")
)

// NewClient builds the generation client for the configured provider,
// wrapped with retry.
//
// Description:
//
//	Single construction point for provider clients. The returned client
//	uses cfg.Model; use NewFilterClient for the cheaper classification
//	model.
//
// Inputs:
//
//	cfg - Provider selection, model, credential, endpoint, and retry
//	      budget. APIKey must be non-empty.
//	logger - Structured logger for retry warnings. Nil uses slog.Default.
//
// Outputs:
//
//	Client - Ready-to-use client. Never nil on success.
//	error - ErrUnknownProvider or ErrMissingAPIKey on bad config.
//
// Thread Safety: Safe for concurrent use; the returned client is too.
func NewClient(cfg config.ProviderConfig, logger *slog.Logger) (Client, error) {
	return newClient(cfg, cfg.Model, logger)
}

// NewFilterClient builds the client used for relevance checks and response
// evaluation. It targets cfg.FilterModel, falling back to cfg.Model when
// no separate filter model is configured.
func NewFilterClient(cfg config.ProviderConfig, logger *slog.Logger) (Client, error) {
	model := cfg.FilterModel
	if model == "" {
		model = cfg.Model
	}
	return newClient(cfg, model, logger)
}

func newClient(cfg config.ProviderConfig, model string, logger *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w for provider %q", ErrMissingAPIKey, cfg.Name)
	}

	var inner Client
	switch cfg.Name {
	case config.ProviderAnthropic:
		inner = NewAnthropicClientWithConfig(cfg.APIKey, model, cfg.BaseURL, cfg.Timeout)
	case config.ProviderDeepseek:
		inner = NewDeepseekClientWithConfig(cfg.APIKey, model, cfg.BaseURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Name)
	}
	return NewRetryingClient(inner, cfg.MaxAttempts, logger), nil
}
