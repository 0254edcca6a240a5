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
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// llmTracerName is the shared OTel tracer name for all provider clients.
const llmTracerName = "baller.llm"

// Package-level Prometheus metrics for provider calls.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// llmCallDuration measures the duration of provider API calls.
	//
	// Labels:
	//   - provider: "anthropic", "deepseek"
	//   - mode: "chat" or "stream"
	//   - status: "success" or "error"
	llmCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "baller",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of LLM provider API calls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "mode", "status"},
	)

	// llmCallsTotal counts the total number of provider API calls.
	//
	// Labels:
	//   - provider: "anthropic", "deepseek"
	//   - mode: "chat" or "stream"
	//   - status: "success" or "error"
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "baller",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of LLM provider API calls.",
		},
		[]string{"provider", "mode", "status"},
	)

	// llmErrorsTotal counts provider errors by type.
	//
	// Labels:
	//   - provider: "anthropic", "deepseek"
	//   - error_type: "timeout", "auth", "rate_limit", "server", "unknown"
	llmErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "baller",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total LLM provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// llmRetriesTotal counts retry attempts issued by the retrying client.
	//
	// Labels:
	//   - provider: "anthropic", "deepseek"
	llmRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "baller",
			Subsystem: "llm",
			Name:      "retries_total",
			Help:      "Total LLM call retries after transient failures.",
		},
		[]string{"provider"},
	)

	// llmTokensTotal counts tokens reported by providers.
	//
	// Labels:
	//   - provider: "anthropic", "deepseek"
	//   - direction: "input" or "output"
	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "baller",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Total tokens consumed and produced by provider calls.",
		},
		[]string{"provider", "direction"},
	)
)

// classifyLLMError maps an error to a label-safe error type string.
//
// Description:
//
//	Categorizes provider errors for Prometheus labels, preferring the
//	structured ProviderError status over message sniffing. Bounded label
//	set keeps cardinality low.
//
// Inputs:
//
//	err - The error to classify. May be nil.
//
// Outputs:
//
//	string - One of: "timeout", "auth", "rate_limit", "server", "unknown".
//	         Returns empty string for nil error.
//
// Thread Safety: Safe for concurrent use.
func classifyLLMError(err error) string {
	if err == nil {
		return ""
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.Status == 401 || pe.Status == 403:
			return "auth"
		case pe.Status == 429:
			return "rate_limit"
		case pe.Status >= 500:
			return "server"
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return "rate_limit"
	default:
		return "unknown"
	}
}

// recordLLMMetrics records Prometheus metrics for a completed provider call.
//
// Description:
//
//	One-shot metric recording for both success and error paths, including
//	token accounting when the provider reported usage.
//
// Inputs:
//
//	provider - Provider name ("anthropic", "deepseek").
//	mode - "chat" for blocking calls, "stream" for streamed ones.
//	duration - How long the call took.
//	usage - Token usage reported by the provider; zero values are skipped.
//	err - The error, if any. Nil means success.
//
// Thread Safety: Safe for concurrent use.
func recordLLMMetrics(provider, mode string, duration time.Duration, usage TokenUsage, err error) {
	status := "success"
	if err != nil {
		status = "error"
		llmErrorsTotal.WithLabelValues(provider, classifyLLMError(err)).Inc()
	}

	llmCallDuration.WithLabelValues(provider, mode, status).Observe(duration.Seconds())
	llmCallsTotal.WithLabelValues(provider, mode, status).Inc()

	if usage.PromptTokens > 0 {
		llmTokensTotal.WithLabelValues(provider, "input").Add(float64(usage.PromptTokens))
	}
	if usage.CompletionTokens > 0 {
		llmTokensTotal.WithLabelValues(provider, "output").Add(float64(usage.CompletionTokens))
	}
}
