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
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

// retryBaseDelay is the first backoff interval; each attempt doubles it.
const retryBaseDelay = 500 * time.Millisecond

// retryMaxDelay caps a single backoff interval.
const retryMaxDelay = 8 * time.Second

// GenerationError marks a batch call that exhausted its retry budget.
//
// The pipeline converts it into the user-visible apologetic fallback; it is
// never shown raw to end users.
type GenerationError struct {
	Provider string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: generation failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *GenerationError) Unwrap() error { return e.Err }

// RetryingClient wraps a Client with exponential-backoff retry for batch
// calls.
//
// Description:
//
//	Only transient failures (timeout, 429, 5xx) are retried, up to
//	maxAttempts total attempts, with exponential backoff and full jitter.
//	ChatStream is NOT retried: a partially delivered stream cannot be
//	transparently restarted, so stream errors surface immediately with the
//	partial content already delivered to the callback.
//
// Thread Safety: Safe for concurrent use.
type RetryingClient struct {
	inner       Client
	maxAttempts int
	logger      *slog.Logger
}

// NewRetryingClient wraps inner with retry. maxAttempts below 1 is raised
// to 1 (no retries).
func NewRetryingClient(inner Client, maxAttempts int, logger *slog.Logger) *RetryingClient {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingClient{inner: inner, maxAttempts: maxAttempts, logger: logger}
}

// Provider returns the wrapped client's provider name.
func (c *RetryingClient) Provider() string { return c.inner.Provider() }

// Chat delegates to the wrapped client, retrying transient failures.
//
// On exhaustion it returns a *GenerationError wrapping the final attempt's
// error.
func (c *RetryingClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (ChatResult, error) {
	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "llm.RetryingClient.Chat",
		trace.WithAttributes(
			attribute.String("provider", c.inner.Provider()),
			attribute.Int("message_count", len(messages)),
		),
	)
	defer span.End()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attempts = attempt
		start := time.Now()
		result, err := c.inner.Chat(ctx, messages, params)
		recordLLMMetrics(c.inner.Provider(), "chat", time.Since(start), result.Usage, err)
		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == c.maxAttempts {
			break
		}

		delay := backoffDelay(attempt)
		llmRetriesTotal.WithLabelValues(c.inner.Provider()).Inc()
		c.logger.Warn("Transient provider failure, backing off",
			slog.String("provider", c.inner.Provider()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", SafeLogString(err.Error())),
		)
		select {
		case <-ctx.Done():
			genErr := &GenerationError{Provider: c.inner.Provider(), Attempts: attempt, Err: ctx.Err()}
			span.RecordError(genErr)
			span.SetStatus(codes.Error, genErr.Error())
			return ChatResult{}, genErr
		case <-time.After(delay):
		}
	}
	genErr := &GenerationError{Provider: c.inner.Provider(), Attempts: attempts, Err: lastErr}
	span.RecordError(genErr)
	span.SetStatus(codes.Error, SafeLogString(genErr.Error()))
	return ChatResult{}, genErr
}

// ChatStream delegates to the wrapped client without retry.
func (c *RetryingClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := otel.Tracer(llmTracerName).Start(ctx, "llm.RetryingClient.ChatStream",
		trace.WithAttributes(
			attribute.String("provider", c.inner.Provider()),
			attribute.Int("message_count", len(messages)),
		),
	)
	defer span.End()

	start := time.Now()
	var usage TokenUsage
	err := c.inner.ChatStream(ctx, messages, params, func(ev StreamEvent) error {
		if ev.Type == StreamEventDone {
			usage = ev.Usage
		}
		return callback(ev)
	})
	recordLLMMetrics(c.inner.Provider(), "stream", time.Since(start), usage, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, SafeLogString(err.Error()))
	}
	return err
}

// backoffDelay computes the full-jitter exponential backoff for an attempt
// number (1-based): uniform in (0, min(base*2^(attempt-1), cap)].
func backoffDelay(attempt int) time.Duration {
	max := retryBaseDelay << (attempt - 1)
	if max > retryMaxDelay {
		max = retryMaxDelay
	}
	return time.Duration(rand.Int63n(int64(max))) + time.Millisecond
}
