// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the provider-backed generation clients used by the
// Baller pipeline: batch chat, SSE streaming, retry with exponential
// backoff, and provider-tagged prompt rendering.
//
// Thread Safety: all clients in this package are safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

// GenerationParams holds provider-agnostic generation options.
//
// Nil pointer fields are omitted from the request so the provider default
// applies.
type GenerationParams struct {
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
	Stop        []string
}

// TokenUsage reports token counts for a completed call. Zero values mean
// the provider did not report usage.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// ChatResult is the outcome of a batch chat call.
type ChatResult struct {
	Content string
	Usage   TokenUsage
}

// StreamEventType classifies streaming events.
type StreamEventType int

// Streaming event types.
const (
	// StreamEventToken carries an incremental content chunk.
	StreamEventToken StreamEventType = iota
	// StreamEventDone signals normal stream completion. Usage is populated
	// when the provider reports it.
	StreamEventDone
	// StreamEventError signals a mid-flight stream failure. Content
	// produced before the failure has already been delivered.
	StreamEventError
)

// StreamEvent is a single event delivered during streaming generation.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Usage   TokenUsage
	Error   string
}

// StreamCallback receives streaming events in order. Returning a non-nil
// error aborts the stream.
type StreamCallback func(event StreamEvent) error

// Client is the generation contract the pipeline depends on.
//
// Description:
//
//	Chat is the batch mode: one request, one response. ChatStream delivers
//	incremental chunks through the callback and returns after the stream
//	completes or fails. Both honor ctx cancellation and deadlines.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Client interface {
	// Chat sends messages and returns the assistant's response.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (ChatResult, error)

	// ChatStream sends messages and delivers the response incrementally.
	// A stream that errors mid-flight invokes the callback with a
	// StreamEventError event before returning; content delivered up to
	// that point is valid partial output.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error

	// Provider returns the provider name for logging and metrics.
	Provider() string
}

// ProviderError is a classified provider failure.
//
// Transient marks failures worth retrying (timeouts, 429, 5xx). Status is
// the HTTP status when one was received, zero otherwise.
type ProviderError struct {
	Provider  string
	Status    int
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: provider returned %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider failure worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	// Context deadline on the HTTP call surfaces as a plain wrapped error.
	return errors.Is(err, context.DeadlineExceeded)
}

// transientStatus reports whether an HTTP status indicates a transient
// failure: 429 and the 5xx family.
func transientStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}
