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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1/messages"
	anthropicMaxTokens      = 1024
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"` // Top-level system prompt
	MaxTokens int                `json:"max_tokens"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicContentBlockDelta is the payload of content_block_delta events.
type anthropicContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// anthropicMessageDelta is the payload of message_delta events; it carries
// the final output token count.
type anthropicMessageDelta struct {
	Type  string         `json:"type"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicStreamError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicClient talks to the Anthropic Messages API.
//
// Thread Safety: Safe for concurrent use.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewAnthropicClientWithConfig creates an AnthropicClient with explicit
// configuration.
//
// Description:
//
//	Creates an AnthropicClient without reading environment variables.
//	Useful for testing with mock servers or when configuration comes from
//	the config service rather than the environment.
//
// Inputs:
//   - apiKey: The Anthropic API key.
//   - model: The model name (e.g., "claude-sonnet-4-20250514").
//   - baseURL: The messages endpoint. Empty selects the production URL.
//   - timeout: Per-call HTTP timeout. Zero selects 60 seconds.
//
// Outputs:
//   - *AnthropicClient: The configured client.
func NewAnthropicClientWithConfig(apiKey, model, baseURL string, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// Provider implements Client.
func (a *AnthropicClient) Provider() string { return "anthropic" }

// Chat implements Client.
func (a *AnthropicClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (ChatResult, error) {
	reqPayload := a.buildRequest(messages, params, false)

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return ChatResult{}, fmt.Errorf("anthropic: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return ChatResult{}, fmt.Errorf("anthropic: creating HTTP request: %w", err)
	}
	a.setHeaders(req)

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return ChatResult{}, &ProviderError{Provider: "anthropic", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("anthropic: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return ChatResult{}, &ProviderError{
			Provider:  "anthropic",
			Status:    resp.StatusCode,
			Transient: transientStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s", SafeLogString(string(bodyBytes))),
		}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return ChatResult{}, fmt.Errorf("anthropic: unmarshaling response: %w", err)
	}
	if apiResp.Error != nil {
		return ChatResult{}, &ProviderError{
			Provider: "anthropic",
			Err:      fmt.Errorf("%s: %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message)),
		}
	}

	var sb strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	slog.Debug("Anthropic chat complete",
		slog.String("model", a.model),
		slog.Duration("duration", time.Since(start)),
		slog.Int("output_tokens", apiResp.Usage.OutputTokens),
	)

	return ChatResult{
		Content: sb.String(),
		Usage: TokenUsage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
		},
	}, nil
}

// ChatStream implements Client using the Anthropic SSE stream.
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	reqPayload := a.buildRequest(messages, params, true)

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return fmt.Errorf("anthropic: marshaling stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return fmt.Errorf("anthropic: creating stream HTTP request: %w", err)
	}
	a.setHeaders(req)
	req.Header.Set("accept", "text/event-stream")

	// Streams outlive the batch timeout; bound them separately.
	streamClient := &http.Client{Timeout: 5 * time.Minute}
	resp, err := streamClient.Do(req)
	if err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return &ProviderError{Provider: "anthropic", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("anthropic: reading stream error body (status %d): %w", resp.StatusCode, readErr)
		}
		errMsg := fmt.Sprintf("stream request returned %d", resp.StatusCode)
		_ = callback(StreamEvent{Type: StreamEventError, Error: errMsg})
		return &ProviderError{
			Provider:  "anthropic",
			Status:    resp.StatusCode,
			Transient: transientStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s", SafeLogString(string(bodyBytes))),
		}
	}

	return a.processSSEStream(ctx, resp.Body, callback)
}

// buildRequest converts generic messages into the Anthropic payload.
//
// System messages are lifted into top-level system blocks; long system
// prompts get an ephemeral cache_control marker.
func (a *AnthropicClient) buildRequest(messages []datatypes.Message, params GenerationParams, stream bool) anthropicRequest {
	var apiMessages []anthropicMessage
	var systemPrompt string

	for _, msg := range messages {
		if strings.ToLower(msg.Role) == datatypes.RoleSystem {
			systemPrompt = msg.Content
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	var systemBlocks []systemBlock
	if systemPrompt != "" {
		block := systemBlock{Type: "text", Text: systemPrompt}
		if len(systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	reqPayload := anthropicRequest{
		Model:     a.model,
		Messages:  apiMessages,
		System:    systemBlocks,
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
	}
	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}
	if params.TopP != nil {
		reqPayload.TopP = params.TopP
	}
	if len(params.Stop) > 0 {
		reqPayload.StopSeqs = params.Stop
	}
	if params.MaxTokens != nil {
		reqPayload.MaxTokens = *params.MaxTokens
	}
	return reqPayload
}

func (a *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
}

// processSSEStream reads and processes the SSE event stream.
//
// Reads the stream line-by-line, parses events, and calls the callback for
// token events. Mid-flight errors are reported through the callback before
// returning so the caller keeps the partial content.
func (a *AnthropicClient) processSSEStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(body)
	var eventType string
	var dataBuffer strings.Builder
	var usage TokenUsage

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			_ = callback(StreamEvent{Type: StreamEventError, Error: "stream cancelled"})
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if dataBuffer.Len() > 0 && eventType != "" {
				done, err := a.handleSSEEvent(eventType, dataBuffer.String(), callback, &usage)
				if err != nil {
					return err
				}
				dataBuffer.Reset()
				eventType = ""
				if done {
					return nil
				}
			}
			continue
		}

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}

	if err := scanner.Err(); err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return fmt.Errorf("anthropic: stream read error: %w", err)
	}

	// Stream ended without an explicit message_stop; still a completion.
	return callback(StreamEvent{Type: StreamEventDone, Usage: usage})
}

// handleSSEEvent processes a single SSE event. The bool result reports
// whether the stream is complete.
func (a *AnthropicClient) handleSSEEvent(eventType, data string, callback StreamCallback, usage *TokenUsage) (bool, error) {
	switch eventType {
	case "content_block_delta":
		var delta anthropicContentBlockDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			slog.Warn("Failed to parse content_block_delta", "error", err)
			return false, nil // Don't fail on parse errors, continue stream
		}
		if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Content: delta.Delta.Text}); err != nil {
				return false, fmt.Errorf("callback error: %w", err)
			}
		}

	case "message_delta":
		var delta anthropicMessageDelta
		if err := json.Unmarshal([]byte(data), &delta); err == nil {
			usage.CompletionTokens = delta.Usage.OutputTokens
		}

	case "message_stop":
		if err := callback(StreamEvent{Type: StreamEventDone, Usage: *usage}); err != nil {
			return false, fmt.Errorf("callback error: %w", err)
		}
		return true, nil

	case "error":
		var streamErr anthropicStreamError
		if err := json.Unmarshal([]byte(data), &streamErr); err != nil {
			_ = callback(StreamEvent{Type: StreamEventError, Error: "stream error"})
			return false, fmt.Errorf("anthropic: stream error: %s", data)
		}
		errMsg := fmt.Sprintf("%s: %s", streamErr.Error.Type, SafeLogString(streamErr.Error.Message))
		_ = callback(StreamEvent{Type: StreamEventError, Error: errMsg})
		return false, fmt.Errorf("anthropic: stream error: %s", errMsg)

	case "message_start", "content_block_start", "content_block_stop", "ping":
		// Informational events.

	default:
		slog.Debug("Unknown SSE event type", "type", eventType)
	}

	return false, nil
}
