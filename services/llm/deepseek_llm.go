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

// Deepseek exposes an OpenAI-compatible chat completions API, so the
// request/response shapes below follow that wire format.
const defaultDeepseekBaseURL = "https://api.deepseek.com/v1/chat/completions"

type deepseekRequest struct {
	Model    string            `json:"model"`
	Messages []deepseekMessage `json:"messages"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type deepseekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepseekResponse struct {
	ID      string           `json:"id"`
	Choices []deepseekChoice `json:"choices"`
	Usage   deepseekUsage    `json:"usage"`
	Error   *deepseekError   `json:"error,omitempty"`
}

type deepseekChoice struct {
	Index        int             `json:"index"`
	Message      deepseekMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type deepseekUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type deepseekError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// deepseekStreamChunk is one "data:" payload in the streaming response.
type deepseekStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *deepseekUsage `json:"usage,omitempty"`
}

// DeepseekClient talks to the Deepseek chat completions API.
//
// Thread Safety: Safe for concurrent use.
type DeepseekClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewDeepseekClientWithConfig creates a DeepseekClient with explicit
// configuration.
//
// Inputs:
//   - apiKey: The Deepseek API key.
//   - model: The model name (e.g., "deepseek-chat").
//   - baseURL: The chat completions endpoint. Empty selects production.
//   - timeout: Per-call HTTP timeout. Zero selects 60 seconds.
//
// Outputs:
//   - *DeepseekClient: The configured client.
func NewDeepseekClientWithConfig(apiKey, model, baseURL string, timeout time.Duration) *DeepseekClient {
	if baseURL == "" {
		baseURL = defaultDeepseekBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &DeepseekClient{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// Provider implements Client.
func (d *DeepseekClient) Provider() string { return "deepseek" }

// Chat implements Client.
func (d *DeepseekClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (ChatResult, error) {
	resp, err := d.do(ctx, messages, params, false)
	if err != nil {
		return ChatResult{}, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResult{}, fmt.Errorf("deepseek: reading response body: %w", err)
	}

	var apiResp deepseekResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return ChatResult{}, fmt.Errorf("deepseek: unmarshaling response: %w", err)
	}
	if apiResp.Error != nil {
		return ChatResult{}, &ProviderError{
			Provider: "deepseek",
			Err:      fmt.Errorf("%s: %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message)),
		}
	}
	if len(apiResp.Choices) == 0 {
		return ChatResult{}, fmt.Errorf("deepseek: response contained no choices")
	}

	return ChatResult{
		Content: apiResp.Choices[0].Message.Content,
		Usage: TokenUsage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
		},
	}, nil
}

// ChatStream implements Client using OpenAI-style "data:" chunk streaming.
//
// The stream terminates with a "data: [DONE]" sentinel; a finish_reason on
// a chunk also marks completion.
func (d *DeepseekClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	resp, err := d.do(ctx, messages, params, true)
	if err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var usage TokenUsage

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			_ = callback(StreamEvent{Type: StreamEventError, Error: "stream cancelled"})
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return callback(StreamEvent{Type: StreamEventDone, Usage: usage})
		}

		var chunk deepseekStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("Failed to parse stream chunk", "error", err)
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if err := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); err != nil {
					return fmt.Errorf("callback error: %w", err)
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return fmt.Errorf("deepseek: stream read error: %w", err)
	}
	return callback(StreamEvent{Type: StreamEventDone, Usage: usage})
}

// do builds and executes the HTTP request, returning the open response on
// HTTP 200 and a classified error otherwise.
func (d *DeepseekClient) do(ctx context.Context, messages []datatypes.Message, params GenerationParams, stream bool) (*http.Response, error) {
	apiMessages := make([]deepseekMessage, 0, len(messages))
	for _, msg := range messages {
		apiMessages = append(apiMessages, deepseekMessage{Role: msg.Role, Content: msg.Content})
	}

	reqPayload := deepseekRequest{
		Model:       d.model,
		Messages:    apiMessages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   params.MaxTokens,
		Stop:        params.Stop,
		Stream:      stream,
	}
	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("deepseek: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.baseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("deepseek: creating HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	client := d.httpClient
	if stream {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "deepseek", Transient: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{
			Provider:  "deepseek",
			Status:    resp.StatusCode,
			Transient: transientStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s", SafeLogString(string(bodyBytes))),
		}
	}
	return resp, nil
}
