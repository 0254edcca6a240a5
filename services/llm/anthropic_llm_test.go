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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

func TestAnthropicClient_Chat_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q, want %q", r.Header.Get("x-api-key"), "test-key")
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q, want %q", r.Header.Get("anthropic-version"), anthropicAPIVersion)
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Model != "claude-test" {
			t.Errorf("model = %q, want %q", req.Model, "claude-test")
		}
		// The system message must be lifted out of the messages array.
		if len(req.System) != 1 || req.System[0].Text != "You are a test assistant." {
			t.Errorf("system blocks = %+v, want the lifted system prompt", req.System)
		}
		for _, m := range req.Messages {
			if m.Role == "system" {
				t.Error("system role leaked into messages array")
			}
		}

		resp := anthropicResponse{
			ID:   "msg-123",
			Type: "message",
			Role: "assistant",
			Content: []anthropicContent{
				{Type: "text", Text: "Hello from Claude!"},
			},
			Usage: anthropicUsage{InputTokens: 12, OutputTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig("test-key", "claude-test", server.URL, 5*time.Second)

	messages := []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "You are a test assistant."},
		{Role: datatypes.RoleUser, Content: "Hello"},
	}
	result, err := client.Chat(context.Background(), messages, GenerationParams{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.Content != "Hello from Claude!" {
		t.Errorf("Content = %q, want %q", result.Content, "Hello from Claude!")
	}
	if result.Usage.PromptTokens != 12 || result.Usage.CompletionTokens != 5 {
		t.Errorf("Usage = %+v, want 12/5", result.Usage)
	}
}

func TestAnthropicClient_Chat_APIError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{"unauthorized", http.StatusUnauthorized, false},
		{"rate_limited", http.StatusTooManyRequests, true},
		{"overloaded", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
			}))
			defer server.Close()

			client := NewAnthropicClientWithConfig("test-key", "claude-test", server.URL, 5*time.Second)
			_, err := client.Chat(context.Background(), []datatypes.Message{
				{Role: datatypes.RoleUser, Content: "Hello"},
			}, GenerationParams{})
			if err == nil {
				t.Fatal("Chat() expected error, got nil")
			}

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ProviderError", err)
			}
			if pe.Status != tt.status {
				t.Errorf("Status = %d, want %d", pe.Status, tt.status)
			}
			if IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), tt.wantTransient)
			}
		})
	}
}

func TestAnthropicClient_ChatStream_DeliversTokensInOrder(t *testing.T) {
	sse := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start"}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Good"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" morning"}}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","usage":{"output_tokens":7}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if !req.Stream {
			t.Error("stream = false, want true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig("test-key", "claude-test", server.URL, 5*time.Second)

	var tokens []string
	var done bool
	var usage TokenUsage
	err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "Greet me"},
	}, GenerationParams{}, func(ev StreamEvent) error {
		switch ev.Type {
		case StreamEventToken:
			tokens = append(tokens, ev.Content)
		case StreamEventDone:
			done = true
			usage = ev.Usage
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Good morning" {
		t.Errorf("assembled stream = %q, want %q", got, "Good morning")
	}
	if !done {
		t.Error("expected a terminal Done event")
	}
	if usage.CompletionTokens != 7 {
		t.Errorf("CompletionTokens = %d, want 7", usage.CompletionTokens)
	}
}

func TestAnthropicClient_ChatStream_ErrorEvent(t *testing.T) {
	sse := strings.Join([]string{
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		``,
		`event: error`,
		`data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`,
		``,
	}, "\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig("test-key", "claude-test", server.URL, 5*time.Second)

	var partial string
	err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "Hello"},
	}, GenerationParams{}, func(ev StreamEvent) error {
		if ev.Type == StreamEventToken {
			partial += ev.Content
		}
		return nil
	})
	if err == nil {
		t.Fatal("ChatStream() expected error, got nil")
	}
	// Content delivered before the failure stays delivered.
	if partial != "partial" {
		t.Errorf("partial content = %q, want %q", partial, "partial")
	}
}

func TestAnthropicClient_ChatStream_CallbackAbort(t *testing.T) {
	sse := strings.Join([]string{
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"one"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"two"}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig("test-key", "claude-test", server.URL, 5*time.Second)

	abortErr := errors.New("stop now")
	calls := 0
	err := client.ChatStream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "Hello"},
	}, GenerationParams{}, func(ev StreamEvent) error {
		calls++
		return abortErr
	})
	if !errors.Is(err, abortErr) {
		t.Fatalf("ChatStream() error = %v, want %v", err, abortErr)
	}
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1 (abort must stop delivery)", calls)
	}
}

func TestAnthropicClient_BuildRequest_CacheControl(t *testing.T) {
	client := NewAnthropicClientWithConfig("test-key", "claude-test", "", 5*time.Second)

	long := strings.Repeat("x", 1100)
	req := client.buildRequest([]datatypes.Message{
		{Role: datatypes.RoleSystem, Content: long},
		{Role: datatypes.RoleUser, Content: "hi"},
	}, GenerationParams{}, false)

	if len(req.System) != 1 {
		t.Fatalf("system blocks = %d, want 1", len(req.System))
	}
	if req.System[0].CacheControl == nil || req.System[0].CacheControl.Type != "ephemeral" {
		t.Errorf("long system prompt should carry ephemeral cache_control, got %+v", req.System[0].CacheControl)
	}

	short := client.buildRequest([]datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "short"},
		{Role: datatypes.RoleUser, Content: "hi"},
	}, GenerationParams{}, false)
	if short.System[0].CacheControl != nil {
		t.Error("short system prompt should not carry cache_control")
	}
}
