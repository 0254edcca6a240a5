// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/baller/services/conversation"
	"github.com/AleutianAI/baller/services/evaluation"
	"github.com/AleutianAI/baller/services/filter"
	"github.com/AleutianAI/baller/services/intent"
	"github.com/AleutianAI/baller/services/llm"
	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
	"github.com/AleutianAI/baller/services/pipeline"
)

// scriptedChat answers every call with a fixed reply.
type scriptedChat struct {
	reply string
}

func (s *scriptedChat) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (llm.ChatResult, error) {
	return llm.ChatResult{Content: s.reply}, nil
}

func (s *scriptedChat) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: s.reply}); err != nil {
		return err
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (s *scriptedChat) Provider() string { return "anthropic" }

func testRouter(t *testing.T, relevanceReply, generatorReply string) (*gin.Engine, *evaluation.MetricsTracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cache := intent.NewEntityCache(nil, intent.EntityCacheConfig{TTL: time.Hour, GracePeriod: time.Hour}, nil)
	processor := intent.NewIntentProcessor(
		intent.NewEntityExtractor(cache, intent.ExtractorConfig{}),
		intent.ProcessorConfig{DecayRate: 0.8, ResolutionThreshold: 0.5},
		nil,
	)
	convos := conversation.NewManager(conversation.ManagerConfig{
		Policy: conversation.Policy{
			IdleAfter:     10 * time.Minute,
			ExpireAfter:   30 * time.Minute,
			MessageWindow: 50,
		},
		MaxConversations: 100,
		SweepInterval:    time.Hour,
	}, nil, nil)
	t.Cleanup(convos.Close)

	tracker := evaluation.NewMetricsTracker()
	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Filter:        filter.NewContentFilter(&scriptedChat{reply: relevanceReply}, nil, nil),
		Processor:     processor,
		Client:        &scriptedChat{reply: generatorReply},
		Conversations: convos,
		Tracker:       tracker,
	}, pipeline.Config{})

	return NewRouter(NewHandlers(orch, convos, tracker, nil), false), tracker
}

func postMessage(t *testing.T, router *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleMessage_Answered(t *testing.T) {
	router, _ := testRouter(t, "YES\nfootball", "Arsenal top the table.")

	w := postMessage(t, router, `{"conversation_id":"conv-1","user_id":"user-1","text":"premier league standings?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp MessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Reply != "Arsenal top the table." {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.Suppressed {
		t.Error("suppressed = true for an on-topic message")
	}
	if resp.Intent != "get_standings" {
		t.Errorf("intent = %q, want get_standings", resp.Intent)
	}
	if resp.RequestID == "" {
		t.Error("request_id missing")
	}
}

func TestHandleMessage_Suppressed(t *testing.T) {
	router, _ := testRouter(t, "NO\ncrypto", "unused")

	w := postMessage(t, router, `{"conversation_id":"conv-1","user_id":"user-1","text":"bitcoin price?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (suppression is not an error)", w.Code)
	}

	var resp MessageResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Suppressed {
		t.Error("suppressed = false for an off-topic message")
	}
	if resp.Reply != "" {
		t.Errorf("reply = %q, want empty", resp.Reply)
	}
}

func TestHandleMessage_BadRequest(t *testing.T) {
	router, _ := testRouter(t, "YES\nok", "unused")

	for _, body := range []string{
		`{}`,
		`{"conversation_id":"c"}`,
		`not json`,
	} {
		w := postMessage(t, router, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
		var resp ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err == nil && resp.Code == "" {
			t.Errorf("body %q: error response missing code", body)
		}
	}
}

func TestHandleMessage_EchoesRequestID(t *testing.T) {
	router, _ := testRouter(t, "YES\nok", "hi")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"conversation_id":"conv-1","user_id":"user-1","text":"football news"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp MessageResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RequestID != "req-42" {
		t.Errorf("request_id = %q, want req-42", resp.RequestID)
	}
}

func TestHandleMetricsSnapshot(t *testing.T) {
	router, tracker := testRouter(t, "YES\nok", "hello")
	tracker.Record(evaluation.CategoryLatency, 0.5)

	req := httptest.NewRequest(http.MethodGet, "/v1/metrics/snapshot", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Quality       map[string]map[string]evaluation.Stats `json:"quality"`
		Conversations struct {
			Total int `json:"total"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	var found bool
	for _, byCategory := range body.Quality {
		if byCategory[evaluation.CategoryLatency].Count == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("snapshot missing recorded latency metric: %s", w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	router, _ := testRouter(t, "YES\nok", "hello")

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	router, _ := testRouter(t, "YES\nok", "hello")

	// Generate some traffic first so counters exist.
	postMessage(t, router, `{"conversation_id":"conv-1","user_id":"user-1","text":"premier league standings?"}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "baller_pipeline_messages_total") {
		t.Error("scrape output missing pipeline counters")
	}
}
