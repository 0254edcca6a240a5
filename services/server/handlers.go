// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the message pipeline over HTTP.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/baller/services/conversation"
	"github.com/AleutianAI/baller/services/evaluation"
	"github.com/AleutianAI/baller/services/pipeline"
)

// ErrorResponse is the error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// MessageRequest is the body of POST /v1/messages.
type MessageRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	Text           string `json:"text" binding:"required"`
}

// MessageResponse is the body of a successful POST /v1/messages.
type MessageResponse struct {
	Reply      string             `json:"reply"`
	Suppressed bool               `json:"suppressed"`
	Fallback   bool               `json:"fallback"`
	Intent     string             `json:"intent,omitempty"`
	Confidence float64            `json:"confidence,omitempty"`
	TimingsMS  map[string]float64 `json:"timings_ms"`
	RequestID  string             `json:"request_id"`
}

// Handlers holds the HTTP handlers' collaborators.
type Handlers struct {
	orch    *pipeline.Orchestrator
	convos  *conversation.Manager
	tracker *evaluation.MetricsTracker
	logger  *slog.Logger
}

// NewHandlers creates the handler set.
//
// Inputs:
//
//	orch - The message pipeline. Required.
//	convos - Conversation registry, for stats. May be nil.
//	tracker - Quality metrics, for the snapshot endpoint. May be nil.
//	logger - Structured logger; nil uses slog.Default().
func NewHandlers(orch *pipeline.Orchestrator, convos *conversation.Manager, tracker *evaluation.MetricsTracker, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{orch: orch, convos: convos, tracker: tracker, logger: logger}
}

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleMessage handles POST /v1/messages.
//
// Description:
//
//	Runs one user message through the pipeline. A filter rejection is a
//	200 with suppressed=true, not an error; only infrastructure failures
//	return 5xx.
//
// Response:
//
//	200 OK: MessageResponse
//	400 Bad Request: malformed body or missing fields
//	500 Internal Server Error: pipeline infrastructure failure
//
// Thread Safety: safe for concurrent use.
func (h *Handlers) HandleMessage(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID))

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "conversation_id, user_id, and text are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	result, err := h.orch.ProcessMessage(c.Request.Context(), req.ConversationID, req.UserID, req.Text)
	if err != nil {
		logger.Error("Pipeline failure",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to process message",
			Code:  "PIPELINE_FAILURE",
		})
		return
	}

	timings := make(map[string]float64, len(result.Timings))
	for stage, d := range result.Timings {
		timings[stage] = float64(d.Milliseconds())
	}

	resp := MessageResponse{
		Reply:      result.Reply,
		Suppressed: result.Suppressed,
		Fallback:   result.Fallback,
		TimingsMS:  timings,
		RequestID:  requestID,
	}
	if !result.Suppressed {
		resp.Intent = result.Intent.Name
		resp.Confidence = result.Intent.Confidence
	}
	c.JSON(http.StatusOK, resp)
}

// HandleMetricsSnapshot handles GET /v1/metrics/snapshot.
//
// Description:
//
//	Returns the in-process quality aggregates (per date and category) and
//	conversation registry counters. Prometheus series live on /metrics;
//	this endpoint serves the per-day quality breakdown those cannot carry.
//
// Thread Safety: safe for concurrent use.
func (h *Handlers) HandleMetricsSnapshot(c *gin.Context) {
	body := gin.H{}
	if h.tracker != nil {
		body["quality"] = h.tracker.Snapshot()
	}
	if h.convos != nil {
		total, byState := h.convos.Stats()
		body["conversations"] = gin.H{
			"total":    total,
			"by_state": byState,
		}
	}
	c.JSON(http.StatusOK, body)
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
