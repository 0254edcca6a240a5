// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/baller/services/conversation"
	"github.com/AleutianAI/baller/services/evaluation"
	"github.com/AleutianAI/baller/services/llm"
	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
	"github.com/AleutianAI/baller/services/transport"
)

// flusher grows a transport message in place, rate-limiting edits to the
// configured flush interval. The first chunk sends the message; later
// chunks edit it no more often than once per interval; Finish forces the
// final content out.
type flusher struct {
	tr        transport.Transport
	channelID string
	interval  time.Duration
	now       func() time.Time

	messageID string
	buf       strings.Builder
	flushed   int // length of buf already delivered
	lastFlush time.Time
}

func newFlusher(tr transport.Transport, channelID string, interval time.Duration) *flusher {
	return &flusher{tr: tr, channelID: channelID, interval: interval, now: time.Now}
}

// Write appends a chunk and flushes if the interval has elapsed.
func (f *flusher) Write(ctx context.Context, chunk string) error {
	f.buf.WriteString(chunk)

	if f.messageID == "" {
		id, err := f.tr.Send(ctx, f.channelID, f.buf.String())
		if err != nil {
			return fmt.Errorf("pipeline: sending streamed message: %w", err)
		}
		f.messageID = id
		f.flushed = f.buf.Len()
		f.lastFlush = f.now()
		return nil
	}

	if f.now().Sub(f.lastFlush) < f.interval || f.buf.Len() == f.flushed {
		return nil
	}
	return f.flush(ctx)
}

// Finish delivers any remaining content.
func (f *flusher) Finish(ctx context.Context) error {
	if f.messageID == "" {
		if f.buf.Len() == 0 {
			return nil
		}
		id, err := f.tr.Send(ctx, f.channelID, f.buf.String())
		if err != nil {
			return fmt.Errorf("pipeline: sending streamed message: %w", err)
		}
		f.messageID = id
		f.flushed = f.buf.Len()
		return nil
	}
	if f.buf.Len() == f.flushed {
		return nil
	}
	return f.flush(ctx)
}

func (f *flusher) flush(ctx context.Context) error {
	if err := f.tr.Edit(ctx, f.channelID, f.messageID, f.buf.String()); err != nil {
		return fmt.Errorf("pipeline: editing streamed message: %w", err)
	}
	f.flushed = f.buf.Len()
	f.lastFlush = f.now()
	return nil
}

// Content returns everything accumulated so far.
func (f *flusher) Content() string { return f.buf.String() }

// Delivered returns the prefix already flushed to the transport.
func (f *flusher) Delivered() string { return f.buf.String()[:f.flushed] }

// ProcessMessageStream runs the pipeline with the reply streamed to the
// transport as it generates.
//
// Description:
//
//	Identical to ProcessMessage through the fetch stage. The generation
//	stage uses the provider's streaming mode, growing one transport
//	message with edits at most once per flush interval. A stream failure
//	before any content produces the apologetic fallback; after partial
//	content the partial stands (streams are never retried). Conversation
//	expiry mid-stream cancels the stream via the lifecycle context.
func (o *Orchestrator) ProcessMessageStream(ctx context.Context, convoID, userID, channelID string, text string, tr transport.Transport) (*Result, error) {
	var result *Result
	err := o.convos.Do(ctx, convoID, userID, "", func(lifeCtx context.Context, c *conversation.Context) {
		result = o.processStream(lifeCtx, c, userID, channelID, text, tr)
	})
	if err != nil {
		pipelineMessages.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("pipeline: streaming message for %s: %w", convoID, err)
	}

	if o.sampler != nil && !result.Suppressed && !result.Fallback && !result.Cancelled {
		if _, err := o.sampler.MaybeEvaluate(ctx, text, result.Reply, ""); err != nil {
			o.logger.Warn("Evaluation sampling failed", slog.String("error", err.Error()))
		}
	}
	return result, nil
}

func (o *Orchestrator) processStream(ctx context.Context, c *conversation.Context, userID, channelID, text string, tr transport.Transport) *Result {
	timings := make(map[string]time.Duration, 4)
	result := &Result{Timings: timings}
	start := time.Now()

	verdict := o.runFilter(ctx, text)
	timings[stageFilter] = time.Since(start)
	result.Verdict = *verdict

	c.Append(datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: text,
		Verdict: verdict,
		Timings: timings,
	})

	if !verdict.Relevant {
		result.Suppressed = true
		pipelineMessages.WithLabelValues(outcomeSuppressed).Inc()
		return result
	}

	stageStart := time.Now()
	intentResult, candidates := o.processor.Process(text, c)
	timings[stageIntent] = time.Since(stageStart)
	result.Intent = intentResult

	entities := make([]datatypes.Entity, 0, len(candidates))
	confidences := make([]float64, 0, len(candidates))
	for _, cand := range candidates {
		entities = append(entities, cand.Entity)
		confidences = append(confidences, cand.Confidence)
	}
	c.AnnotateLastUser(&intentResult, entities)
	c.ObserveEntities(entities, confidences)
	c.RecordIntent(intentResult)

	stageStart = time.Now()
	contextData, apiContext := o.fetchData(ctx, intentResult)
	timings[stageFetch] = time.Since(stageStart)

	stageStart = time.Now()
	reply, fallback, cancelled := o.generateStream(ctx, c, userID, channelID, text, contextData, apiContext, tr)
	timings[stageGenerate] = time.Since(stageStart)
	c.AnnotateLastUserTimings(timings)

	result.Reply = reply
	result.Fallback = fallback
	if cancelled {
		// Evicted mid-stream: the partial turn is not recorded, so the
		// archive taken on eviction carries only completed exchanges.
		result.Cancelled = true
		pipelineMessages.WithLabelValues(outcomeCancelled).Inc()
		return result
	}
	c.Append(datatypes.Message{Role: datatypes.RoleAssistant, Content: reply})

	if fallback {
		pipelineMessages.WithLabelValues(outcomeFallback).Inc()
	} else {
		pipelineMessages.WithLabelValues(outcomeAnswered).Inc()
	}
	o.recordLatency(timings)
	if o.tracker != nil {
		o.tracker.Record(evaluation.CategoryLatency, time.Since(start).Seconds())
		o.tracker.Record(evaluation.CategoryResponseLength, float64(len(reply)))
	}
	return result
}

func (o *Orchestrator) generateStream(ctx context.Context, c *conversation.Context, userID, channelID, text, contextData, apiContext string, tr transport.Transport) (reply string, fallback, cancelled bool) {
	tpl, err := o.templates.Get(llm.TemplateConversation)
	if err != nil {
		o.logger.Error("Conversation template missing", slog.String("error", err.Error()))
		reply, fb := o.deliverFallback(ctx, channelID, tr)
		return reply, fb, false
	}

	prefsContext := ""
	if o.prefs != nil {
		prefsContext = o.prefs.ContextString(ctx, userID)
	}

	messages := tpl.Render(llm.KindForProvider(o.client.Provider()), llm.TemplateInput{
		UserMessage:        text,
		ContextData:        contextData,
		APIContext:         apiContext,
		PreferencesContext: prefsContext,
		History:            historyBefore(c),
	})

	f := newFlusher(tr, channelID, o.cfg.FlushInterval)
	streamErr := o.client.ChatStream(ctx, messages, llm.GenerationParams{}, func(event llm.StreamEvent) error {
		if event.Type == llm.StreamEventToken {
			return f.Write(ctx, event.Content)
		}
		return nil
	})

	if ctx.Err() != nil {
		// The conversation was evicted mid-stream. The transport must not
		// be touched again on the dead lifecycle context: the unflushed
		// tail is discarded and only the already-delivered prefix stands.
		o.logger.Warn("Stream cancelled by conversation eviction",
			slog.Int("delivered", len(f.Delivered())),
			slog.Int("discarded", len(f.Content())-len(f.Delivered())),
		)
		return f.Delivered(), false, true
	}

	if streamErr != nil && f.Content() == "" {
		o.logger.Error("Stream failed before any content",
			slog.String("error", streamErr.Error()),
		)
		reply, fb := o.deliverFallback(ctx, channelID, tr)
		return reply, fb, false
	}

	if err := f.Finish(ctx); err != nil {
		o.logger.Warn("Final stream flush failed", slog.String("error", err.Error()))
	}
	if streamErr != nil {
		// Partial output already delivered stands; streams are not retried.
		o.logger.Warn("Stream ended early, keeping partial output",
			slog.String("error", streamErr.Error()),
			slog.Int("delivered", len(f.Content())),
		)
	}
	return f.Content(), false, false
}

func (o *Orchestrator) deliverFallback(ctx context.Context, channelID string, tr transport.Transport) (string, bool) {
	if _, err := tr.Send(ctx, channelID, fallbackReply); err != nil {
		o.logger.Error("Failed to deliver fallback reply", slog.String("error", err.Error()))
	}
	return fallbackReply, true
}
