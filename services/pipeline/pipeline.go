// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline wires the message-processing stages together: relevance
// filter, intent resolution, data fetch, prompt assembly, generation,
// context update, and sampled evaluation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/baller/services/conversation"
	"github.com/AleutianAI/baller/services/evaluation"
	"github.com/AleutianAI/baller/services/filter"
	"github.com/AleutianAI/baller/services/intent"
	"github.com/AleutianAI/baller/services/llm"
	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
	"github.com/AleutianAI/baller/services/preferences"
	"github.com/AleutianAI/baller/services/sports"
)

const pipelineTracerName = "baller.pipeline"

// fallbackReply is sent when generation exhausts its retry budget.
const fallbackReply = "Sorry, I'm having trouble putting an answer together right now. Please try again in a moment."

var (
	pipelineMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "baller",
		Subsystem: "pipeline",
		Name:      "messages_total",
		Help:      "Processed messages by outcome.",
	}, []string{"outcome"})

	pipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "baller",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Per-stage processing latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
)

// Pipeline outcomes reported to metrics.
const (
	outcomeAnswered   = "answered"
	outcomeSuppressed = "suppressed"
	outcomeFallback   = "fallback"
	outcomeCancelled  = "cancelled"
	outcomeError      = "error"
)

// Stage names used for timing breakdowns.
const (
	stageFilter   = "filter"
	stageIntent   = "intent"
	stageFetch    = "fetch"
	stageGenerate = "generate"
)

// Result is the outcome of processing one user message.
type Result struct {
	// Suppressed is true when the relevance filter rejected the message;
	// Reply is empty and no generation was attempted.
	Suppressed bool

	// Reply is the assistant's response text. On retry exhaustion this is
	// the apologetic fallback.
	Reply string

	// Fallback is true when Reply is the apology rather than a generated
	// answer.
	Fallback bool

	// Cancelled is true when the conversation was evicted mid-stream.
	// Reply holds only the prefix delivered before cancellation, and the
	// partial turn was not recorded in the conversation.
	Cancelled bool

	// Verdict is the relevance filter's verdict.
	Verdict datatypes.RelevanceVerdict

	// Intent is the resolved intent, when the message passed the filter.
	Intent datatypes.IntentResult

	// Timings is the per-stage duration breakdown.
	Timings map[string]time.Duration
}

// Config holds pipeline tunables.
type Config struct {
	// FlushInterval is the minimum interval between streaming edits.
	FlushInterval time.Duration
}

// Orchestrator runs the full message pipeline with per-conversation
// ordering guaranteed by the conversation manager.
//
// Thread Safety: safe for concurrent use.
type Orchestrator struct {
	filter    *filter.ContentFilter
	processor *intent.IntentProcessor
	sports    sports.Client
	client    llm.Client
	templates *llm.Registry
	convos    *conversation.Manager
	prefs     *preferences.Manager
	sampler   *evaluation.Sampler
	tracker   *evaluation.MetricsTracker
	cfg       Config
	logger    *slog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Filter        *filter.ContentFilter
	Processor     *intent.IntentProcessor
	Sports        sports.Client
	Client        llm.Client
	Templates     *llm.Registry
	Conversations *conversation.Manager
	Preferences   *preferences.Manager
	Sampler       *evaluation.Sampler
	Tracker       *evaluation.MetricsTracker
	Logger        *slog.Logger
}

// NewOrchestrator wires the pipeline.
//
// Inputs:
//
//	deps - Collaborators. Filter, Processor, Client, and Conversations are
//	       required; Sports, Preferences, Sampler, and Tracker may be nil
//	       (the corresponding stage degrades to a no-op).
//	cfg - Tunables; a zero FlushInterval defaults to one second.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if deps.Templates == nil {
		deps.Templates = llm.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Orchestrator{
		filter:    deps.Filter,
		processor: deps.Processor,
		sports:    deps.Sports,
		client:    deps.Client,
		templates: deps.Templates,
		convos:    deps.Conversations,
		prefs:     deps.Preferences,
		sampler:   deps.Sampler,
		tracker:   deps.Tracker,
		cfg:       cfg,
		logger:    deps.Logger,
	}
}

// ProcessMessage runs one user message through the pipeline.
//
// Description:
//
//	The whole exchange executes on the conversation's serialized queue, so
//	two messages for the same conversation can never interleave. A filter
//	rejection produces a suppressed no-op Result, not an error. Retry
//	exhaustion produces the apologetic fallback reply, not an error. Only
//	infrastructure failures (manager closed, caller context done) surface
//	as errors.
//
// Inputs:
//
//	ctx - Bounds the whole exchange.
//	convoID, userID - Conversation and user identity.
//	text - The user's message.
//
// Outputs:
//
//	*Result - The processing outcome. Nil only when error is non-nil.
//	error - Infrastructure failure.
func (o *Orchestrator) ProcessMessage(ctx context.Context, convoID, userID, text string) (*Result, error) {
	tracer := otel.Tracer(pipelineTracerName)
	ctx, span := tracer.Start(ctx, "pipeline.ProcessMessage",
		trace.WithAttributes(
			attribute.String("conversation_id", convoID),
		))
	defer span.End()

	var result *Result
	err := o.convos.Do(ctx, convoID, userID, "", func(lifeCtx context.Context, c *conversation.Context) {
		result = o.process(lifeCtx, c, userID, text)
	})
	if err != nil {
		pipelineMessages.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("pipeline: processing message for %s: %w", convoID, err)
	}

	span.SetAttributes(
		attribute.Bool("suppressed", result.Suppressed),
		attribute.String("intent", result.Intent.Name),
	)

	// Evaluation runs outside the conversation worker so a slow secondary
	// call never delays the next message in the queue.
	if o.sampler != nil && !result.Suppressed && !result.Fallback {
		if _, err := o.sampler.MaybeEvaluate(ctx, text, result.Reply, ""); err != nil {
			o.logger.Warn("Evaluation sampling failed", slog.String("error", err.Error()))
		}
	}
	return result, nil
}

// process runs the pipeline stages against the locked conversation state.
func (o *Orchestrator) process(ctx context.Context, c *conversation.Context, userID, text string) *Result {
	timings := make(map[string]time.Duration, 4)
	result := &Result{Timings: timings}
	start := time.Now()

	// Filter.
	verdict := o.runFilter(ctx, text)
	timings[stageFilter] = time.Since(start)
	result.Verdict = *verdict

	userMsg := datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: text,
		Verdict: verdict,
		Timings: timings,
	}

	if !verdict.Relevant {
		c.Append(userMsg)
		result.Suppressed = true
		pipelineMessages.WithLabelValues(outcomeSuppressed).Inc()
		o.recordLatency(timings)
		return result
	}

	// Intent resolution needs the turn counter already advanced to this
	// message, so the user turn is appended before processing.
	c.Append(userMsg)

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

	// Data fetch.
	stageStart = time.Now()
	contextData, apiContext := o.fetchData(ctx, intentResult)
	timings[stageFetch] = time.Since(stageStart)

	// Prompt + generation.
	stageStart = time.Now()
	reply, fallback := o.generate(ctx, c, userID, text, contextData, apiContext)
	timings[stageGenerate] = time.Since(stageStart)
	c.AnnotateLastUserTimings(timings)

	result.Reply = reply
	result.Fallback = fallback

	c.Append(datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: reply,
	})

	if fallback {
		pipelineMessages.WithLabelValues(outcomeFallback).Inc()
	} else {
		pipelineMessages.WithLabelValues(outcomeAnswered).Inc()
	}
	o.recordLatency(timings)
	if o.tracker != nil {
		o.tracker.Record(evaluation.CategoryLatency, time.Since(start).Seconds())
		o.tracker.Record(evaluation.CategoryResponseLength, float64(len(reply)))
		errorValue := 0.0
		if fallback {
			errorValue = 1.0
		}
		o.tracker.Record(evaluation.CategoryErrorRate, errorValue)
	}
	return result
}

func (o *Orchestrator) runFilter(ctx context.Context, text string) *datatypes.RelevanceVerdict {
	res, _ := o.filter.Check(ctx, text)
	return &datatypes.RelevanceVerdict{
		Relevant:    res.Relevant,
		Confidence:  res.Confidence,
		Explanation: res.Explanation,
	}
}

// fetchData resolves the intent's resource. Failures degrade to an API
// status note for the prompt rather than failing the exchange.
func (o *Orchestrator) fetchData(ctx context.Context, intentResult datatypes.IntentResult) (contextData, apiContext string) {
	if o.sports == nil || intentResult.Resource == "" || intentResult.Name == intent.IntentGeneralChat {
		return "", ""
	}

	raw, err := o.sports.Fetch(ctx, intentResult.Resource, intentResult.Params)
	if err != nil {
		if errors.Is(err, sports.ErrRateLimited) {
			o.logger.Warn("Data API rate limited",
				slog.String("resource", intentResult.Resource),
			)
			return "", "The live data service is rate limited right now; answer from general knowledge and say the data may be slightly out of date."
		}
		o.logger.Warn("Data API fetch failed",
			slog.String("resource", intentResult.Resource),
			slog.String("error", err.Error()),
		)
		return "", "Live data is unavailable right now; answer from general knowledge and say so."
	}
	return string(raw), ""
}

// generate renders the conversation prompt and calls the model. Retry
// exhaustion yields the apologetic fallback.
func (o *Orchestrator) generate(ctx context.Context, c *conversation.Context, userID, text, contextData, apiContext string) (reply string, fallback bool) {
	tpl, err := o.templates.Get(llm.TemplateConversation)
	if err != nil {
		o.logger.Error("Conversation template missing", slog.String("error", err.Error()))
		return fallbackReply, true
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

	res, err := o.client.Chat(ctx, messages, llm.GenerationParams{})
	if err != nil {
		var genErr *llm.GenerationError
		if errors.As(err, &genErr) {
			o.logger.Error("Generation exhausted retries",
				slog.String("provider", genErr.Provider),
				slog.Int("attempts", genErr.Attempts),
			)
		} else {
			o.logger.Error("Generation failed", slog.String("error", err.Error()))
		}
		return fallbackReply, true
	}
	return res.Content, false
}

// historyBefore returns the conversation history excluding the just-appended
// user turn, which the template renders separately.
func historyBefore(c *conversation.Context) []datatypes.Message {
	msgs := c.Messages()
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == datatypes.RoleUser {
		msgs = msgs[:len(msgs)-1]
	}
	return msgs
}

func (o *Orchestrator) recordLatency(timings map[string]time.Duration) {
	for stage, d := range timings {
		pipelineDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}
