// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/baller/services/llm"
)

// Scores holds one sampled evaluation's criterion scores, each in 0-10.
type Scores struct {
	Relevance   float64 `json:"relevance"`
	Correctness float64 `json:"correctness"`
	Tone        float64 `json:"tone"`
}

// Sampler probabilistically scores responses with a secondary model call.
//
// Description:
//
//	Each response gets an independent draw at the configured sampling
//	rate, subject to a per-UTC-day cap. A sampled response is scored for
//	relevance, correctness, and tone through the evaluation template; the
//	scores feed the metrics tracker. Evaluation failures are logged and
//	swallowed so a broken evaluator never affects user traffic.
//
// Thread Safety: safe for concurrent use.
type Sampler struct {
	client    llm.Client
	templates *llm.Registry
	tracker   *MetricsTracker
	rate      float64
	dailyCap  int
	logger    *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	day     string
	sampled int
	now     func() time.Time
}

// NewSampler creates a sampler.
//
// Inputs:
//
//	client - Chat client for evaluation calls.
//	templates - Prompt template registry; nil uses the defaults.
//	tracker - Destination for score metrics; nil disables recording.
//	rate - Sampling probability in [0, 1].
//	dailyCap - Maximum evaluations per UTC day; values < 1 disable sampling.
//	logger - Structured logger; nil uses slog.Default().
func NewSampler(client llm.Client, templates *llm.Registry, tracker *MetricsTracker, rate float64, dailyCap int, logger *slog.Logger) *Sampler {
	if templates == nil {
		templates = llm.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		client:    client,
		templates: templates,
		tracker:   tracker,
		rate:      rate,
		dailyCap:  dailyCap,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// MaybeEvaluate draws for this response and, when sampled, scores it.
//
// Outputs:
//
//	*Scores - The parsed scores when an evaluation ran, nil otherwise.
//	error - Always nil; evaluation failures are logged and swallowed.
func (s *Sampler) MaybeEvaluate(ctx context.Context, userMessage, botResponse, contextData string) (*Scores, error) {
	if !s.draw() {
		return nil, nil
	}

	scores, err := s.evaluate(ctx, userMessage, botResponse, contextData)
	if err != nil {
		s.logger.Warn("Response evaluation failed",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	if s.tracker != nil {
		s.tracker.Record(CategoryRelevance, scores.Relevance)
		s.tracker.Record(CategoryCorrectness, scores.Correctness)
		s.tracker.Record(CategoryTone, scores.Tone)
	}
	s.logger.Debug("Sampled response evaluation",
		slog.Float64("relevance", scores.Relevance),
		slog.Float64("correctness", scores.Correctness),
		slog.Float64("tone", scores.Tone),
	)
	return scores, nil
}

// draw applies the daily cap and the sampling probability.
func (s *Sampler) draw() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.now().UTC().Format("2006-01-02")
	if day != s.day {
		s.day = day
		s.sampled = 0
	}
	if s.sampled >= s.dailyCap {
		return false
	}
	if s.rng.Float64() >= s.rate {
		return false
	}
	s.sampled++
	return true
}

func (s *Sampler) evaluate(ctx context.Context, userMessage, botResponse, contextData string) (*Scores, error) {
	tpl, err := s.templates.Get(llm.TemplateEvaluation)
	if err != nil {
		return nil, fmt.Errorf("evaluation: loading template: %w", err)
	}

	kind := llm.KindForProvider(s.client.Provider())
	messages := tpl.Render(kind, llm.TemplateInput{
		UserMessage: userMessage,
		BotResponse: botResponse,
		ContextData: contextData,
	})

	res, err := s.client.Chat(ctx, messages, llm.GenerationParams{})
	if err != nil {
		return nil, fmt.Errorf("evaluation: chat call: %w", err)
	}
	return parseScores(res.Content)
}

// parseScores reads "criterion: N" lines. All three criteria must be
// present with scores in 0-10.
func parseScores(reply string) (*Scores, error) {
	found := map[string]float64{}
	for _, line := range strings.Split(reply, "\n") {
		name, rawValue, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
		if err != nil || value < 0 || value > 10 {
			continue
		}
		found[strings.ToLower(strings.TrimSpace(name))] = value
	}

	scores := &Scores{}
	for _, want := range []struct {
		name string
		dst  *float64
	}{
		{"relevance", &scores.Relevance},
		{"correctness", &scores.Correctness},
		{"tone", &scores.Tone},
	} {
		value, ok := found[want.name]
		if !ok {
			return nil, fmt.Errorf("evaluation: reply missing %q score", want.name)
		}
		*want.dst = value
	}
	return scores, nil
}
