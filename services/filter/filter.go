// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filter gates incoming messages on topical relevance before the
// rest of the pipeline runs. The gate is fail-closed: any classifier error
// or unparseable verdict rejects the message.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/baller/services/llm"
)

var filterVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "baller",
	Subsystem: "filter",
	Name:      "verdicts_total",
	Help:      "Relevance verdicts by outcome.",
}, []string{"outcome"})

// Verdict outcomes reported to metrics.
const (
	outcomeRelevant   = "relevant"
	outcomeRejected   = "rejected"
	outcomeFailClosed = "fail_closed"
)

// Verdict confidence levels. A clean two-line reply earns full confidence;
// a recognized verdict with malformed trailing content is degraded.
const (
	cleanVerdictConfidence    = 0.9
	degradedVerdictConfidence = 0.5
)

// Result is the outcome of a relevance check.
type Result struct {
	// Relevant reports whether the message is on-topic.
	Relevant bool

	// Confidence is the filter's confidence in the verdict.
	Confidence float64

	// Explanation is the classifier's brief reasoning, when provided.
	Explanation string
}

// ContentFilter classifies messages as on-topic or not using a small
// classifier model.
//
// Description:
//
//	Check renders the relevance-check prompt, sends it through the chat
//	client, and parses the first reply line as a yes/no verdict. The
//	filter never errors outward: a classifier failure or an unrecognizable
//	verdict yields Relevant=false so that unclassifiable input cannot
//	reach the generation path.
//
// Thread Safety: safe for concurrent use; all state is read-only after
// construction.
type ContentFilter struct {
	client    llm.Client
	templates *llm.Registry
	logger    *slog.Logger
}

// NewContentFilter creates a fail-closed relevance filter.
//
// Inputs:
//
//	client - Chat client used for classification (typically the cheaper
//	         filter model from llm.NewFilterClient).
//	templates - Prompt template registry; nil uses the defaults.
//	logger - Structured logger; nil uses slog.Default().
func NewContentFilter(client llm.Client, templates *llm.Registry, logger *slog.Logger) *ContentFilter {
	if templates == nil {
		templates = llm.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentFilter{client: client, templates: templates, logger: logger}
}

// Check classifies a single message.
//
// Inputs:
//
//	ctx - Bounds the classifier call.
//	text - The user message to classify.
//
// Outputs:
//
//	Result - Verdict, confidence, and explanation. Never nil.
//	error - Always nil; failures fold into a fail-closed Result.
func (f *ContentFilter) Check(ctx context.Context, text string) (*Result, error) {
	tpl, err := f.templates.Get(llm.TemplateRelevanceCheck)
	if err != nil {
		return f.failClosed(text, fmt.Errorf("filter: loading relevance template: %w", err)), nil
	}

	kind := llm.KindForProvider(f.client.Provider())
	messages := tpl.Render(kind, llm.TemplateInput{UserMessage: text})

	res, err := f.client.Chat(ctx, messages, llm.GenerationParams{})
	if err != nil {
		return f.failClosed(text, fmt.Errorf("filter: relevance check failed: %w", err)), nil
	}

	verdict, ok := parseVerdict(res.Content)
	if !ok {
		return f.failClosed(text, fmt.Errorf("filter: unparseable verdict %q", llm.SafeLogString(firstLine(res.Content)))), nil
	}

	if verdict.Relevant {
		filterVerdicts.WithLabelValues(outcomeRelevant).Inc()
	} else {
		filterVerdicts.WithLabelValues(outcomeRejected).Inc()
	}
	f.logger.Debug("Relevance verdict",
		slog.Bool("relevant", verdict.Relevant),
		slog.Float64("confidence", verdict.Confidence),
	)
	return verdict, nil
}

func (f *ContentFilter) failClosed(text string, cause error) *Result {
	filterVerdicts.WithLabelValues(outcomeFailClosed).Inc()
	f.logger.Warn("Relevance check fail-closed",
		slog.Int("message_length", len(text)),
		slog.String("error", cause.Error()),
	)
	return &Result{
		Relevant:    false,
		Confidence:  0,
		Explanation: "relevance could not be determined",
	}
}

// parseVerdict reads the yes/no first line and optional explanation line.
// The verdict line must be recognized for ok to be true; extra content
// after the explanation degrades confidence rather than failing.
func parseVerdict(reply string) (*Result, bool) {
	lines := strings.Split(strings.TrimSpace(reply), "\n")
	if len(lines) == 0 {
		return nil, false
	}

	verdictLine := strings.ToLower(strings.TrimSpace(lines[0]))
	verdictLine = strings.TrimRight(verdictLine, ".!")

	var relevant bool
	switch verdictLine {
	case "yes", "true", "relevant":
		relevant = true
	case "no", "false", "not relevant", "irrelevant":
		relevant = false
	default:
		return nil, false
	}

	explanation := ""
	confidence := cleanVerdictConfidence
	if len(lines) > 1 {
		explanation = strings.TrimSpace(lines[1])
	}
	if len(lines) > 2 {
		// The contract is two lines; a rambling reply still carries a
		// usable verdict but deserves less trust.
		confidence = degradedVerdictConfidence
	}

	return &Result{Relevant: relevant, Confidence: confidence, Explanation: explanation}, true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
