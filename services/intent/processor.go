// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

// Intent names emitted by the processor.
const (
	IntentStandings          = "get_standings"
	IntentMatches            = "get_matches"
	IntentTeam               = "get_team"
	IntentTeamMatches        = "get_team_matches"
	IntentCompetition        = "get_competition"
	IntentCompetitionTeams   = "get_competition_teams"
	IntentCompetitionScorers = "get_competition_scorers"
	IntentHeadToHead         = "get_match_head2head"

	// IntentGeneralChat is the keyword-heuristic fallback when no intent
	// clears the resolution threshold. Never an error.
	IntentGeneralChat = "general_chat"
)

// apiResource describes a data API resource an intent maps to.
type apiResource struct {
	uri      string
	required []string
	optional []string
}

// intentResources maps intent names to their data API resources.
var intentResources = map[string]apiResource{
	IntentStandings:          {uri: "/v4/competitions/{id}/standings", required: []string{"id"}, optional: []string{"matchday", "season", "date"}},
	IntentMatches:            {uri: "/v4/matches", optional: []string{"competitions", "ids", "date_from", "date_to", "status"}},
	IntentTeam:               {uri: "/v4/teams/{id}", required: []string{"id"}},
	IntentTeamMatches:        {uri: "/v4/teams/{id}/matches", required: []string{"id"}, optional: []string{"date_from", "date_to", "season", "competitions", "status", "venue", "limit"}},
	IntentCompetition:        {uri: "/v4/competitions/{id}", required: []string{"id"}},
	IntentCompetitionTeams:   {uri: "/v4/competitions/{id}/teams", required: []string{"id"}, optional: []string{"season"}},
	IntentCompetitionScorers: {uri: "/v4/competitions/{id}/scorers", required: []string{"id"}, optional: []string{"limit", "season"}},
	IntentHeadToHead:         {uri: "/v4/matches/{id}/head2head", required: []string{"id"}, optional: []string{"limit", "date_from", "date_to", "competitions"}},
}

// intentPattern maps trigger phrasings to an intent name.
type intentPattern struct {
	re   *regexp.Regexp
	name string
}

var intentPatterns = []intentPattern{
	{regexp.MustCompile(`\b(?:standing|standings|table|position|rank|league table)\b`), IntentStandings},
	{regexp.MustCompile(`\b(?:match(?:es)?|game(?:s)?|fixture(?:s)?|schedule|upcoming|played)\b`), IntentMatches},
	{regexp.MustCompile(`\b(?:team|club|squad|roster|lineup)\b`), IntentTeam},
	{regexp.MustCompile(`\b(?:scorers?|goal scorers?|top scorers?|leading scorers?|golden boot)\b`), IntentCompetitionScorers},
	{regexp.MustCompile(`\b(?:head to head|h2h|versus|vs)\b`), IntentHeadToHead},
}

// Confidence constants for intent matching.
const (
	explicitIntentConfidence = 0.8
	patternIntentConfidence  = 0.7
	inferredIntentConfidence = 0.6
	followUpConfidence       = 0.4

	// missingParamPenalty halves confidence when a required resource
	// parameter could not be filled.
	missingParamPenalty = 0.5
)

// ProcessorConfig holds the carry-over tuning knobs.
type ProcessorConfig struct {
	// DecayRate is the per-turn multiplier applied to a historical
	// entity's confidence: decayed = base * DecayRate^elapsedTurns.
	DecayRate float64

	// ResolutionThreshold is the minimum decayed confidence for a
	// carried-over entity (and the minimum final intent confidence)
	// before the keyword fallback takes over.
	ResolutionThreshold float64
}

// IntentProcessor classifies messages into data-retrieval intents.
//
// Description:
//
//	Each message is classified independently from pattern tables and the
//	extracted entities; unresolved references fall back to the most
//	recent entity of the required type in the conversation history,
//	weighted by exponential per-turn confidence decay. A classification
//	that lands below the resolution threshold degrades to a keyword
//	fallback intent; the processor never fails.
//
// Thread Safety: Safe for concurrent use.
type IntentProcessor struct {
	extractor *EntityExtractor
	cfg       ProcessorConfig
	logger    *slog.Logger
}

// NewIntentProcessor creates a processor over an entity extractor.
func NewIntentProcessor(extractor *EntityExtractor, cfg ProcessorConfig, logger *slog.Logger) *IntentProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntentProcessor{extractor: extractor, cfg: cfg, logger: logger}
}

// DecayedConfidence computes base * DecayRate^elapsedTurns. Never negative;
// elapsedTurns below zero is treated as zero.
func (p *IntentProcessor) DecayedConfidence(base float64, elapsedTurns int) float64 {
	if elapsedTurns < 0 {
		elapsedTurns = 0
	}
	return base * math.Pow(p.cfg.DecayRate, float64(elapsedTurns))
}

// Process classifies one message. convo may be nil for single-turn use.
//
// The returned candidates are the entities extracted from this message,
// for the caller to record into conversation history.
func (p *IntentProcessor) Process(text string, convo ContextReader) (datatypes.IntentResult, []Candidate) {
	lower := strings.ToLower(text)
	candidates := p.extractor.Extract(text, nil, convo)

	name, confidence := p.matchIntent(lower, candidates, convo)
	if name == "" {
		return p.fallback(lower, 0), candidates
	}

	// A bare "matches" intent with a recent team in context is really a
	// question about that team's matches.
	if name == IntentMatches && !hasType(candidates, datatypes.EntityTeam) && convo != nil {
		if obs, ok := p.freshestObservation(convo, datatypes.EntityTeam); ok {
			decayed := p.DecayedConfidence(obs.Confidence, convo.Turn()-obs.Turn)
			if decayed >= p.cfg.ResolutionThreshold {
				name = IntentTeamMatches
				candidates = append(candidates, Candidate{Entity: obs.Entity, Confidence: decayed})
				p.logger.Debug("Carried over team from context",
					slog.String("team", obs.Entity.Name),
					slog.Float64("decayed_confidence", decayed),
				)
			} else {
				return p.fallback(lower, decayed), candidates
			}
		}
	}

	result := datatypes.IntentResult{
		Name:       name,
		Confidence: confidence,
		Resource:   intentResources[name].uri,
		Params:     buildParams(name, candidates),
	}

	// Fill a missing {id} from decayed conversation history.
	if needsID(result) {
		carried, decayed, ok := p.carryOver(name, convo)
		if ok {
			if decayed < p.cfg.ResolutionThreshold {
				return p.fallback(lower, decayed), candidates
			}
			candidates = append(candidates, Candidate{Entity: carried, Confidence: decayed})
			result.Params = buildParams(name, candidates)
		}
	}

	if needsID(result) {
		result.Confidence *= missingParamPenalty
	}
	if result.Confidence < p.cfg.ResolutionThreshold {
		return p.fallback(lower, result.Confidence), candidates
	}
	return result, candidates
}

// matchIntent scores intent patterns and entity-based inference, returning
// the best (name, confidence) or ("", 0).
func (p *IntentProcessor) matchIntent(lower string, candidates []Candidate, convo ContextReader) (string, float64) {
	type scored struct {
		name       string
		confidence float64
	}
	var matched []scored

	// Explicit standings mentions outrank everything else.
	if strings.Contains(lower, "standing") || strings.Contains(lower, "table") {
		matched = append(matched, scored{IntentStandings, explicitIntentConfidence})
	}
	for _, pat := range intentPatterns {
		if pat.re.MatchString(lower) {
			matched = append(matched, scored{pat.name, patternIntentConfidence})
		}
	}

	if len(matched) == 0 {
		// Infer from entities alone.
		switch {
		case hasType(candidates, datatypes.EntityCompetition) && hasType(candidates, datatypes.EntityTeam):
			matched = append(matched, scored{IntentCompetitionTeams, inferredIntentConfidence})
		case hasType(candidates, datatypes.EntityCompetition):
			matched = append(matched, scored{IntentCompetition, inferredIntentConfidence})
		case hasType(candidates, datatypes.EntityTeam):
			matched = append(matched, scored{IntentTeamMatches, inferredIntentConfidence})
		case hasType(candidates, datatypes.EntityTimeframe):
			matched = append(matched, scored{IntentMatches, inferredIntentConfidence})
		}
	}

	if len(matched) == 0 && convo != nil {
		// Treat as a follow-up to the previous turn's intent.
		if last, ok := convo.LastIntent(); ok && last.Name != IntentGeneralChat {
			matched = append(matched, scored{last.Name, followUpConfidence})
		}
	}

	if len(matched) == 0 {
		return "", 0
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].confidence > matched[j].confidence })
	return matched[0].name, matched[0].confidence
}

// carryOver finds the freshest history entity of the type the intent's
// {id} parameter needs, with its decayed confidence.
func (p *IntentProcessor) carryOver(name string, convo ContextReader) (datatypes.Entity, float64, bool) {
	if convo == nil {
		return datatypes.Entity{}, 0, false
	}

	var t datatypes.EntityType
	switch name {
	case IntentStandings, IntentCompetition, IntentCompetitionTeams, IntentCompetitionScorers:
		t = datatypes.EntityCompetition
	case IntentTeam, IntentTeamMatches:
		t = datatypes.EntityTeam
	default:
		return datatypes.Entity{}, 0, false
	}

	obs, ok := p.freshestObservation(convo, t)
	if !ok {
		return datatypes.Entity{}, 0, false
	}
	decayed := p.DecayedConfidence(obs.Confidence, convo.Turn()-obs.Turn)
	return obs.Entity, decayed, true
}

func (p *IntentProcessor) freshestObservation(convo ContextReader, t datatypes.EntityType) (datatypes.ObservedEntity, bool) {
	observations := convo.ObservedEntities(t)
	if len(observations) == 0 {
		return datatypes.ObservedEntity{}, false
	}
	return observations[0], true
}

// fallback produces the keyword-heuristic intent for unclassifiable or
// low-confidence messages.
func (p *IntentProcessor) fallback(lower string, confidence float64) datatypes.IntentResult {
	words := strings.Fields(normalizeStrip.ReplaceAllString(lower, " "))
	var keywords []string
	for _, w := range words {
		if len(w) >= 4 && len(keywords) < 5 {
			keywords = append(keywords, w)
		}
	}
	params := map[string]string{}
	if len(keywords) > 0 {
		params["keywords"] = strings.Join(keywords, ",")
	}
	return datatypes.IntentResult{
		Name:          IntentGeneralChat,
		Confidence:    confidence,
		Params:        params,
		LowConfidence: true,
	}
}

// buildParams derives data API parameters from entity candidates.
func buildParams(name string, candidates []Candidate) map[string]string {
	params := make(map[string]string)
	for _, c := range candidates {
		switch c.Entity.Type {
		case datatypes.EntityCompetition:
			if _, ok := params["competition_id"]; !ok && c.Entity.ID != "" {
				params["competition_id"] = c.Entity.ID
			}
		case datatypes.EntityTeam:
			if _, ok := params["team_id"]; !ok && c.Entity.ID != "" {
				params["team_id"] = c.Entity.ID
				params["team"] = c.Entity.Name
			}
		case datatypes.EntityStatus:
			params["status"] = c.Entity.Name
		case datatypes.EntityTimeframe:
			if from, ok := c.Entity.Metadata["date_from"]; ok {
				params["date_from"] = from
			}
			if to, ok := c.Entity.Metadata["date_to"]; ok {
				params["date_to"] = to
			}
		}
	}
	return params
}

// needsID reports whether the intent's resource still has an unfilled {id}.
func needsID(r datatypes.IntentResult) bool {
	if !strings.Contains(r.Resource, "{id}") {
		return false
	}
	res := intentResources[r.Name]
	for _, req := range res.required {
		if req != "id" {
			continue
		}
		if _, ok := r.Params["competition_id"]; ok {
			return false
		}
		if _, ok := r.Params["team_id"]; ok {
			return false
		}
		return true
	}
	return false
}

func hasType(candidates []Candidate, t datatypes.EntityType) bool {
	for _, c := range candidates {
		if c.Entity.Type == t {
			return true
		}
	}
	return false
}
