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
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
)

// Extraction confidences per match quality.
const (
	exactMatchConfidence   = 0.95
	aliasMatchConfidence   = 0.85
	fuzzyMatchConfidence   = 0.70
	patternMatchConfidence = 0.90
	statusMatchConfidence  = 0.80

	// defaultSimilarityThreshold is the minimum normalized edit similarity
	// for a fuzzy dictionary match to count at all, when the extractor is
	// not configured with one.
	defaultSimilarityThreshold = 0.72
)

// Candidate is a ranked extraction result: an entity plus the extractor's
// confidence and its span in the source text.
type Candidate struct {
	Entity     datatypes.Entity
	Confidence float64
	Start      int
	End        int
}

// competitionPattern maps a name-variant regex to a canonical competition.
type competitionPattern struct {
	re   *regexp.Regexp
	name string
	id   string
}

// competitionPatterns covers the competitions the upstream data API serves
// on the free tier, with their API ids.
var competitionPatterns = []competitionPattern{
	{regexp.MustCompile(`\b(?:premier league|epl|english premier league)\b`), "Premier League", "2021"},
	{regexp.MustCompile(`\b(?:la liga|laliga|spanish la liga)\b`), "La Liga", "2014"},
	{regexp.MustCompile(`\b(?:bundesliga|german bundesliga)\b`), "Bundesliga", "2002"},
	{regexp.MustCompile(`\b(?:serie a|italian serie a)\b`), "Serie A", "2019"},
	{regexp.MustCompile(`\b(?:ligue 1|french ligue 1)\b`), "Ligue 1", "2015"},
	{regexp.MustCompile(`\b(?:champions league|ucl|uefa champions league)\b`), "UEFA Champions League", "2001"},
	{regexp.MustCompile(`\b(?:europa league|uel|uefa europa league)\b`), "UEFA Europa League", "2146"},
	{regexp.MustCompile(`\b(?:world cup|fifa world cup)\b`), "FIFA World Cup", "2000"},
}

// timeframePattern maps a phrase regex to a named timeframe. A non-nil
// offset means a single-day timeframe that many days from today; nil means
// a computed range.
type timeframePattern struct {
	re     *regexp.Regexp
	name   string
	offset *int
}

func dayOffset(d int) *int { return &d }

var timeframePatterns = []timeframePattern{
	{regexp.MustCompile(`\b(?:today|tonight)\b`), "today", dayOffset(0)},
	{regexp.MustCompile(`\btomorrow\b`), "tomorrow", dayOffset(1)},
	{regexp.MustCompile(`\byesterday\b`), "yesterday", dayOffset(-1)},
	{regexp.MustCompile(`\b(?:this weekend|upcoming weekend)\b`), "weekend", nil},
	{regexp.MustCompile(`\b(?:this week|current week)\b`), "week", nil},
	{regexp.MustCompile(`\bnext week\b`), "next_week", nil},
	{regexp.MustCompile(`\bnext weekend\b`), "next_weekend", nil},
}

// statusPattern maps status phrasings to the data API's match status enum.
type statusPattern struct {
	re     *regexp.Regexp
	status string
}

var statusPatterns = []statusPattern{
	{regexp.MustCompile(`\b(?:scheduled|upcoming|future)\b`), "SCHEDULED"},
	{regexp.MustCompile(`\b(?:live|ongoing|in progress)\b`), "IN_PLAY"},
	{regexp.MustCompile(`\b(?:finished|completed|past|final|full-?time)\b`), "FINISHED"},
	{regexp.MustCompile(`\bpostponed\b`), "POSTPONED"},
	{regexp.MustCompile(`\b(?:canceled|cancelled)\b`), "CANCELLED"},
}

var normalizeStrip = regexp.MustCompile(`[^a-z0-9 ]+`)
var normalizeSpaces = regexp.MustCompile(`\s+`)

// NormalizeName lowercases, strips punctuation, and collapses whitespace so
// dictionary lookups are insensitive to casing and decoration.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = normalizeStrip.ReplaceAllString(s, "")
	s = normalizeSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// ContextReader is the view of conversation history the extractor and
// processor need: decayed entity observations and the last classified
// intent. Implemented by conversation.Context.
type ContextReader interface {
	// ObservedEntities returns history observations of the given type,
	// most recent first.
	ObservedEntities(t datatypes.EntityType) []datatypes.ObservedEntity

	// LastIntent returns the most recent intent, if any.
	LastIntent() (datatypes.IntentResult, bool)

	// Turn returns the current turn index (number of user messages seen).
	Turn() int
}

// EntityExtractor produces ranked entity candidates from message text.
//
// Description:
//
//	Competitions, timeframes, and statuses match against fixed pattern
//	tables; teams match against the EntityCache dictionary with a
//	three-tier policy: exact normalized-name match, then alias match,
//	then fuzzy match above a similarity threshold. Ties between fuzzy
//	candidates break toward the entity most recently seen in the
//	conversation. No candidate clearing the threshold yields an empty
//	slice, not an error.
//
// Thread Safety: Safe for concurrent use.
type EntityExtractor struct {
	cache *EntityCache
	cfg   ExtractorConfig

	// now is injectable for deterministic timeframe tests.
	now func() time.Time
}

// ExtractorConfig holds extraction tunables.
type ExtractorConfig struct {
	// SimilarityThreshold is the minimum fuzzy-match similarity for a
	// dictionary candidate to count at all. Zero selects the default.
	SimilarityThreshold float64
}

// NewEntityExtractor creates an extractor over a warmed entity cache.
func NewEntityExtractor(cache *EntityCache, cfg ExtractorConfig) *EntityExtractor {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = defaultSimilarityThreshold
	}
	return &EntityExtractor{cache: cache, cfg: cfg, now: time.Now}
}

// Extract returns ranked candidates of the requested types found in text.
// A nil types slice extracts all supported types. convo may be nil.
func (x *EntityExtractor) Extract(text string, types []datatypes.EntityType, convo ContextReader) []Candidate {
	wanted := func(t datatypes.EntityType) bool {
		if len(types) == 0 {
			return true
		}
		for _, w := range types {
			if w == t {
				return true
			}
		}
		return false
	}

	lower := strings.ToLower(text)
	var out []Candidate

	if wanted(datatypes.EntityCompetition) {
		out = append(out, x.extractCompetitions(lower)...)
	}
	if wanted(datatypes.EntityTimeframe) {
		out = append(out, x.extractTimeframes(lower)...)
	}
	if wanted(datatypes.EntityStatus) {
		out = append(out, x.extractStatuses(lower)...)
	}
	if wanted(datatypes.EntityTeam) {
		out = append(out, x.extractTeams(lower, convo)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Start < out[j].Start
	})
	return out
}

func (x *EntityExtractor) extractCompetitions(lower string) []Candidate {
	var out []Candidate
	for _, p := range competitionPatterns {
		loc := p.re.FindStringIndex(lower)
		if loc == nil {
			continue
		}
		out = append(out, Candidate{
			Entity: datatypes.Entity{
				Type:           datatypes.EntityCompetition,
				ID:             p.id,
				Name:           p.name,
				NormalizedName: NormalizeName(p.name),
			},
			Confidence: patternMatchConfidence,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	return out
}

func (x *EntityExtractor) extractTimeframes(lower string) []Candidate {
	today := x.now().Truncate(24 * time.Hour)
	var out []Candidate
	for _, p := range timeframePatterns {
		loc := p.re.FindStringIndex(lower)
		if loc == nil {
			continue
		}
		meta := timeframeDates(p, today)
		out = append(out, Candidate{
			Entity: datatypes.Entity{
				Type:           datatypes.EntityTimeframe,
				Name:           p.name,
				NormalizedName: p.name,
				Metadata:       meta,
			},
			Confidence: patternMatchConfidence,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	return out
}

// timeframeDates resolves a timeframe to concrete ISO dates relative to
// today.
func timeframeDates(p timeframePattern, today time.Time) map[string]string {
	const iso = "2006-01-02"
	meta := make(map[string]string, 2)

	if p.offset != nil {
		d := today.AddDate(0, 0, *p.offset).Format(iso)
		meta["date_from"] = d
		meta["date_to"] = d
		return meta
	}

	daysUntilSaturday := (int(time.Saturday) - int(today.Weekday()) + 7) % 7
	switch p.name {
	case "weekend":
		saturday := today.AddDate(0, 0, daysUntilSaturday)
		meta["date_from"] = saturday.Format(iso)
		meta["date_to"] = saturday.AddDate(0, 0, 1).Format(iso)
	case "week":
		meta["date_from"] = today.Format(iso)
		meta["date_to"] = today.AddDate(0, 0, 7).Format(iso)
	case "next_week":
		meta["date_from"] = today.AddDate(0, 0, 7).Format(iso)
		meta["date_to"] = today.AddDate(0, 0, 14).Format(iso)
	case "next_weekend":
		if daysUntilSaturday == 0 {
			daysUntilSaturday = 7
		}
		saturday := today.AddDate(0, 0, daysUntilSaturday)
		meta["date_from"] = saturday.Format(iso)
		meta["date_to"] = saturday.AddDate(0, 0, 1).Format(iso)
	}
	return meta
}

func (x *EntityExtractor) extractStatuses(lower string) []Candidate {
	var out []Candidate
	for _, p := range statusPatterns {
		loc := p.re.FindStringIndex(lower)
		if loc == nil {
			continue
		}
		out = append(out, Candidate{
			Entity: datatypes.Entity{
				Type:           datatypes.EntityStatus,
				Name:           p.status,
				NormalizedName: strings.ToLower(p.status),
			},
			Confidence: statusMatchConfidence,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	return out
}

// extractTeams matches dictionary teams against the message text.
func (x *EntityExtractor) extractTeams(lower string, convo ContextReader) []Candidate {
	if x.cache == nil {
		return nil
	}
	teams := x.cache.Entities(datatypes.EntityTeam)
	if len(teams) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []Candidate

	add := func(team datatypes.Entity, confidence float64, start, end int) {
		if seen[team.ID] {
			return
		}
		seen[team.ID] = true
		out = append(out, Candidate{Entity: team, Confidence: confidence, Start: start, End: end})
	}

	// Tier 1: exact normalized-name substring.
	for _, team := range teams {
		if idx := wordIndex(lower, team.NormalizedName); idx >= 0 {
			add(team, exactMatchConfidence, idx, idx+len(team.NormalizedName))
		}
	}

	// Tier 2: alias matches.
	for _, team := range teams {
		if seen[team.ID] {
			continue
		}
		for _, alias := range team.Aliases {
			a := NormalizeName(alias)
			if a == "" {
				continue
			}
			if idx := wordIndex(lower, a); idx >= 0 {
				add(team, aliasMatchConfidence, idx, idx+len(a))
				break
			}
		}
	}

	// Tier 3: fuzzy match on individual words, ties broken by the team
	// most recently observed in the conversation.
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	offset := 0
	for _, word := range words {
		idx := strings.Index(lower[offset:], word) + offset
		offset = idx + len(word)
		if len(word) < 4 {
			continue
		}

		var best *datatypes.Entity
		bestSim := x.cfg.SimilarityThreshold
		for i := range teams {
			if seen[teams[i].ID] {
				continue
			}
			sim := nameSimilarity(word, teams[i].NormalizedName)
			for _, alias := range teams[i].Aliases {
				if s := nameSimilarity(word, NormalizeName(alias)); s > sim {
					sim = s
				}
			}
			switch {
			case sim > bestSim:
				best, bestSim = &teams[i], sim
			case sim == bestSim && best != nil:
				if lastSeenTurn(convo, teams[i].ID) > lastSeenTurn(convo, best.ID) {
					best = &teams[i]
				}
			}
		}
		if best != nil {
			add(*best, fuzzyMatchConfidence, idx, idx+len(word))
		}
	}
	return out
}

// lastSeenTurn returns the most recent turn at which the conversation
// observed a team with this id, or -1.
func lastSeenTurn(convo ContextReader, id string) int {
	if convo == nil {
		return -1
	}
	for _, obs := range convo.ObservedEntities(datatypes.EntityTeam) {
		if obs.Entity.ID == id {
			return obs.Turn
		}
	}
	return -1
}

// wordIndex finds needle in haystack at a word boundary, or -1.
func wordIndex(haystack, needle string) int {
	if needle == "" {
		return -1
	}
	from := 0
	for {
		idx := strings.Index(haystack[from:], needle)
		if idx < 0 {
			return -1
		}
		idx += from
		end := idx + len(needle)
		beforeOK := idx == 0 || !isWordByte(haystack[idx-1])
		afterOK := end == len(haystack) || !isWordByte(haystack[end])
		if beforeOK && afterOK {
			return idx
		}
		from = idx + 1
	}
}

func isWordByte(b byte) bool {
	return 'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z' || '0' <= b && b <= '9'
}

// nameSimilarity is normalized edit-distance similarity in [0, 1].
func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshteinDistance(a, b))/float64(longest)
}

// levenshteinDistance calculates the edit distance between two strings
// using two rows instead of the full matrix.
func levenshteinDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
