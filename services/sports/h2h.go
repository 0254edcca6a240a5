// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sports

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// matchSide is the subset of a match payload needed to pair opponents.
type matchSide struct {
	ID int `json:"id"`
}

type h2hMatch struct {
	HomeTeam matchSide `json:"homeTeam"`
	AwayTeam matchSide `json:"awayTeam"`
}

// HeadToHead returns recent matches between two teams.
//
// Description:
//
//	The upstream has no direct two-team endpoint, so this pulls the first
//	team's recent matches and keeps those where the opponent is the second
//	team, preserving the upstream's ordering. The result is re-wrapped in
//	a {"matches": [...]} envelope matching the upstream's list shape.
//
// Inputs:
//
//	client - Data API client.
//	team1ID, team2ID - Upstream team identifiers.
//	limit - Maximum matches to return; values < 1 default to 10.
func HeadToHead(ctx context.Context, client Client, team1ID, team2ID int, limit int) (json.RawMessage, error) {
	if limit < 1 {
		limit = 10
	}

	raw, err := client.Fetch(ctx, "/v4/teams/{id}/matches", map[string]string{
		"team_id": strconv.Itoa(team1ID),
		"limit":   "50",
	})
	if err != nil {
		return nil, fmt.Errorf("sports: head-to-head fetch for team %d: %w", team1ID, err)
	}

	var envelope struct {
		Matches []json.RawMessage `json:"matches"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("sports: decoding team %d matches: %w", team1ID, err)
	}

	kept := make([]json.RawMessage, 0, limit)
	for _, rawMatch := range envelope.Matches {
		var m h2hMatch
		if err := json.Unmarshal(rawMatch, &m); err != nil {
			continue
		}
		pair := (m.HomeTeam.ID == team1ID && m.AwayTeam.ID == team2ID) ||
			(m.HomeTeam.ID == team2ID && m.AwayTeam.ID == team1ID)
		if !pair {
			continue
		}
		kept = append(kept, rawMatch)
		if len(kept) >= limit {
			break
		}
	}

	out, err := json.Marshal(map[string][]json.RawMessage{"matches": kept})
	if err != nil {
		return nil, fmt.Errorf("sports: encoding head-to-head result: %w", err)
	}
	return out, nil
}
