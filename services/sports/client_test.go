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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/baller/services/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.SportsConfig{
		BaseURL:           srv.URL + "/v4",
		APIKey:            "test-token",
		RequestsPerMinute: 600, // effectively unlimited for tests
		Timeout:           5 * time.Second,
	}, nil)
}

func TestFetch_StandingsRequest(t *testing.T) {
	var gotPath, gotToken, gotQuery string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Auth-Token")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"standings":[]}`))
	})

	raw, err := c.Fetch(context.Background(), "/v4/competitions/{id}/standings", map[string]string{
		"competition_id": "2021",
		"season":         "2026",
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotPath != "/v4/competitions/2021/standings" {
		t.Errorf("path = %q", gotPath)
	}
	if gotToken != "test-token" {
		t.Errorf("X-Auth-Token = %q", gotToken)
	}
	if gotQuery != "season=2026" {
		t.Errorf("query = %q", gotQuery)
	}
	if string(raw) != `{"standings":[]}` {
		t.Errorf("body = %s", raw)
	}
}

func TestFetch_TranslatesDateParams(t *testing.T) {
	var gotQuery map[string][]string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"matches":[]}`))
	})

	_, err := c.Fetch(context.Background(), "/v4/teams/{id}/matches", map[string]string{
		"team_id":   "61",
		"team":      "Chelsea FC", // display-only, must not reach the wire
		"date_from": "2026-09-01",
		"date_to":   "2026-09-01",
		"status":    "FINISHED",
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got := gotQuery["dateFrom"]; len(got) != 1 || got[0] != "2026-09-01" {
		t.Errorf("dateFrom = %v", got)
	}
	if got := gotQuery["dateTo"]; len(got) != 1 || got[0] != "2026-09-01" {
		t.Errorf("dateTo = %v", got)
	}
	if got := gotQuery["status"]; len(got) != 1 || got[0] != "FINISHED" {
		t.Errorf("status = %v", got)
	}
	if _, present := gotQuery["team"]; present {
		t.Error("display-only param leaked into the query string")
	}
}

func TestFetch_MissingRequiredID(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	})

	_, err := c.Fetch(context.Background(), "/v4/competitions/{id}/standings", nil)
	if err == nil {
		t.Fatal("Fetch() error = nil, want missing-parameter error")
	}
}

func TestFetch_RateLimitedUpstream(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Fetch(context.Background(), "/v4/matches", nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Fetch() error = %v, want ErrRateLimited", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatal("error is not a *RateLimitError")
	}
	if rle.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", rle.RetryAfter)
	}
}

func TestFetch_UpstreamErrorIsNotRateLimited(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"resource not found"}`))
	})

	_, err := c.Fetch(context.Background(), "/v4/teams/{id}", map[string]string{"team_id": "99999"})
	if err == nil {
		t.Fatal("Fetch() error = nil, want HTTP error")
	}
	if errors.Is(err, ErrRateLimited) {
		t.Error("a 404 must not be classified as rate limiting")
	}
}

func TestFetch_ClientSideLimiter(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	// One token per minute with a burst of one: the second call cannot be
	// admitted before the context deadline.
	c.limiter.SetLimit(1.0 / 60.0)
	c.limiter.SetBurst(1)

	if _, err := c.Fetch(context.Background(), "/v4/matches", nil); err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, "/v4/matches", nil)
	if err == nil {
		t.Fatal("second Fetch() error = nil, want limiter rejection")
	}
}

func TestHeadToHead_FiltersOpponent(t *testing.T) {
	payload := map[string]any{
		"matches": []map[string]any{
			{"id": 1, "homeTeam": map[string]any{"id": 61}, "awayTeam": map[string]any{"id": 57}},
			{"id": 2, "homeTeam": map[string]any{"id": 61}, "awayTeam": map[string]any{"id": 64}},
			{"id": 3, "homeTeam": map[string]any{"id": 57}, "awayTeam": map[string]any{"id": 61}},
		},
	}
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v4/teams/61/matches" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(payload)
	})

	raw, err := HeadToHead(context.Background(), c, 61, 57, 10)
	if err != nil {
		t.Fatalf("HeadToHead() error = %v", err)
	}

	var out struct {
		Matches []struct {
			ID int `json:"id"`
		} `json:"matches"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if len(out.Matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(out.Matches))
	}
	if out.Matches[0].ID != 1 || out.Matches[1].ID != 3 {
		t.Errorf("match ids = %d, %d; want 1, 3", out.Matches[0].ID, out.Matches[1].ID)
	}
}

func TestHeadToHead_RespectsLimit(t *testing.T) {
	payload := map[string]any{
		"matches": []map[string]any{
			{"id": 1, "homeTeam": map[string]any{"id": 61}, "awayTeam": map[string]any{"id": 57}},
			{"id": 2, "homeTeam": map[string]any{"id": 57}, "awayTeam": map[string]any{"id": 61}},
			{"id": 3, "homeTeam": map[string]any{"id": 61}, "awayTeam": map[string]any{"id": 57}},
		},
	}
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payload)
	})

	raw, err := HeadToHead(context.Background(), c, 61, 57, 2)
	if err != nil {
		t.Fatalf("HeadToHead() error = %v", err)
	}
	var out struct {
		Matches []json.RawMessage `json:"matches"`
	}
	json.Unmarshal(raw, &out)
	if len(out.Matches) != 2 {
		t.Errorf("matches = %d, want 2", len(out.Matches))
	}
}
