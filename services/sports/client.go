// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sports fetches competition, team, and match data from the
// football-data.org v4 API with client-side rate limiting.
package sports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/baller/services/config"
)

// ErrRateLimited is returned when the upstream rejects a call with HTTP 429
// or the client-side limiter cannot admit the call before the context
// deadline. Use errors.As with *RateLimitError for the retry-after hint.
var ErrRateLimited = errors.New("sports: rate limited")

// RateLimitError carries the upstream's Retry-After hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("sports: rate limited, retry after %s", e.RetryAfter)
	}
	return "sports: rate limited"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Client fetches a data API resource.
//
// Description:
//
//	The resource id is a versioned path template like
//	"/v4/competitions/{id}/standings". Fetch substitutes the {id}
//	placeholder from the params (competition_id, team_id, or match_id
//	depending on the path) and translates the remaining params into the
//	upstream's query string.
type Client interface {
	Fetch(ctx context.Context, resource string, params map[string]string) (json.RawMessage, error)
}

// queryNames maps pipeline parameter names to the upstream's camelCase
// query parameters. Parameters not listed are consumed elsewhere
// (identifiers) or dropped.
var queryNames = map[string]string{
	"date_from":    "dateFrom",
	"date_to":      "dateTo",
	"status":       "status",
	"season":       "season",
	"matchday":     "matchday",
	"venue":        "venue",
	"limit":        "limit",
	"competitions": "competitions",
	"ids":          "ids",
	"areas":        "areas",
}

// HTTPClient is the football-data.org implementation of Client.
//
// Thread Safety: safe for concurrent use.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPClient creates a client for the configured football-data endpoint.
//
// Inputs:
//
//	cfg - Base URL (including the version prefix), API key, client-side
//	      requests-per-minute budget, and per-call timeout.
//	logger - Structured logger; nil uses slog.Default().
func NewHTTPClient(cfg config.SportsConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		logger:  logger,
	}
}

// Fetch retrieves a resource and returns the raw JSON body.
//
// Outputs:
//
//	json.RawMessage - The upstream response body on HTTP 2xx.
//	error - *RateLimitError (unwrapping to ErrRateLimited) on HTTP 429 or
//	        limiter exhaustion; a generic error otherwise.
func (c *HTTPClient) Fetch(ctx context.Context, resource string, params map[string]string) (json.RawMessage, error) {
	path, err := expandResource(resource, params)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RateLimitError{}
	}

	u := c.baseURL + path
	if q := buildQuery(params); q != "" {
		u += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("sports: building request for %s: %w", path, err)
	}
	req.Header.Set("X-Auth-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sports: calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("sports: reading response for %s: %w", path, err)
	}

	c.logger.Debug("Data API call",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("sports: %s returned HTTP %d: %s", path, resp.StatusCode, truncate(string(body), 200))
	}
	return json.RawMessage(body), nil
}

// idParamFor picks the identifier parameter for the path segment that
// precedes an {id} placeholder.
var idParamFor = map[string]string{
	"competitions": "competition_id",
	"teams":        "team_id",
	"matches":      "match_id",
	"persons":      "person_id",
}

// expandResource substitutes {id} placeholders and strips the version
// prefix (the base URL already carries it).
func expandResource(resource string, params map[string]string) (string, error) {
	path := strings.TrimPrefix(resource, "/v4")
	if !strings.Contains(path, "{id}") {
		return path, nil
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg != "{id}" {
			continue
		}
		name := "id"
		if i > 0 {
			if mapped, ok := idParamFor[segments[i-1]]; ok {
				name = mapped
			}
		}
		id := params[name]
		if id == "" {
			id = params["id"]
		}
		if id == "" {
			return "", fmt.Errorf("sports: resource %s requires parameter %q", resource, name)
		}
		segments[i] = url.PathEscape(id)
	}
	return strings.Join(segments, "/"), nil
}

func buildQuery(params map[string]string) string {
	q := url.Values{}
	for name, value := range params {
		if value == "" {
			continue
		}
		if upstream, ok := queryNames[name]; ok {
			q.Set(upstream, value)
		}
	}
	return q.Encode()
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
