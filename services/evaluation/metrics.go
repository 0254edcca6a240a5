// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluation scores sampled responses with a secondary model call
// and aggregates quality metrics by day and category.
package evaluation

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Metric categories.
const (
	CategoryLatency        = "latency"
	CategoryResponseLength = "response_length"
	CategoryErrorRate      = "error_rate"
	CategoryRelevance      = "relevance"
	CategoryCorrectness    = "correctness"
	CategoryTone           = "tone"
)

// maxBucketSamples bounds per-bucket memory; past the cap new values
// reservoir-replace old ones so percentiles stay representative.
const maxBucketSamples = 8192

// Stats is the aggregate for one (date, category) bucket.
type Stats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
}

type bucket struct {
	values []float64
	count  int
	sum    float64
	min    float64
	max    float64
}

func (b *bucket) record(v float64, rng *rand.Rand) {
	if b.count == 0 || v < b.min {
		b.min = v
	}
	if b.count == 0 || v > b.max {
		b.max = v
	}
	b.count++
	b.sum += v

	if len(b.values) < maxBucketSamples {
		b.values = append(b.values, v)
		return
	}
	if i := rng.Intn(b.count); i < maxBucketSamples {
		b.values[i] = v
	}
}

func (b *bucket) stats() Stats {
	s := Stats{
		Count: b.count,
		Min:   b.min,
		Max:   b.max,
	}
	if b.count == 0 {
		return s
	}
	s.Mean = b.sum / float64(b.count)

	sorted := append([]float64(nil), b.values...)
	sort.Float64s(sorted)
	s.P50 = percentile(sorted, 0.50)
	s.P90 = percentile(sorted, 0.90)
	s.P99 = percentile(sorted, 0.99)
	return s
}

// percentile uses the nearest-rank method on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// MetricsTracker aggregates metric values keyed by UTC date and category.
//
// Thread Safety: safe for concurrent use.
type MetricsTracker struct {
	mu      sync.Mutex
	buckets map[string]map[string]*bucket // date -> category -> bucket
	rng     *rand.Rand
	now     func() time.Time
}

// NewMetricsTracker creates an empty tracker.
func NewMetricsTracker() *MetricsTracker {
	return &MetricsTracker{
		buckets: make(map[string]map[string]*bucket),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Record adds a value to the category's bucket for today.
func (t *MetricsTracker) Record(category string, value float64) {
	day := t.now().UTC().Format("2006-01-02")

	t.mu.Lock()
	defer t.mu.Unlock()
	byCategory, ok := t.buckets[day]
	if !ok {
		byCategory = make(map[string]*bucket)
		t.buckets[day] = byCategory
	}
	b, ok := byCategory[category]
	if !ok {
		b = &bucket{}
		byCategory[category] = b
	}
	b.record(value, t.rng)
}

// Snapshot returns a point-in-time copy of all aggregates, keyed by date
// then category.
func (t *MetricsTracker) Snapshot() map[string]map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]map[string]Stats, len(t.buckets))
	for day, byCategory := range t.buckets {
		dayOut := make(map[string]Stats, len(byCategory))
		for category, b := range byCategory {
			dayOut[category] = b.stats()
		}
		out[day] = dayOut
	}
	return out
}
