// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package preferences tracks per-user follow lists and notification flags,
// persisted through the storage layer.
package preferences

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/baller/services/storage"
)

// Notification setting names.
const (
	SettingGameReminders = "game_reminders"
	SettingScoreUpdates  = "score_updates"
)

// Preferences is one user's stored preferences.
type Preferences struct {
	// FollowedTeams keeps display casing; membership checks are
	// case-insensitive.
	FollowedTeams []string `json:"followed_teams"`

	// PreferredCompetitions lists competition names in priority order.
	PreferredCompetitions []string `json:"preferred_competitions"`

	// Notifications holds boolean notification flags by setting name.
	Notifications map[string]bool `json:"notifications"`

	// LastUpdated is the time of the most recent mutation.
	LastUpdated time.Time `json:"last_updated"`
}

func defaultPreferences() *Preferences {
	return &Preferences{
		Notifications: map[string]bool{
			SettingGameReminders: true,
			SettingScoreUpdates:  false,
		},
	}
}

func (p *Preferences) clone() *Preferences {
	out := &Preferences{
		FollowedTeams:         append([]string(nil), p.FollowedTeams...),
		PreferredCompetitions: append([]string(nil), p.PreferredCompetitions...),
		Notifications:         make(map[string]bool, len(p.Notifications)),
		LastUpdated:           p.LastUpdated,
	}
	for k, v := range p.Notifications {
		out.Notifications[k] = v
	}
	return out
}

// Manager loads, mutates, and persists user preferences.
//
// Description:
//
//	Reads are served from memory after first load; a miss pulls from the
//	backing store and falls back to defaults when nothing is stored.
//	Every mutation persists synchronously so a restart cannot lose a
//	follow the user was told succeeded. Store write failures are logged
//	and the in-memory state is kept, so a flaky store degrades to
//	process-lifetime persistence rather than erroring user commands.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	store  storage.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	users map[string]*Preferences
}

// NewManager creates a preferences manager.
//
// Inputs:
//
//	store - Backing store; nil keeps preferences in memory only.
//	ttl - Retention for persisted preferences; zero means no expiry.
//	logger - Structured logger; nil uses slog.Default().
func NewManager(store storage.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		users:  make(map[string]*Preferences),
	}
}

func storeKey(userID string) string {
	return "preferences/" + userID
}

// Get returns a copy of the user's preferences, loading from the store on
// first access and falling back to defaults.
func (m *Manager) Get(ctx context.Context, userID string) *Preferences {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(ctx, userID).clone()
}

func (m *Manager) getLocked(ctx context.Context, userID string) *Preferences {
	if p, ok := m.users[userID]; ok {
		return p
	}

	p := defaultPreferences()
	if m.store != nil {
		if raw, err := m.store.Get(ctx, storeKey(userID)); err == nil {
			var loaded Preferences
			if err := json.Unmarshal(raw, &loaded); err == nil {
				if loaded.Notifications == nil {
					loaded.Notifications = defaultPreferences().Notifications
				}
				p = &loaded
			} else {
				m.logger.Warn("Discarding undecodable stored preferences",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	m.users[userID] = p
	return p
}

// FollowTeam adds a team to the user's follow list.
//
// Outputs:
//
//	bool - True if added, false if already followed (case-insensitive).
func (m *Manager) FollowTeam(ctx context.Context, userID, teamName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getLocked(ctx, userID)
	for _, t := range p.FollowedTeams {
		if strings.EqualFold(t, teamName) {
			return false
		}
	}
	p.FollowedTeams = append(p.FollowedTeams, teamName)
	m.persistLocked(ctx, userID, p)
	return true
}

// UnfollowTeam removes a team from the user's follow list.
//
// Outputs:
//
//	bool - True if removed, false if the team was not followed.
func (m *Manager) UnfollowTeam(ctx context.Context, userID, teamName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getLocked(ctx, userID)
	for i, t := range p.FollowedTeams {
		if strings.EqualFold(t, teamName) {
			p.FollowedTeams = append(p.FollowedTeams[:i], p.FollowedTeams[i+1:]...)
			m.persistLocked(ctx, userID, p)
			return true
		}
	}
	return false
}

// FollowedTeams returns the user's follow list in stable sorted order.
func (m *Manager) FollowedTeams(ctx context.Context, userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getLocked(ctx, userID)
	out := append([]string(nil), p.FollowedTeams...)
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// SetPreferredCompetitions replaces the user's competition priority list.
func (m *Manager) SetPreferredCompetitions(ctx context.Context, userID string, competitions []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getLocked(ctx, userID)
	p.PreferredCompetitions = append([]string(nil), competitions...)
	m.persistLocked(ctx, userID, p)
}

// SetNotification updates a notification flag.
//
// Outputs:
//
//	error - Non-nil when the setting name is unknown.
func (m *Manager) SetNotification(ctx context.Context, userID, setting string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getLocked(ctx, userID)
	if _, ok := p.Notifications[setting]; !ok {
		return fmt.Errorf("preferences: unknown notification setting %q", setting)
	}
	p.Notifications[setting] = value
	m.persistLocked(ctx, userID, p)
	return nil
}

// ContextString renders the user's preferences for prompt injection.
// Empty preferences render to the empty string.
func (m *Manager) ContextString(ctx context.Context, userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getLocked(ctx, userID)
	var parts []string
	if len(p.FollowedTeams) > 0 {
		parts = append(parts, "Followed teams: "+strings.Join(p.FollowedTeams, ", "))
	}
	if len(p.PreferredCompetitions) > 0 {
		parts = append(parts, "Preferred competitions: "+strings.Join(p.PreferredCompetitions, ", "))
	}
	return strings.Join(parts, "\n")
}

func (m *Manager) persistLocked(ctx context.Context, userID string, p *Preferences) {
	p.LastUpdated = m.now()
	if m.store == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		m.logger.Error("Failed to encode preferences",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := m.store.Put(ctx, storeKey(userID), raw, m.ttl); err != nil {
		m.logger.Warn("Failed to persist preferences, keeping in-memory copy",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}
