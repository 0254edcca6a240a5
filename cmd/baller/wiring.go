// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/baller/services/config"
	"github.com/AleutianAI/baller/services/conversation"
	"github.com/AleutianAI/baller/services/evaluation"
	"github.com/AleutianAI/baller/services/filter"
	"github.com/AleutianAI/baller/services/intent"
	"github.com/AleutianAI/baller/services/llm"
	"github.com/AleutianAI/baller/services/orchestrator/datatypes"
	"github.com/AleutianAI/baller/services/pipeline"
	"github.com/AleutianAI/baller/services/preferences"
	"github.com/AleutianAI/baller/services/sports"
	"github.com/AleutianAI/baller/services/storage"
	badgerstore "github.com/AleutianAI/baller/services/storage/badger"
)

// warmCompetitionIDs are the competitions whose team rosters seed the
// entity dictionary on startup. Matches the extractor's competition table.
var warmCompetitionIDs = []string{"2021", "2014", "2002", "2019", "2015", "2001"}

// app bundles the wired pipeline and the handles that need closing on
// shutdown.
type app struct {
	cfg     config.Config
	orch    *pipeline.Orchestrator
	convos  *conversation.Manager
	tracker *evaluation.MetricsTracker
	sports  sports.Client
	cache   *intent.EntityCache
	db      *badgerstore.DB
	logger  *slog.Logger
}

// buildApp wires the full pipeline from configuration.
//
// Description:
//
//	Storage and the sports API degrade gracefully: an unopenable BadgerDB
//	or a missing FOOTBALL_DATA_API_KEY produce a warning and a pipeline
//	that runs without persistence or live data. A missing LLM credential
//	is fatal; there is no pipeline without a model.
func buildApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	var store storage.Store
	var db *badgerstore.DB
	if cfg.StoragePath != "" {
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.StoragePath
		opened, err := badgerstore.OpenDB(bcfg)
		if err != nil {
			logger.Warn("BadgerDB unavailable, running without persistence",
				slog.String("path", cfg.StoragePath),
				slog.String("error", err.Error()),
			)
		} else {
			db = opened
			store = storage.NewBadgerStore(db)
		}
	}

	genClient, err := llm.NewClient(cfg.Provider, logger)
	if err != nil {
		return nil, fmt.Errorf("building generation client: %w", err)
	}
	filterClient, err := llm.NewFilterClient(cfg.Provider, logger)
	if err != nil {
		return nil, fmt.Errorf("building filter client: %w", err)
	}
	templates := llm.NewRegistry()

	var sportsClient sports.Client
	if cfg.Sports.APIKey != "" {
		sportsClient = sports.NewHTTPClient(cfg.Sports, logger)
	} else {
		logger.Warn("FOOTBALL_DATA_API_KEY not set, live match data disabled")
	}

	cache := intent.NewEntityCache(store, intent.EntityCacheConfig{
		TTL:         cfg.Entities.FreshnessWindow,
		GracePeriod: cfg.Entities.GracePeriod,
	}, logger)
	processor := intent.NewIntentProcessor(
		intent.NewEntityExtractor(cache, intent.ExtractorConfig{
			SimilarityThreshold: cfg.Intent.SimilarityThreshold,
		}),
		intent.ProcessorConfig{
			DecayRate:           cfg.Intent.DecayRate,
			ResolutionThreshold: cfg.Intent.ResolutionThreshold,
		},
		logger,
	)

	convos := conversation.NewManager(conversation.ManagerConfig{
		Policy: conversation.Policy{
			IdleAfter:        cfg.Conversation.IdleAfter,
			ExpireAfter:      cfg.Conversation.ExpireAfter,
			MessageWindow:    cfg.Conversation.MessageWindow,
			EntityHistoryTTL: cfg.Entities.HistoryTTL,
		},
		MaxConversations: cfg.Conversation.MaxConversations,
		SweepInterval:    cfg.Conversation.SweepInterval,
		ArchiveTTL:       cfg.Conversation.ArchiveTTL,
	}, store, logger)

	var prefs *preferences.Manager
	if store != nil {
		prefs = preferences.NewManager(store, 0, logger)
	}

	tracker := evaluation.NewMetricsTracker()
	sampler := evaluation.NewSampler(filterClient, templates, tracker,
		cfg.Evaluation.SamplingRate, cfg.Evaluation.MaxDailySamples, logger)

	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Filter:        filter.NewContentFilter(filterClient, templates, logger),
		Processor:     processor,
		Sports:        sportsClient,
		Client:        genClient,
		Templates:     templates,
		Conversations: convos,
		Preferences:   prefs,
		Sampler:       sampler,
		Tracker:       tracker,
		Logger:        logger,
	}, pipeline.Config{FlushInterval: cfg.Streaming.FlushInterval})

	return &app{
		cfg:     cfg,
		orch:    orch,
		convos:  convos,
		tracker: tracker,
		sports:  sportsClient,
		cache:   cache,
		db:      db,
		logger:  logger,
	}, nil
}

// close releases the app's resources in dependency order.
func (a *app) close() {
	a.convos.Close()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close BadgerDB", slog.String("error", err.Error()))
		}
	}
}

// teamRoster is the subset of the data API's team listing the dictionary
// warmer needs.
type teamRoster struct {
	Teams []struct {
		ID        int    `json:"id"`
		Name      string `json:"name"`
		ShortName string `json:"shortName"`
		TLA       string `json:"tla"`
	} `json:"teams"`
}

// warmTeamDictionary seeds the entity cache with team rosters for the
// known competitions. Failures are logged and skipped; the extractor
// still resolves competitions and timeframes from its pattern tables.
func (a *app) warmTeamDictionary(ctx context.Context) {
	if a.sports == nil {
		return
	}
	var loaded int
	for _, compID := range warmCompetitionIDs {
		raw, err := a.sports.Fetch(ctx, "/v4/competitions/{id}/teams",
			map[string]string{"competition_id": compID})
		if err != nil {
			a.logger.Warn("Team roster fetch failed",
				slog.String("competition_id", compID),
				slog.String("error", err.Error()),
			)
			continue
		}
		var roster teamRoster
		if err := json.Unmarshal(raw, &roster); err != nil {
			a.logger.Warn("Team roster parse failed",
				slog.String("competition_id", compID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, team := range roster.Teams {
			entity := datatypes.Entity{
				Type:           datatypes.EntityTeam,
				ID:             fmt.Sprintf("%d", team.ID),
				Name:           team.Name,
				NormalizedName: intent.NormalizeName(team.Name),
				Metadata:       map[string]string{"competition_id": compID},
				LastUpdated:    time.Now().UTC(),
			}
			if team.ShortName != "" && team.ShortName != team.Name {
				entity.Aliases = append(entity.Aliases, intent.NormalizeName(team.ShortName))
			}
			if team.TLA != "" {
				entity.Aliases = append(entity.Aliases, intent.NormalizeName(team.TLA))
			}
			if err := a.cache.Put(ctx, entity, a.cfg.Entities.FreshnessWindow); err != nil {
				a.logger.Warn("Team dictionary write failed",
					slog.String("team", team.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			loaded++
		}
	}
	a.logger.Info("Team dictionary warmed", slog.Int("teams", loaded))
}
