// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers all API routes with the router group.
//
// Description:
//
//	Registers the /v1 endpoints. The router group should already have any
//	required middleware applied.
//
// Endpoints:
//
//	POST /v1/messages - Run one user message through the pipeline
//	GET  /v1/metrics/snapshot - Quality aggregates and registry counters
//	GET  /v1/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rg.POST("/messages", handlers.HandleMessage)
	rg.GET("/metrics/snapshot", handlers.HandleMetricsSnapshot)
	rg.GET("/health", handlers.HandleHealth)
}

// NewRouter builds the service router: recovery, OTel middleware, the /v1
// API group, and the Prometheus scrape endpoint.
//
// Inputs:
//
//	handlers - The handler set.
//	debug - Enables gin request logging.
func NewRouter(handlers *Handlers, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("baller"))
	if debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}
