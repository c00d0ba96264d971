// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry registers the platform's prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TokensIssued counts access tokens issued, labeled by subject type.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyloom_tokens_issued_total",
		Help: "Access tokens issued, by subject type.",
	}, []string{"type"})

	// AuthFailures counts authentication failures, labeled by flow
	// (login, exchange, refresh).
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyloom_auth_failures_total",
		Help: "Authentication failures, by flow.",
	}, []string{"flow"})

	// AuthzDecisions counts authorization outcomes (allowed, forbidden,
	// not_found).
	AuthzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyloom_authz_decisions_total",
		Help: "Authorization decisions, by outcome.",
	}, []string{"decision"})

	// KeysMinted counts keys minted, labeled by key type.
	KeysMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keyloom_keys_minted_total",
		Help: "Keys minted, by type.",
	}, []string{"type"})

	// RefreshReplays counts refresh tokens presented after rotation.
	RefreshReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyloom_refresh_replays_total",
		Help: "Refresh tokens presented after rotation.",
	})

	// PostsCreated counts posts created through the gateway.
	PostsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keyloom_posts_created_total",
		Help: "Posts created.",
	})
)

// Handler serves the default registry; mounted on the console surface.
func Handler() http.Handler {
	return promhttp.Handler()
}
