// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package api mounts the two HTTP surfaces over the services: the console
// (owner tokens) and the gateway (key tokens). Handlers translate between
// wire envelopes and service calls; all authorization and business rules live
// below this package.
package api

import (
	"net/http"
	"time"

	"github.com/keyloom/keyloom/pkg/api/wire"
	"github.com/keyloom/keyloom/pkg/authn"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/grants"
	"github.com/keyloom/keyloom/pkg/groups"
	"github.com/keyloom/keyloom/pkg/keychains"
	"github.com/keyloom/keyloom/pkg/keys"
	"github.com/keyloom/keyloom/pkg/posts"
	"github.com/keyloom/keyloom/pkg/signer"
	"github.com/keyloom/keyloom/pkg/storage"
)

// requestTimeout bounds handler time. The serving command keeps the HTTP
// write timeout above this so the middleware's response wins.
const requestTimeout = 10 * time.Second

// Deps bundles the services and stores the surfaces expose.
type Deps struct {
	Authn     *authn.Service
	Keys      *keys.Manager
	Groups    *groups.Manager
	Grants    *grants.Manager
	Posts     *posts.Service
	Keychains *keychains.Manager
	Eval      *authz.Evaluator
	Signer    *signer.Signer

	// KeyStore lets the gatekeeper and the mint-child handler load live key
	// rows; token claims alone do not prove a key is still usable.
	KeyStore storage.KeyStore

	ConsoleAudience string
	GatewayAudience string
}

// jwksHandler serves the published verification key set. The document is
// prebuilt by the signer; this handler only sets caching headers.
func jwksHandler(sig *signer.Signer) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=600, must-revalidate")
		_, _ = w.Write(sig.KeySet())
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	wire.WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
}
