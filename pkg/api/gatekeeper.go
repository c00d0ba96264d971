// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/keyloom/keyloom/pkg/api/wire"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/logger"
	"github.com/keyloom/keyloom/pkg/signer"
	"github.com/keyloom/keyloom/pkg/storage"
	"github.com/keyloom/keyloom/pkg/telemetry"
)

// principalContextKey keys the authenticated principal in the request context.
type principalContextKey struct{}

// WithPrincipal returns a context carrying the principal. Exported for tests
// that exercise handlers without the middleware.
func WithPrincipal(ctx context.Context, p *core.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the principal the gatekeeper attached.
func PrincipalFromContext(ctx context.Context) (*core.Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*core.Principal)
	return p, ok
}

// Gatekeeper authenticates bearer tokens for one surface. Each surface pins
// its audience and token type, so a console token presented to the gateway
// fails verification before any claim is trusted.
type Gatekeeper struct {
	signer   *signer.Signer
	keys     storage.KeyStore
	audience string
	typ      string
}

// NewGatekeeper builds a Gatekeeper for one surface.
func NewGatekeeper(sig *signer.Signer, keys storage.KeyStore, audience, typ string) *Gatekeeper {
	return &Gatekeeper{signer: sig, keys: keys, audience: audience, typ: typ}
}

// Middleware verifies the bearer token, builds the principal, and attaches it
// to the request context. Key principals are checked against the live key
// row: a key deactivated after issuance is rejected even while its token is
// otherwise valid.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			g.reject(w, r, "missing bearer token")
			return
		}

		claims, err := g.signer.Verify(raw, g.audience, g.typ)
		if err != nil {
			reason := "invalid token"
			var verr *signer.VerificationError
			if errors.As(err, &verr) {
				reason = string(verr.Reason)
			}
			g.reject(w, r, reason)
			return
		}

		principal, reason, err := g.principal(r.Context(), claims)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if reason != "" {
			g.reject(w, r, reason)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// principal turns verified claims into a principal. A non-empty reason means
// the request must be rejected as unauthorized; err reports infrastructure
// failures only.
func (g *Gatekeeper) principal(ctx context.Context, claims *signer.Claims) (*core.Principal, string, error) {
	if g.typ == signer.TokenTypeOwner {
		ownerID, err := idcodec.Parse(claims.OwnerID)
		if err != nil {
			return nil, "malformed owner claim", nil
		}
		return &core.Principal{
			Kind:        core.PrincipalKindOwner,
			ID:          ownerID,
			Permissions: claims.Permissions,
			Roles:       claims.Roles,
		}, "", nil
	}

	keyID, err := idcodec.Parse(claims.KeyID)
	if err != nil {
		return nil, "malformed key claim", nil
	}
	key, err := g.keys.Get(ctx, keyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "unknown key", nil
	}
	if err != nil {
		return nil, "", err
	}
	if !key.Usable() {
		return nil, "key not usable", nil
	}

	return &core.Principal{
		Kind:               core.PrincipalKindKey,
		ID:                 key.ID,
		KeyType:            key.Type,
		InitialAuthorKeyID: key.InitialAuthorKeyID,
		PublicID:           claims.KeyPublicID,
		Permissions:        claims.Permissions,
		Roles:              claims.Roles,
	}, "", nil
}

// reject logs the refusal reason and answers a generic unauthorized. The
// reason never reaches the response body.
func (g *Gatekeeper) reject(w http.ResponseWriter, r *http.Request, reason string) {
	telemetry.AuthFailures.WithLabelValues("bearer").Inc()
	logger.Warnw("bearer authentication failed",
		"surface", g.typ,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"reason", reason)
	wire.WriteError(w, r, wire.CodeUnauthorized, "invalid credentials", nil)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token, token != ""
}
