// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/api/wire"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/grants"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/keys"
	"github.com/keyloom/keyloom/pkg/posts"
	"github.com/keyloom/keyloom/pkg/signer"
)

// gatewayRoutes holds the handlers for the key-facing surface.
type gatewayRoutes struct {
	deps *Deps
}

// GatewayRouter builds the gateway surface: credential exchange, child
// minting, posts, comments, grants, and keychains. Only key tokens pass its
// gatekeeper.
func GatewayRouter(deps *Deps) http.Handler {
	routes := gatewayRoutes{deps: deps}
	gatekeeper := NewGatekeeper(deps.Signer, deps.KeyStore, deps.GatewayAudience, signer.TokenTypeKey)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/.well-known/jwks.json", jwksHandler(deps.Signer))
	r.Get("/health", healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/exchange", routes.exchange)
		r.Post("/auth/refresh", routes.refresh)

		r.Group(func(r chi.Router) {
			r.Use(gatekeeper.Middleware)

			r.Post("/keys", routes.mintChild)
			r.Get("/keys/self", routes.self)
			r.Get("/keys/{keyID}/feed", routes.feed)

			r.Post("/posts", routes.createPost)
			r.Get("/posts", routes.listPosts)
			r.Get("/posts/{postID}", routes.getPost)
			r.Post("/posts/{postID}/comments", routes.createComment)
			r.Get("/posts/{postID}/comments", routes.listComments)
			r.Put("/posts/{postID}/grants", routes.upsertGrant)
			r.Delete("/posts/{postID}/grants/{kind}/{targetID}", routes.revokeGrant)

			r.Get("/groups", routes.listGroups)

			r.Post("/keychains", routes.createKeychain)
			r.Get("/keychains", routes.listKeychains)
			r.Get("/keychains/{keychainID}", routes.getKeychain)
			r.Delete("/keychains/{keychainID}", routes.deleteKeychain)
			r.Put("/keychains/{keychainID}/keys/{keyID}", routes.addKeychainKey)
			r.Delete("/keychains/{keychainID}/keys/{keyID}", routes.removeKeychainKey)
		})
	})
	return r
}

func (s *gatewayRoutes) exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.deps.Authn.Exchange(r.Context(), req.KeyPublicID, req.KeySecret, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, newTokenPairResponse(pair))
}

func (s *gatewayRoutes) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.deps.Authn.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, newTokenPairResponse(pair))
}

// mintChild delegates a child credential. The capability gate runs first so a
// token without keys:issue is refused before any row is loaded; the manager
// then re-checks eligibility against the live issuer row.
func (s *gatewayRoutes) mintChild(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.deps.Eval.Require(r.Context(), principal, authz.ActionKeysMintChild, idcodec.Nil); err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req mintChildRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor, err := s.deps.KeyStore.Get(r.Context(), principal.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	result, err := s.deps.Keys.MintChild(r.Context(), actor, keys.MintChildRequest{
		Type:          core.KeyType(req.Type),
		Permissions:   req.Permissions,
		Label:         req.Label,
		UseCountLimit: req.UseCountLimit,
		DeviceLimit:   req.DeviceLimit,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusCreated, newMintResponse(result.Key, result.PublicID, result.Secret))
}

// self returns the caller's own key row. Any authenticated key may introspect
// itself; no capability is required.
func (s *gatewayRoutes) self(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	key, err := s.deps.KeyStore.Get(r.Context(), principal.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, selfResponse{
		keyResponse: newKeyResponse(key),
		PublicID:    principal.PublicID,
	})
}

func (s *gatewayRoutes) feed(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Posts.Feed(r.Context(), principal, keyID, page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var cursor string
	if len(list) > 0 {
		cursor = list[len(list)-1].ID.String()
	}
	wire.WriteList(w, http.StatusOK, newPostResponses(list), wire.NewPaging(page.NormalizedLimit(), cursor))
}

func (s *gatewayRoutes) createPost(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req createPostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	post, err := s.deps.Posts.Create(r.Context(), principal, posts.CreateRequest{
		Title: req.Title,
		Body:  req.Body,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusCreated, newPostResponse(post))
}

func (s *gatewayRoutes) listPosts(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Posts.ListVisible(r.Context(), principal, page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var cursor string
	if len(list) > 0 {
		cursor = list[len(list)-1].ID.String()
	}
	wire.WriteList(w, http.StatusOK, newPostResponses(list), wire.NewPaging(page.NormalizedLimit(), cursor))
}

func (s *gatewayRoutes) getPost(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	postID, ok := urlID(w, r, "postID")
	if !ok {
		return
	}
	post, err := s.deps.Posts.Get(r.Context(), principal, postID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, newPostResponse(post))
}

func (s *gatewayRoutes) createComment(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	postID, ok := urlID(w, r, "postID")
	if !ok {
		return
	}
	var req createCommentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	comment, err := s.deps.Posts.CreateComment(r.Context(), principal, postID, req.Body)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusCreated, newCommentResponse(comment))
}

func (s *gatewayRoutes) listComments(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	postID, ok := urlID(w, r, "postID")
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Posts.ListComments(r.Context(), principal, postID, page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var cursor string
	if len(list) > 0 {
		cursor = list[len(list)-1].ID.String()
	}
	wire.WriteList(w, http.StatusOK, newCommentResponses(list), wire.NewPaging(page.NormalizedLimit(), cursor))
}

func (s *gatewayRoutes) upsertGrant(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	postID, ok := urlID(w, r, "postID")
	if !ok {
		return
	}
	var req upsertGrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	targetID, ok := bodyID(w, r, req.TargetID, "target_id")
	if !ok {
		return
	}
	grant, err := s.deps.Grants.UpsertAsKey(r.Context(), principal, grants.UpsertRequest{
		PostID:     postID,
		TargetKind: core.TargetKind(req.TargetKind),
		TargetID:   targetID,
		Mask:       accessmask.Mask(req.PermissionMask),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, newGrantResponse(grant))
}

func (s *gatewayRoutes) revokeGrant(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	postID, ok := urlID(w, r, "postID")
	if !ok {
		return
	}
	targetID, ok := urlID(w, r, "targetID")
	if !ok {
		return
	}
	kind := core.TargetKind(chi.URLParam(r, "kind"))
	err := s.deps.Grants.RevokeAsKey(r.Context(), principal, postID, kind, targetID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *gatewayRoutes) listGroups(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Groups.ListForKey(r.Context(), principal, page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var cursor string
	if len(list) > 0 {
		cursor = list[len(list)-1].ID.String()
	}
	wire.WriteList(w, http.StatusOK, newGroupResponses(list), wire.NewPaging(page.NormalizedLimit(), cursor))
}

func (s *gatewayRoutes) createKeychain(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req keychainRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	keychain, err := s.deps.Keychains.Create(r.Context(), principal, req.Name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusCreated, newKeychainResponse(keychain))
}

func (s *gatewayRoutes) listKeychains(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Keychains.List(r.Context(), principal, page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var cursor string
	if len(list) > 0 {
		cursor = list[len(list)-1].ID.String()
	}
	wire.WriteList(w, http.StatusOK, newKeychainResponses(list), wire.NewPaging(page.NormalizedLimit(), cursor))
}

func (s *gatewayRoutes) getKeychain(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	keychainID, ok := urlID(w, r, "keychainID")
	if !ok {
		return
	}
	keychain, err := s.deps.Keychains.Get(r.Context(), principal, keychainID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	members, err := s.deps.Keychains.Keys(r.Context(), principal, keychainID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, keychainDetailResponse{
		keychainResponse: newKeychainResponse(keychain),
		KeyIDs:           idStrings(members),
	})
}

func (s *gatewayRoutes) deleteKeychain(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	keychainID, ok := urlID(w, r, "keychainID")
	if !ok {
		return
	}
	if err := s.deps.Keychains.Delete(r.Context(), principal, keychainID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *gatewayRoutes) addKeychainKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	keychainID, ok := urlID(w, r, "keychainID")
	if !ok {
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	if err := s.deps.Keychains.AddKey(r.Context(), principal, keychainID, keyID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *gatewayRoutes) removeKeychainKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	keychainID, ok := urlID(w, r, "keychainID")
	if !ok {
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	if err := s.deps.Keychains.RemoveKey(r.Context(), principal, keychainID, keyID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type exchangeRequest struct {
	KeyPublicID string `json:"key_public_id"`
	KeySecret   string `json:"key_secret"`
}

type mintChildRequest struct {
	Type          string   `json:"type"`
	Permissions   []string `json:"permissions"`
	Label         string   `json:"label"`
	UseCountLimit *int     `json:"use_count_limit"`
	DeviceLimit   *int     `json:"device_limit"`
}

type createPostRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type createCommentRequest struct {
	Body string `json:"body"`
}

type keychainRequest struct {
	Name string `json:"name"`
}
