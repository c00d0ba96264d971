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
	"github.com/keyloom/keyloom/pkg/signer"
	"github.com/keyloom/keyloom/pkg/telemetry"
)

// consoleRoutes holds the handlers for the owner-facing surface.
type consoleRoutes struct {
	deps *Deps
}

// ConsoleRouter builds the console surface: registration, owner login, key
// administration, groups, and post access administration. Only owner tokens
// pass its gatekeeper. Metrics and JWKS are published here, never on the
// gateway.
func ConsoleRouter(deps *Deps) http.Handler {
	routes := consoleRoutes{deps: deps}
	gatekeeper := NewGatekeeper(deps.Signer, deps.KeyStore, deps.ConsoleAudience, signer.TokenTypeOwner)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/.well-known/jwks.json", jwksHandler(deps.Signer))
	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/console", func(r chi.Router) {
		r.Post("/owners", routes.register)
		r.Post("/auth/login", routes.login)
		r.Post("/auth/refresh", routes.refresh)

		r.Group(func(r chi.Router) {
			r.Use(gatekeeper.Middleware)

			r.Post("/keys/primary", routes.mintPrimary)
			r.Get("/keys", routes.listKeys)
			r.Get("/keys/{keyID}", routes.getKey)
			r.Get("/keys/{keyID}/lineage", routes.keyLineage)
			r.Get("/keys/{keyID}/descendants", routes.keyDescendants)
			r.Post("/keys/{keyID}/rotate", routes.rotateKey)
			r.Post("/keys/{keyID}/activate", routes.activateKey)
			r.Post("/keys/{keyID}/deactivate", routes.deactivateKey)

			r.Post("/groups", routes.createGroup)
			r.Get("/groups", routes.listGroups)
			r.Get("/groups/{groupID}", routes.getGroup)
			r.Delete("/groups/{groupID}", routes.deleteGroup)
			r.Put("/groups/{groupID}/members/{keyID}", routes.addGroupMember)
			r.Delete("/groups/{groupID}/members/{keyID}", routes.removeGroupMember)

			r.Get("/posts", routes.adminListPosts)
			r.Put("/posts/{postID}/grants", routes.upsertGrant)
			r.Delete("/posts/{postID}/grants/{kind}/{targetID}", routes.revokeGrant)
		})
	})
	return r
}

func (s *consoleRoutes) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner, err := s.deps.Authn.Register(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusCreated, newOwnerResponse(owner))
}

func (s *consoleRoutes) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.deps.Authn.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, newTokenPairResponse(pair))
}

func (s *consoleRoutes) refresh(w http.ResponseWriter, r *http.Request) {
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

func (s *consoleRoutes) mintPrimary(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.deps.Eval.Require(r.Context(), principal, authz.ActionKeysMintPrimary, idcodec.Nil); err != nil {
		writeDomainError(w, r, err)
		return
	}
	var req mintPrimaryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.deps.Keys.MintPrimary(r.Context(), principal.ID, keys.MintPrimaryRequest{
		Permissions: req.Permissions,
		Label:       req.Label,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusCreated, newMintResponse(result.Key, result.PublicID, result.Secret))
}

func (s *consoleRoutes) listKeys(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.deps.Eval.Require(r.Context(), principal, authz.ActionKeysRead, idcodec.Nil); err != nil {
		writeDomainError(w, r, err)
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Keys.List(r.Context(), principal.ID, page)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	var cursor string
	if len(list) > 0 {
		cursor = list[len(list)-1].ID.String()
	}
	wire.WriteList(w, http.StatusOK, newKeyResponses(list), wire.NewPaging(page.NormalizedLimit(), cursor))
}

func (s *consoleRoutes) getKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.deps.Eval.Require(r.Context(), principal, authz.ActionKeysRead, idcodec.Nil); err != nil {
		writeDomainError(w, r, err)
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	key, err := s.deps.Keys.Get(r.Context(), principal.ID, keyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, newKeyResponse(key))
}

func (s *consoleRoutes) keyLineage(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.deps.Eval.Require(r.Context(), principal, authz.ActionKeysRead, idcodec.Nil); err != nil {
		writeDomainError(w, r, err)
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	chain, err := s.deps.Keys.Lineage(r.Context(), principal.ID, keyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, newKeyResponses(chain))
}

func (s *consoleRoutes) keyDescendants(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.deps.Eval.Require(r.Context(), principal, authz.ActionKeysRead, idcodec.Nil); err != nil {
		writeDomainError(w, r, err)
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	ids, err := s.deps.Keys.Descendants(r.Context(), principal.ID, keyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, idStrings(ids))
}

func (s *consoleRoutes) rotateKey(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.deps.Eval.Require(r.Context(), principal, authz.ActionKeysRotate, idcodec.Nil); err != nil {
		writeDomainError(w, r, err)
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	result, err := s.deps.Keys.Rotate(r.Context(), principal.ID, keyID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, newMintResponse(result.Key, result.PublicID, result.Secret))
}

func (s *consoleRoutes) activateKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyState(w, r, true)
}

func (s *consoleRoutes) deactivateKey(w http.ResponseWriter, r *http.Request) {
	s.setKeyState(w, r, false)
}

// setKeyState handles activate and deactivate. The cascade query parameter is
// honored on deactivation only; activation never cascades.
func (s *consoleRoutes) setKeyState(w http.ResponseWriter, r *http.Request, active bool) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if err := s.deps.Eval.Require(r.Context(), principal, authz.ActionKeysSetState, idcodec.Nil); err != nil {
		writeDomainError(w, r, err)
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	cascade := !active && r.URL.Query().Get("cascade") == "true"
	changed, err := s.deps.Keys.SetActive(r.Context(), principal.ID, keyID, active, cascade)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if active {
		wire.WriteData(w, http.StatusOK, map[string]int{"keys_activated": changed})
		return
	}
	wire.WriteData(w, http.StatusOK, map[string]int{"keys_deactivated": changed})
}

func (s *consoleRoutes) createGroup(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	group, err := s.deps.Groups.Create(r.Context(), principal, req.Name)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusCreated, newGroupResponse(group))
}

func (s *consoleRoutes) listGroups(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Groups.List(r.Context(), principal, page)
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

func (s *consoleRoutes) getGroup(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	groupID, ok := urlID(w, r, "groupID")
	if !ok {
		return
	}
	group, err := s.deps.Groups.Get(r.Context(), principal, groupID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	members, err := s.deps.Groups.Members(r.Context(), principal, groupID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wire.WriteData(w, http.StatusOK, groupDetailResponse{
		groupResponse: newGroupResponse(group),
		MemberKeyIDs:  idStrings(members),
	})
}

func (s *consoleRoutes) deleteGroup(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	groupID, ok := urlID(w, r, "groupID")
	if !ok {
		return
	}
	if err := s.deps.Groups.Delete(r.Context(), principal, groupID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *consoleRoutes) addGroupMember(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	groupID, ok := urlID(w, r, "groupID")
	if !ok {
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	if err := s.deps.Groups.AddMember(r.Context(), principal, groupID, keyID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *consoleRoutes) removeGroupMember(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	groupID, ok := urlID(w, r, "groupID")
	if !ok {
		return
	}
	keyID, ok := urlID(w, r, "keyID")
	if !ok {
		return
	}
	if err := s.deps.Groups.RemoveMember(r.Context(), principal, groupID, keyID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *consoleRoutes) adminListPosts(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	list, err := s.deps.Posts.AdminList(r.Context(), principal, page)
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

func (s *consoleRoutes) upsertGrant(w http.ResponseWriter, r *http.Request) {
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
	grant, err := s.deps.Grants.UpsertAsOwner(r.Context(), principal, grants.UpsertRequest{
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

func (s *consoleRoutes) revokeGrant(w http.ResponseWriter, r *http.Request) {
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
	err := s.deps.Grants.RevokeAsOwner(r.Context(), principal, postID, kind, targetID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type mintPrimaryRequest struct {
	Permissions []string `json:"permissions"`
	Label       string   `json:"label"`
}

type groupRequest struct {
	Name string `json:"name"`
}

type upsertGrantRequest struct {
	TargetKind     string `json:"target_kind"`
	TargetID       string `json:"target_id"`
	PermissionMask int    `json:"permission_mask"`
}
