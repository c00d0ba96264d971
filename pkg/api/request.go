// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keyloom/keyloom/pkg/api/wire"
	"github.com/keyloom/keyloom/pkg/authn"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// decodeJSON parses the request body into dst. A false return means the
// error envelope was already written.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		wire.WriteError(w, r, wire.CodeBadRequest, "malformed JSON body", nil)
		return false
	}
	return true
}

// urlID parses a hex32 path parameter.
func urlID(w http.ResponseWriter, r *http.Request, param string) (idcodec.ID, bool) {
	id, err := idcodec.Parse(chi.URLParam(r, param))
	if err != nil {
		wire.WriteError(w, r, wire.CodeBadRequest, "malformed identifier in path", nil)
		return idcodec.Nil, false
	}
	return id, true
}

// bodyID parses a hex32 identifier from a request body field.
func bodyID(w http.ResponseWriter, r *http.Request, raw, field string) (idcodec.ID, bool) {
	id, err := idcodec.Parse(raw)
	if err != nil {
		wire.WriteError(w, r, wire.CodeValidationFailed, "validation failed",
			wire.FieldErrors(map[string][]string{field: {"must be a 32-character hex identifier"}}))
		return idcodec.Nil, false
	}
	return id, true
}

// parsePage reads the limit, before_id, and since_id query parameters.
func parsePage(w http.ResponseWriter, r *http.Request) (storage.Page, bool) {
	var page storage.Page
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			wire.WriteError(w, r, wire.CodeBadRequest, "limit must be a non-negative integer", nil)
			return page, false
		}
		page.Limit = limit
	}
	if raw := q.Get("before_id"); raw != "" {
		id, err := idcodec.Parse(raw)
		if err != nil {
			wire.WriteError(w, r, wire.CodeBadRequest, "before_id must be a 32-character hex identifier", nil)
			return page, false
		}
		page.BeforeID = id
	}
	if raw := q.Get("since_id"); raw != "" {
		id, err := idcodec.Parse(raw)
		if err != nil {
			wire.WriteError(w, r, wire.CodeBadRequest, "since_id must be a 32-character hex identifier", nil)
			return page, false
		}
		page.SinceID = id
	}
	return page, true
}

// requirePrincipal pulls the gatekeeper's principal. Handlers behind the
// middleware always find one; the guard covers misrouted mounts.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (*core.Principal, bool) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		wire.WriteError(w, r, wire.CodeUnauthorized, "invalid credentials", nil)
		return nil, false
	}
	return p, true
}

// requestMeta captures the caller's network identity for auditing. The RealIP
// middleware has already folded forwarding headers into RemoteAddr.
func requestMeta(r *http.Request) authn.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return authn.RequestMeta{IP: ip, UserAgent: r.UserAgent()}
}
