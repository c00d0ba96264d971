// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/keyloom/keyloom/pkg/api/wire"
	"github.com/keyloom/keyloom/pkg/authn"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/keys"
	"github.com/keyloom/keyloom/pkg/logger"
	"github.com/keyloom/keyloom/pkg/permissions"
	"github.com/keyloom/keyloom/pkg/signer"
	"github.com/keyloom/keyloom/pkg/storage"
)

// writeDomainError maps a service error onto the wire envelope. Services
// return typed errors and never touch HTTP; this function is the single place
// codes and status lines are chosen.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *core.ValidationError
		unknown    *permissions.UnknownCapabilityError
		envelope   *permissions.OutsideEnvelopeError
		forbidden  *permissions.ForbiddenForUseKeyError
		denied     *authz.DeniedError
		verify     *signer.VerificationError
	)
	switch {
	case errors.As(err, &validation):
		wire.WriteError(w, r, wire.CodeValidationFailed, "validation failed",
			wire.FieldErrors(map[string][]string{validation.Field: {validation.Message}}))
	case errors.As(err, &unknown):
		wire.WriteError(w, r, wire.CodeValidationFailed, unknown.Error(),
			map[string]any{"unknown_permissions": unknown.Unknown})
	case errors.As(err, &envelope):
		wire.WriteError(w, r, wire.CodeValidationFailed, envelope.Error(),
			map[string]any{"missing_permissions": envelope.Missing})
	case errors.As(err, &forbidden):
		wire.WriteError(w, r, wire.CodeValidationFailed, forbidden.Error(),
			map[string]any{"forbidden_permissions": forbidden.Forbidden})
	case errors.As(err, &denied):
		writeDenied(w, r, denied.Decision)
	case errors.Is(err, authn.ErrUnauthorized), errors.As(err, &verify):
		// Deliberately generic: credential failures never say which part of
		// the credential was wrong.
		wire.WriteError(w, r, wire.CodeUnauthorized, "invalid credentials", nil)
	case errors.Is(err, storage.ErrUseLimitExceeded):
		wire.WriteError(w, r, wire.CodeUseLimitExceeded, "use count limit exceeded", nil)
	case errors.Is(err, storage.ErrDeviceLimitExceeded):
		wire.WriteError(w, r, wire.CodeDeviceLimitExceeded, "device limit exceeded", nil)
	case errors.Is(err, storage.ErrRetired):
		wire.WriteError(w, r, wire.CodeConflict, "key is retired",
			map[string]any{"reason": "already_retired"})
	case errors.Is(err, storage.ErrAlreadyExists):
		wire.WriteError(w, r, wire.CodeConflict, "resource already exists", nil)
	case errors.Is(err, storage.ErrNotFound):
		wire.WriteError(w, r, wire.CodeNotFound, "not found", nil)
	case errors.Is(err, keys.ErrIssuerNotEligible):
		wire.WriteError(w, r, wire.CodeForbidden, err.Error(), nil)
	default:
		logger.Errorw("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"path", r.URL.Path,
			"error", err)
		wire.WriteError(w, r, wire.CodeInternalError, "internal error", nil)
	}
}

func writeDenied(w http.ResponseWriter, r *http.Request, decision authz.Decision) {
	if decision.Deny == authz.DenyNotFound {
		wire.WriteError(w, r, wire.CodeNotFound, "not found", nil)
		return
	}
	details := make(map[string]any, len(decision.Details)+1)
	for k, v := range decision.Details {
		details[k] = v
	}
	message := "forbidden"
	if decision.MissingCapability != "" {
		details["missing_capability"] = decision.MissingCapability
		message = "missing capability " + decision.MissingCapability
	}
	wire.WriteError(w, r, wire.CodeForbidden, message, details)
}
