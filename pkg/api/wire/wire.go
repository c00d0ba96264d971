// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the JSON envelopes shared by both HTTP surfaces:
// {"data": ...} with optional paging for successes, {"error": {...}} for
// failures. Services never touch these types; the surface adapters own the
// translation.
package wire

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/keyloom/keyloom/pkg/logger"
)

// Code is a stable machine-readable error identifier.
type Code string

// The closed error-code catalog. Codes map to statuses below; anything
// unmapped is a programming error and reports as 500.
const (
	CodeBadRequest          Code = "bad_request"
	CodeUnauthorized        Code = "unauthorized"
	CodeForbidden           Code = "forbidden"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeValidationFailed    Code = "validation_failed"
	CodeRateLimited         Code = "rate_limited"
	CodeInternalError       Code = "internal_error"
	CodeServiceUnavailable  Code = "service_unavailable"
	CodeUseLimitExceeded    Code = "use_limit_exceeded"
	CodeDeviceLimitExceeded Code = "device_limit_exceeded"
)

var statusByCode = map[Code]int{
	CodeBadRequest:          http.StatusBadRequest,
	CodeUnauthorized:        http.StatusUnauthorized,
	CodeForbidden:           http.StatusForbidden,
	CodeNotFound:            http.StatusNotFound,
	CodeConflict:            http.StatusConflict,
	CodeValidationFailed:    http.StatusUnprocessableEntity,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeInternalError:       http.StatusInternalServerError,
	CodeServiceUnavailable:  http.StatusServiceUnavailable,
	CodeUseLimitExceeded:    http.StatusForbidden,
	CodeDeviceLimitExceeded: http.StatusForbidden,
}

// Status returns the HTTP status for a code.
func Status(code Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Paging is the cursor block appended to list responses. Cursor is the ID of
// the last returned element, to be echoed back as before_id, or null when the
// page was empty.
type Paging struct {
	Limit  int     `json:"limit"`
	Cursor *string `json:"cursor"`
}

// NewPaging builds the paging block for a returned page.
func NewPaging(limit int, lastID string) Paging {
	p := Paging{Limit: limit}
	if lastID != "" {
		p.Cursor = &lastID
	}
	return p
}

// ErrorBody is the inner error object.
type ErrorBody struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	RequestID *string        `json:"request_id"`
}

type dataEnvelope struct {
	Data any `json:"data"`
}

type listEnvelope struct {
	Data   any    `json:"data"`
	Paging Paging `json:"paging"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, dataEnvelope{Data: payload})
}

// WriteList writes a success envelope with a paging block.
func WriteList(w http.ResponseWriter, status int, payload any, paging Paging) {
	writeJSON(w, status, listEnvelope{Data: payload, Paging: paging})
}

// WriteError writes an error envelope. The request id is taken from chi's
// RequestID middleware; a nil details renders as an empty object.
func WriteError(w http.ResponseWriter, r *http.Request, code Code, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	body := ErrorBody{Code: code, Message: message, Details: details}
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		body.RequestID = &reqID
	}
	writeJSON(w, Status(code), errorEnvelope{Error: body})
}

// FieldErrors builds the details object for validation_failed responses.
func FieldErrors(fields map[string][]string) map[string]any {
	return map[string]any{"fields": fields}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}
