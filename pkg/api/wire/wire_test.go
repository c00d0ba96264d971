// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code   Code
		status int
	}{
		{CodeBadRequest, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeConflict, http.StatusConflict},
		{CodeValidationFailed, http.StatusUnprocessableEntity},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternalError, http.StatusInternalServerError},
		{CodeServiceUnavailable, http.StatusServiceUnavailable},
		{CodeUseLimitExceeded, http.StatusForbidden},
		{CodeDeviceLimitExceeded, http.StatusForbidden},
		{Code("made_up"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.status, Status(tc.code), string(tc.code))
	}
}

func TestWriteData(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteData(rec, http.StatusCreated, map[string]string{"id": "abc"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body.Data["id"])
}

func TestWriteList(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteList(rec, http.StatusOK, []int{1, 2}, NewPaging(20, "deadbeef"))

	var body struct {
		Data   []int  `json:"data"`
		Paging Paging `json:"paging"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []int{1, 2}, body.Data)
	assert.Equal(t, 20, body.Paging.Limit)
	require.NotNil(t, body.Paging.Cursor)
	assert.Equal(t, "deadbeef", *body.Paging.Cursor)
}

func TestWriteListEmptyCursor(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteList(rec, http.StatusOK, []int{}, NewPaging(20, ""))

	assert.Contains(t, rec.Body.String(), `"cursor":null`)
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.RequestIDKey, "req-42"))

	rec := httptest.NewRecorder()
	WriteError(rec, req, CodeValidationFailed, "title: must not be empty",
		FieldErrors(map[string][]string{"title": {"must not be empty"}}))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Error struct {
			Code      string         `json:"code"`
			Message   string         `json:"message"`
			Details   map[string]any `json:"details"`
			RequestID *string        `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation_failed", body.Error.Code)
	require.NotNil(t, body.Error.RequestID)
	assert.Equal(t, "req-42", *body.Error.RequestID)

	fields, ok := body.Error.Details["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "title")
}

func TestWriteErrorWithoutRequestID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	WriteError(rec, req, CodeUnauthorized, "unauthorized", nil)

	assert.Contains(t, rec.Body.String(), `"request_id":null`)
	assert.Contains(t, rec.Body.String(), `"details":{}`)
}
