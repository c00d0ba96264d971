// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/authn"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/grants"
	"github.com/keyloom/keyloom/pkg/groups"
	"github.com/keyloom/keyloom/pkg/keychains"
	"github.com/keyloom/keyloom/pkg/keys"
	"github.com/keyloom/keyloom/pkg/posts"
	"github.com/keyloom/keyloom/pkg/secrets"
	"github.com/keyloom/keyloom/pkg/signer"
	"github.com/keyloom/keyloom/pkg/storage"
	"github.com/keyloom/keyloom/pkg/storage/sqlite"
)

const (
	testIssuer          = "https://keyloom.test"
	testConsoleAudience = "https://console.keyloom.test"
	testGatewayAudience = "https://gateway.keyloom.test"
)

var (
	signOnce sync.Once
	signKey  *rsa.PrivateKey
)

// signingKey returns a process-wide RSA key so each test does not pay key
// generation.
func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	signOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		signKey = key
	})
	return signKey
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingAuditStore keeps appended events in memory for assertions.
type recordingAuditStore struct {
	mu     sync.Mutex
	events []*core.AuditEvent
}

func (s *recordingAuditStore) Append(_ context.Context, event *core.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingAuditStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

func (s *recordingAuditStore) last(action string) *core.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Action == action {
			return s.events[i]
		}
	}
	return nil
}

type testEnv struct {
	t       *testing.T
	console http.Handler
	gateway http.Handler
	stores  *storage.Stores
	audits  *recordingAuditStore
	clock   *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, &sqlite.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stores := sqlite.NewStores(db)
	audits := &recordingAuditStore{}
	stores.Audit = audits

	clock := &testClock{t: time.Date(2026, 5, 11, 14, 0, 0, 0, time.UTC)}
	hasher := secrets.NewHasher(8192, 1, 1)

	sig, err := signer.New(&signer.Config{
		Issuer:     testIssuer,
		PrivateKey: signingKey(t),
		KID:        "test-2026",
		Leeway:     10 * time.Second,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	recorder := audit.NewRecorder(audits, clock.Now)
	eval := authz.NewEvaluator(stores.Grants, stores.Groups)

	var lookupKey [32]byte
	copy(lookupKey[:], bytes.Repeat([]byte{0x5a}, 32))

	authnSvc := authn.NewService(stores, hasher, sig, recorder, lookupKey, authn.Config{
		ConsoleAudience: testConsoleAudience,
		GatewayAudience: testGatewayAudience,
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 720 * time.Hour,
	}, clock.Now)

	deps := &Deps{
		Authn:           authnSvc,
		Keys:            keys.NewManager(stores.Keys, hasher, recorder, clock.Now),
		Groups:          groups.NewManager(stores.Groups, stores.Keys, eval, recorder, clock.Now),
		Grants:          grants.NewManager(stores.Grants, stores.Posts, stores.Keys, stores.Groups, eval, recorder, clock.Now),
		Posts:           posts.NewService(stores.Posts, stores.Groups, stores.Keys, eval, recorder, clock.Now),
		Keychains:       keychains.NewManager(stores.Keychains, stores.Keys, eval, recorder, clock.Now),
		Eval:            eval,
		Signer:          sig,
		KeyStore:        stores.Keys,
		ConsoleAudience: testConsoleAudience,
		GatewayAudience: testGatewayAudience,
	}

	return &testEnv{
		t:       t,
		console: ConsoleRouter(deps),
		gateway: GatewayRouter(deps),
		stores:  stores,
		audits:  audits,
		clock:   clock,
	}
}

func (e *testEnv) do(h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.doFrom(h, method, path, token, body, "203.0.113.7:51000", "keyloom-test/1.0")
}

// doFrom issues a request with an explicit client identity, for tests that
// exercise device fingerprinting.
func (e *testEnv) doFrom(h http.Handler, method, path, token string, body any, remoteAddr, userAgent string) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = remoteAddr
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) consoleDo(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do(e.console, method, path, token, body)
}

func (e *testEnv) gatewayDo(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	return e.do(e.gateway, method, path, token, body)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Data)
	return envelope.Data
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) ([]any, map[string]any) {
	t.Helper()
	var envelope struct {
		Data   []any          `json:"data"`
		Paging map[string]any `json:"paging"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data, envelope.Paging
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
	RequestID *string        `json:"request_id"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var envelope struct {
		Error errorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Error.Code)
	return envelope.Error
}

// registerOwner creates an owner and returns its id.
func registerOwner(t *testing.T, env *testEnv, email, password string) string {
	t.Helper()
	rec := env.consoleDo(http.MethodPost, "/console/owners", "", map[string]string{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	return data["id"].(string)
}

// loginOwner authenticates an owner and returns (access, refresh).
func loginOwner(t *testing.T, env *testEnv, email, password string) (string, string) {
	t.Helper()
	rec := env.consoleDo(http.MethodPost, "/console/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	return data["access_token"].(string), data["refresh_token"].(string)
}

// mintPrimary mints a lineage root via the console and returns the mint body.
func mintPrimary(t *testing.T, env *testEnv, ownerToken string, perms []string, label string) map[string]any {
	t.Helper()
	rec := env.consoleDo(http.MethodPost, "/console/keys/primary", ownerToken, map[string]any{
		"permissions": perms,
		"label":       label,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData(t, rec)
}

// exchangeKey trades key credentials for a gateway token pair.
func exchangeKey(t *testing.T, env *testEnv, publicID, secret string) (string, string) {
	t.Helper()
	rec := env.gatewayDo(http.MethodPost, "/api/auth/exchange", "", map[string]string{
		"key_public_id": publicID,
		"key_secret":    secret,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	return data["access_token"].(string), data["refresh_token"].(string)
}

// mintChild mints a child key via the gateway and returns the mint body.
func mintChild(t *testing.T, env *testEnv, keyToken string, body map[string]any) map[string]any {
	t.Helper()
	rec := env.gatewayDo(http.MethodPost, "/api/keys", keyToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData(t, rec)
}

// createPost authors a post via the gateway and returns its id.
func createPost(t *testing.T, env *testEnv, keyToken, title, body string) string {
	t.Helper()
	rec := env.gatewayDo(http.MethodPost, "/api/posts", keyToken, map[string]string{
		"title": title,
		"body":  body,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	return data["id"].(string)
}
