// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/permissions"
	"github.com/keyloom/keyloom/pkg/secrets"
	"github.com/keyloom/keyloom/pkg/signer"
	"github.com/keyloom/keyloom/pkg/storage"
	"github.com/keyloom/keyloom/pkg/storage/sqlite"
)

var issueTime = time.Date(2026, 4, 2, 11, 30, 0, 0, time.UTC)

var (
	testKeyOnce sync.Once
	testRSAKey  *rsa.PrivateKey
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testRSAKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testRSAKey
}

// testClock is a manually advanced clock shared by the service, the signer,
// and the recorder.
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

type recordingAuditStore struct {
	mu     sync.Mutex
	events []*core.AuditEvent
}

func (r *recordingAuditStore) Append(_ context.Context, event *core.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAuditStore) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions := make([]string, 0, len(r.events))
	for _, event := range r.events {
		actions = append(actions, event.Action)
	}
	return actions
}

func (r *recordingAuditStore) last() *core.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

type testEnv struct {
	svc    *Service
	stores *storage.Stores
	signer *signer.Signer
	clock  *testClock
	audits *recordingAuditStore
	cfg    Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlite.Open(context.Background(), &sqlite.Config{Path: filepath.Join(t.TempDir(), "keyloom.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{t: issueTime}
	stores := sqlite.NewStores(db)
	audits := &recordingAuditStore{}
	stores.Audit = audits

	sgn, err := signer.New(&signer.Config{
		Issuer:     "https://auth.keyloom.test",
		PrivateKey: testKey(t),
		KID:        "test",
		Leeway:     10 * time.Second,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	cfg := Config{
		ConsoleAudience: "https://console.keyloom.test",
		GatewayAudience: "https://gateway.keyloom.test",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
	}

	var lookupKey [32]byte
	copy(lookupKey[:], "0123456789abcdef0123456789abcdef")

	hasher := secrets.NewHasher(8192, 1, 1)
	recorder := audit.NewRecorder(audits, clock.Now)

	return &testEnv{
		svc:    NewService(stores, hasher, sgn, recorder, lookupKey, cfg, clock.Now),
		stores: stores,
		signer: sgn,
		clock:  clock,
		audits: audits,
		cfg:    cfg,
	}
}

var testMeta = RequestMeta{IP: "203.0.113.7", UserAgent: "keyloomctl/1.0"}

func intPtr(v int) *int { return &v }

// seedKey persists a primary key with a real hashed secret and returns the
// key, its public identifier, and the plaintext secret.
func seedKey(t *testing.T, env *testEnv, mutate func(*core.Key)) (*core.Key, string, string) {
	t.Helper()

	secret, err := secrets.NewKeySecret()
	require.NoError(t, err)
	hasher := secrets.NewHasher(8192, 1, 1)
	hash, err := hasher.Hash(secret)
	require.NoError(t, err)

	owner := &core.Owner{
		ID:           idcodec.New(),
		Email:        fmt.Sprintf("owner-%s@keyloom.test", idcodec.New().String()[:8]),
		PasswordHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$Zm9vYmFyYmF6cXV4Zm9vYmFyYmF6cXV4Zm9vYmFyYmE",
		CreatedAt:    env.clock.Now(),
		UpdatedAt:    env.clock.Now(),
	}
	require.NoError(t, env.stores.Owners.Create(context.Background(), owner))

	id := idcodec.New()
	key := &core.Key{
		ID:                 id,
		OwnerID:            &owner.ID,
		Type:               core.KeyTypePrimary,
		SecretHash:         hash,
		Permissions:        []string{"posts:create", "posts:read", "keys:issue"},
		Active:             true,
		InitialAuthorKeyID: id,
		CreatedAt:          env.clock.Now(),
		UpdatedAt:          env.clock.Now(),
	}
	if mutate != nil {
		mutate(key)
	}
	public := &core.KeyPublicID{
		PublicID:  idcodec.NewPublicID(),
		KeyID:     key.ID,
		CreatedAt: env.clock.Now(),
	}
	require.NoError(t, env.stores.Keys.CreatePrimary(context.Background(), key, public))
	return key, public.PublicID, secret
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	owner, err := env.svc.Register(ctx, "ada@keyloom.test", "correct horse battery", testMeta)
	require.NoError(t, err)
	require.Equal(t, "ada@keyloom.test", owner.Email)
	require.NotEqual(t, "correct horse battery", owner.PasswordHash)

	pair, err := env.svc.Login(ctx, "ada@keyloom.test", "correct horse battery", testMeta)
	require.NoError(t, err)
	require.Equal(t, 900, pair.ExpiresIn)
	require.Contains(t, pair.RefreshToken, secrets.RefreshTokenPrefix)

	claims, err := env.signer.Verify(pair.AccessToken, env.cfg.ConsoleAudience, signer.TokenTypeOwner)
	require.NoError(t, err)
	require.Equal(t, owner.ID.String(), claims.OwnerID)
	require.Equal(t, []string{OwnerRole}, claims.Roles)
	require.Equal(t, permissions.OwnerScope(), claims.Permissions)

	require.Equal(t, []string{audit.ActionOwnersRegister, audit.ActionOwnersLogin}, env.audits.actions())
}

func TestRegisterDuplicateEmail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, "dup@keyloom.test", "first password", testMeta)
	require.NoError(t, err)

	_, err = env.svc.Register(ctx, "dup@keyloom.test", "second password", testMeta)
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		field    string
	}{
		{"missing at", "not-an-email", "long enough password", "email"},
		{"empty local part", "@keyloom.test", "long enough password", "email"},
		{"empty domain", "carol@", "long enough password", "email"},
		{"short password", "carol@keyloom.test", "short", "password"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Register(ctx, tc.email, tc.password, testMeta)
			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.field, verr.Field)
		})
	}

	require.NotContains(t, env.audits.actions(), audit.ActionOwnersRegister)
}

func TestLoginFailures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, "bram@keyloom.test", "right password", testMeta)
	require.NoError(t, err)

	t.Run("unknown email", func(t *testing.T) {
		_, err := env.svc.Login(ctx, "nobody@keyloom.test", "right password", testMeta)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := env.svc.Login(ctx, "bram@keyloom.test", "wrong password", testMeta)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	require.NotContains(t, env.audits.actions(), audit.ActionOwnersLogin)
}

func TestExchangeIssuesKeyTokens(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	key, publicID, secret := seedKey(t, env, nil)

	pair, err := env.svc.Exchange(ctx, publicID, secret, testMeta)
	require.NoError(t, err)
	require.Equal(t, 900, pair.ExpiresIn)

	claims, err := env.signer.Verify(pair.AccessToken, env.cfg.GatewayAudience, signer.TokenTypeKey)
	require.NoError(t, err)
	require.Equal(t, key.ID.String(), claims.KeyID)
	require.Equal(t, publicID, claims.KeyPublicID)
	require.Equal(t, key.Permissions, claims.Permissions)
	require.Empty(t, claims.Roles)

	event := env.audits.last()
	require.NotNil(t, event)
	require.Equal(t, audit.ActionKeysExchange, event.Action)
	require.Equal(t, key.ID, event.ActorID)
	require.Equal(t, map[string]any{"key_type": "primary"}, event.Metadata)
}

func TestExchangeRejections(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	key, publicID, secret := seedKey(t, env, nil)

	t.Run("unknown public id", func(t *testing.T) {
		_, err := env.svc.Exchange(ctx, idcodec.NewPublicID(), secret, testMeta)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := env.svc.Exchange(ctx, publicID, "sec_not-the-secret", testMeta)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("deactivated key", func(t *testing.T) {
		changed, err := env.stores.Keys.SetActive(ctx, key.ID, false, env.clock.Now())
		require.NoError(t, err)
		require.True(t, changed)

		_, err = env.svc.Exchange(ctx, publicID, secret, testMeta)
		require.ErrorIs(t, err, ErrUnauthorized)

		changed, err = env.stores.Keys.SetActive(ctx, key.ID, true, env.clock.Now())
		require.NoError(t, err)
		require.True(t, changed)
	})

	t.Run("retired key", func(t *testing.T) {
		replacement := *key
		replacement.ID = idcodec.New()
		public := &core.KeyPublicID{
			PublicID:  idcodec.NewPublicID(),
			KeyID:     replacement.ID,
			CreatedAt: env.clock.Now(),
		}
		require.NoError(t, env.stores.Keys.Rotate(ctx, &replacement, public, key.ID, env.clock.Now()))

		_, err := env.svc.Exchange(ctx, publicID, secret, testMeta)
		require.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestExchangeUseKeyLimits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("use count limit", func(t *testing.T) {
		_, publicID, secret := seedKey(t, env, func(k *core.Key) {
			k.Type = core.KeyTypeUse
			k.Permissions = []string{"posts:read"}
			k.UseCountLimit = intPtr(2)
		})

		for range 2 {
			_, err := env.svc.Exchange(ctx, publicID, secret, testMeta)
			require.NoError(t, err)
		}

		_, err := env.svc.Exchange(ctx, publicID, secret, testMeta)
		require.ErrorIs(t, err, storage.ErrUseLimitExceeded)
	})

	t.Run("zero use count limit admits nothing", func(t *testing.T) {
		_, publicID, secret := seedKey(t, env, func(k *core.Key) {
			k.Type = core.KeyTypeUse
			k.Permissions = []string{"posts:read"}
			k.UseCountLimit = intPtr(0)
		})

		_, err := env.svc.Exchange(ctx, publicID, secret, testMeta)
		require.ErrorIs(t, err, storage.ErrUseLimitExceeded)
	})

	t.Run("device limit", func(t *testing.T) {
		_, publicID, secret := seedKey(t, env, func(k *core.Key) {
			k.Type = core.KeyTypeUse
			k.Permissions = []string{"posts:read"}
			k.DeviceLimit = intPtr(1)
		})

		deviceA := RequestMeta{IP: "198.51.100.4", UserAgent: "reader/2.1"}
		deviceB := RequestMeta{IP: "198.51.100.9", UserAgent: "reader/2.1"}

		_, err := env.svc.Exchange(ctx, publicID, secret, deviceA)
		require.NoError(t, err)

		_, err = env.svc.Exchange(ctx, publicID, secret, deviceB)
		require.ErrorIs(t, err, storage.ErrDeviceLimitExceeded)

		// The registered device keeps working.
		_, err = env.svc.Exchange(ctx, publicID, secret, deviceA)
		require.NoError(t, err)
	})

	t.Run("limits do not apply to primary keys", func(t *testing.T) {
		_, publicID, secret := seedKey(t, env, nil)
		for range 3 {
			_, err := env.svc.Exchange(ctx, publicID, secret, testMeta)
			require.NoError(t, err)
		}
	})
}

func TestRefreshRotatesOwnerToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	owner, err := env.svc.Register(ctx, "rot@keyloom.test", "rotating password", testMeta)
	require.NoError(t, err)
	first, err := env.svc.Login(ctx, "rot@keyloom.test", "rotating password", testMeta)
	require.NoError(t, err)

	env.clock.Advance(10 * time.Minute)

	second, err := env.svc.Refresh(ctx, first.RefreshToken, testMeta)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	claims, err := env.signer.Verify(second.AccessToken, env.cfg.ConsoleAudience, signer.TokenTypeOwner)
	require.NoError(t, err)
	require.Equal(t, owner.ID.String(), claims.OwnerID)

	require.Contains(t, env.audits.actions(), audit.ActionRefreshRotate)

	// Replaying the rotated token revokes the whole family.
	_, err = env.svc.Refresh(ctx, first.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Contains(t, env.audits.actions(), audit.ActionRefreshReplayAttempt)

	_, err = env.svc.Refresh(ctx, second.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshKeySubject(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	key, publicID, secret := seedKey(t, env, nil)
	first, err := env.svc.Exchange(ctx, publicID, secret, testMeta)
	require.NoError(t, err)

	env.clock.Advance(5 * time.Minute)

	second, err := env.svc.Refresh(ctx, first.RefreshToken, testMeta)
	require.NoError(t, err)

	claims, err := env.signer.Verify(second.AccessToken, env.cfg.GatewayAudience, signer.TokenTypeKey)
	require.NoError(t, err)
	require.Equal(t, key.ID.String(), claims.KeyID)
	require.Equal(t, publicID, claims.KeyPublicID)

	// A deactivated key cannot refresh, but the attempt does not burn the
	// token: reactivating lets the same token rotate.
	_, err = env.stores.Keys.SetActive(ctx, key.ID, false, env.clock.Now())
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, second.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = env.stores.Keys.SetActive(ctx, key.ID, true, env.clock.Now())
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, second.RefreshToken, testMeta)
	require.NoError(t, err)
}

func TestRefreshExpired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, "exp@keyloom.test", "expiring password", testMeta)
	require.NoError(t, err)
	pair, err := env.svc.Login(ctx, "exp@keyloom.test", "expiring password", testMeta)
	require.NoError(t, err)

	env.clock.Advance(env.cfg.RefreshTokenTTL + time.Second)

	_, err = env.svc.Refresh(ctx, pair.RefreshToken, testMeta)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshUnknownToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.svc.Refresh(context.Background(), "rt_definitely-not-issued", testMeta)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRefreshDigestMatchAloneDoesNotAuthenticate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	key, _, _ := seedKey(t, env, nil)

	// A row whose lookup digest belongs to the presented token but whose
	// secret hash was computed over a different one. The digest locates the
	// row; only the argon2 verification may authenticate it.
	presented, err := secrets.NewRefreshToken()
	require.NoError(t, err)
	other, err := secrets.NewRefreshToken()
	require.NoError(t, err)
	hasher := secrets.NewHasher(8192, 1, 1)
	otherHash, err := hasher.Hash(other)
	require.NoError(t, err)

	var lookupKey [32]byte
	copy(lookupKey[:], "0123456789abcdef0123456789abcdef")
	require.NoError(t, env.stores.RefreshTokens.Create(ctx, &core.RefreshToken{
		ID:           idcodec.New(),
		SubjectKind:  core.SubjectKindKey,
		SubjectID:    key.ID,
		SecretHash:   otherHash,
		LookupDigest: secrets.LookupDigest(lookupKey, presented),
		IssuedAt:     env.clock.Now(),
		ExpiresAt:    env.clock.Now().Add(env.cfg.RefreshTokenTTL),
	}))

	_, err = env.svc.Refresh(ctx, presented, testMeta)
	require.ErrorIs(t, err, ErrUnauthorized)

	// The row must remain unrotated and unrevoked.
	row, err := env.stores.RefreshTokens.GetByLookupDigest(ctx, secrets.LookupDigest(lookupKey, presented))
	require.NoError(t, err)
	require.Nil(t, row.RotatedAt)
	require.Nil(t, row.RevokedAt)
}
