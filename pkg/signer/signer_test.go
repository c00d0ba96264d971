// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

var (
	testKeysOnce sync.Once
	testKeyMain  *rsa.PrivateKey
	testKeyOther *rsa.PrivateKey
)

// testKeys generates the RSA fixtures once; key generation dominates test
// time otherwise.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		var err error
		if testKeyMain, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if testKeyOther, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return testKeyMain, testKeyOther
}

var issueTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func fixedNow(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestSigner(t *testing.T, now time.Time) *Signer {
	t.Helper()
	key, _ := testKeys(t)
	s, err := New(&Config{
		Issuer:     "https://keyloom.test",
		PrivateKey: key,
		KID:        "main",
		Leeway:     10 * time.Second,
		Now:        fixedNow(now),
	})
	require.NoError(t, err)
	return s
}

func TestSignerOwnerTokenRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t, issueTime)
	ownerID := idcodec.New()

	token, err := s.IssueOwnerToken(ownerID, []string{"owner"}, []string{"keys:read"}, "console", 15*time.Minute)
	require.NoError(t, err)

	claims, err := s.Verify(token, "console", TokenTypeOwner)
	require.NoError(t, err)

	assert.Equal(t, TokenTypeOwner, claims.Typ)
	assert.Equal(t, ownerID.String(), claims.OwnerID)
	assert.Empty(t, claims.KeyID)
	assert.Equal(t, "owner:"+ownerID.String(), claims.Subject)
	assert.Equal(t, []string{"owner"}, claims.Roles)
	assert.Equal(t, []string{"keys:read"}, claims.Permissions)
	assert.Equal(t, "https://keyloom.test", claims.Issuer)
	assert.Equal(t, issueTime.Add(15*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestSignerKeyTokenRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t, issueTime)
	keyID := idcodec.New()

	token, err := s.IssueKeyToken(keyID, "apub_0123456789abcdef", nil, []string{"posts:read"}, "gateway", 15*time.Minute)
	require.NoError(t, err)

	claims, err := s.Verify(token, "gateway", TokenTypeKey)
	require.NoError(t, err)

	assert.Equal(t, TokenTypeKey, claims.Typ)
	assert.Equal(t, keyID.String(), claims.KeyID)
	assert.Equal(t, "apub_0123456789abcdef", claims.KeyPublicID)
	assert.Equal(t, "key:"+keyID.String(), claims.Subject)
	assert.Equal(t, []string{}, claims.Roles)
	assert.Equal(t, []string{"posts:read"}, claims.Permissions)
}

func TestSignerVerifyFailures(t *testing.T) {
	t.Parallel()
	mainKey, otherKey := testKeys(t)

	issue := func(t *testing.T, s *Signer) string {
		t.Helper()
		token, err := s.IssueKeyToken(idcodec.New(), "", nil, nil, "gateway", 15*time.Minute)
		require.NoError(t, err)
		return token
	}

	tests := []struct {
		name   string
		token  func(t *testing.T) string
		verify func(t *testing.T) *Signer
		aud    string
		typ    string
		reason Reason
	}{
		{
			name:   "expired",
			token:  func(t *testing.T) string { return issue(t, newTestSigner(t, issueTime)) },
			verify: func(t *testing.T) *Signer { return newTestSigner(t, issueTime.Add(16*time.Minute)) },
			aud:    "gateway", typ: TokenTypeKey,
			reason: ReasonExpired,
		},
		{
			name:  "not yet valid",
			token: func(t *testing.T) string { return issue(t, newTestSigner(t, issueTime.Add(time.Hour))) },
			// Verifying a minute before nbf, beyond the leeway window.
			verify: func(t *testing.T) *Signer { return newTestSigner(t, issueTime) },
			aud:    "gateway", typ: TokenTypeKey,
			reason: ReasonNotYetValid,
		},
		{
			name:   "audience mismatch",
			token:  func(t *testing.T) string { return issue(t, newTestSigner(t, issueTime)) },
			verify: func(t *testing.T) *Signer { return newTestSigner(t, issueTime) },
			aud:    "console", typ: TokenTypeKey,
			reason: ReasonAudience,
		},
		{
			name:  "issuer mismatch",
			token: func(t *testing.T) string { return issue(t, newTestSigner(t, issueTime)) },
			verify: func(t *testing.T) *Signer {
				s, err := New(&Config{
					Issuer:     "https://imposter.test",
					PrivateKey: mainKey,
					KID:        "main",
					Leeway:     10 * time.Second,
					Now:        fixedNow(issueTime),
				})
				require.NoError(t, err)
				return s
			},
			aud: "gateway", typ: TokenTypeKey,
			reason: ReasonIssuer,
		},
		{
			name:   "type mismatch",
			token:  func(t *testing.T) string { return issue(t, newTestSigner(t, issueTime)) },
			verify: func(t *testing.T) *Signer { return newTestSigner(t, issueTime) },
			aud:    "gateway", typ: TokenTypeOwner,
			reason: ReasonType,
		},
		{
			name: "wrong key same kid",
			token: func(t *testing.T) string {
				s, err := New(&Config{
					Issuer:     "https://keyloom.test",
					PrivateKey: otherKey,
					KID:        "main",
					Leeway:     10 * time.Second,
					Now:        fixedNow(issueTime),
				})
				require.NoError(t, err)
				return issue(t, s)
			},
			verify: func(t *testing.T) *Signer { return newTestSigner(t, issueTime) },
			aud:    "gateway", typ: TokenTypeKey,
			reason: ReasonSignature,
		},
		{
			name: "unknown kid",
			token: func(t *testing.T) string {
				s, err := New(&Config{
					Issuer:     "https://keyloom.test",
					PrivateKey: otherKey,
					KID:        "unlisted",
					Leeway:     10 * time.Second,
					Now:        fixedNow(issueTime),
				})
				require.NoError(t, err)
				return issue(t, s)
			},
			verify: func(t *testing.T) *Signer { return newTestSigner(t, issueTime) },
			aud:    "gateway", typ: TokenTypeKey,
			reason: ReasonSignature,
		},
		{
			name: "wrong algorithm",
			token: func(t *testing.T) string {
				token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
					RegisteredClaims: registeredClaims("https://keyloom.test", "key:x", "gateway", issueTime, time.Hour),
					Typ:              TokenTypeKey,
				})
				token.Header["kid"] = "main"
				signed, err := token.SignedString([]byte("shared-secret"))
				require.NoError(t, err)
				return signed
			},
			verify: func(t *testing.T) *Signer { return newTestSigner(t, issueTime) },
			aud:    "gateway", typ: TokenTypeKey,
			reason: ReasonAlgorithm,
		},
		{
			name:   "malformed",
			token:  func(t *testing.T) string { return "not.a.token" },
			verify: func(t *testing.T) *Signer { return newTestSigner(t, issueTime) },
			aud:    "gateway", typ: TokenTypeKey,
			reason: ReasonMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.verify(t).Verify(tt.token(t), tt.aud, tt.typ)
			var verr *VerificationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.reason, verr.Reason)
		})
	}
}

func TestSignerLeewayToleratesSkew(t *testing.T) {
	t.Parallel()
	issuing := newTestSigner(t, issueTime)
	token, err := issuing.IssueKeyToken(idcodec.New(), "", nil, nil, "gateway", 15*time.Minute)
	require.NoError(t, err)

	// Nine seconds past expiry is inside the ten-second leeway.
	lateVerifier := newTestSigner(t, issueTime.Add(15*time.Minute+9*time.Second))
	_, err = lateVerifier.Verify(token, "gateway", TokenTypeKey)
	assert.NoError(t, err)

	// Eleven seconds past expiry is outside it.
	tooLate := newTestSigner(t, issueTime.Add(15*time.Minute+11*time.Second))
	_, err = tooLate.Verify(token, "gateway", TokenTypeKey)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonExpired, verr.Reason)

	// Five seconds before nbf is inside leeway as well.
	earlyVerifier := newTestSigner(t, issueTime.Add(-5*time.Second))
	_, err = earlyVerifier.Verify(token, "gateway", TokenTypeKey)
	assert.NoError(t, err)
}

func TestSignerRotationOverlap(t *testing.T) {
	t.Parallel()
	oldKey, newKey := testKeys(t)

	oldSigner, err := New(&Config{
		Issuer:     "https://keyloom.test",
		PrivateKey: oldKey,
		KID:        "old",
		Leeway:     10 * time.Second,
		Now:        fixedNow(issueTime),
	})
	require.NoError(t, err)

	token, err := oldSigner.IssueKeyToken(idcodec.New(), "", nil, nil, "gateway", 15*time.Minute)
	require.NoError(t, err)

	// The rotated signer signs with the new key but keeps verifying tokens
	// signed by the old one.
	rotated, err := New(&Config{
		Issuer:     "https://keyloom.test",
		PrivateKey: newKey,
		KID:        "new",
		PublicKeys: []PublicKey{{KID: "old", Key: &oldKey.PublicKey}},
		Leeway:     10 * time.Second,
		Now:        fixedNow(issueTime.Add(time.Minute)),
	})
	require.NoError(t, err)

	_, err = rotated.Verify(token, "gateway", TokenTypeKey)
	assert.NoError(t, err)

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rotated.KeySet(), &doc))
	assert.Len(t, doc.Keys, 2)
}

func TestSignerKeySetDocument(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t, issueTime)

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(s.KeySet(), &doc))
	require.Len(t, doc.Keys, 1)

	entry := doc.Keys[0]
	assert.Equal(t, "RSA", entry["kty"])
	assert.Equal(t, "sig", entry["use"])
	assert.Equal(t, "RS256", entry["alg"])
	assert.Equal(t, "main", entry["kid"])
	assert.NotEmpty(t, entry["n"])
	assert.NotEmpty(t, entry["e"])

	// Private material must never leak into the published set.
	assert.NotContains(t, entry, "d")
	assert.NotContains(t, entry, "p")
	assert.NotContains(t, entry, "q")
}

func TestSignerConfigValidation(t *testing.T) {
	t.Parallel()
	key, other := testKeys(t)

	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil config", cfg: nil},
		{name: "missing issuer", cfg: &Config{PrivateKey: key, KID: "main"}},
		{name: "missing private key", cfg: &Config{Issuer: "iss", KID: "main"}},
		{name: "missing kid", cfg: &Config{Issuer: "iss", PrivateKey: key}},
		{
			name: "duplicate kid",
			cfg: &Config{
				Issuer: "iss", PrivateKey: key, KID: "main",
				PublicKeys: []PublicKey{{KID: "main", Key: &other.PublicKey}},
			},
		},
		{
			name: "public key without kid",
			cfg: &Config{
				Issuer: "iss", PrivateKey: key, KID: "main",
				PublicKeys: []PublicKey{{Key: &other.PublicKey}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestPEMRoundTrip(t *testing.T) {
	t.Parallel()
	key, _ := testKeys(t)

	privPEM, err := EncodePrivateKeyPEM(key)
	require.NoError(t, err)
	parsed, err := ParsePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	parsedPub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsedPub))

	_, err = ParsePrivateKeyPEM([]byte("junk"))
	assert.Error(t, err)
}

func TestDeriveKID(t *testing.T) {
	t.Parallel()
	key, other := testKeys(t)

	kid, err := DeriveKID(&key.PublicKey)
	require.NoError(t, err)
	assert.Len(t, kid, 16)

	again, err := DeriveKID(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, kid, again)

	otherKID, err := DeriveKID(&other.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, kid, otherKID)
}
