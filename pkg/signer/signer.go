// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package signer issues and verifies the platform's RS256 access tokens and
// publishes the matching JWKS document.
package signer

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

// Token types carried in the typ claim. The console surface accepts owner
// tokens only; the gateway accepts key tokens only.
const (
	TokenTypeOwner = "owner"
	TokenTypeKey   = "key"
)

// PublicKey is one verification key published in the key set.
type PublicKey struct {
	KID string
	Key *rsa.PublicKey
}

// Config assembles a Signer. PrivateKey signs new tokens under KID;
// PublicKeys lists additional verification keys kept published through a
// rotation overlap window.
type Config struct {
	Issuer     string
	PrivateKey *rsa.PrivateKey
	KID        string
	PublicKeys []PublicKey
	Leeway     time.Duration

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Claims is the token body for both owner and key tokens.
type Claims struct {
	jwt.RegisteredClaims

	Typ         string   `json:"typ"`
	OwnerID     string   `json:"owner_id,omitempty"`
	KeyID       string   `json:"key_id,omitempty"`
	KeyPublicID string   `json:"key_public_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Signer signs tokens with one private key and verifies against every
// published public key. It is immutable: key rotation builds a new Signer
// with the old public key appended.
type Signer struct {
	issuer  string
	kid     string
	private *rsa.PrivateKey
	public  map[string]*rsa.PublicKey
	leeway  time.Duration
	now     func() time.Time
	keySet  []byte
}

// New validates cfg and builds the signer, including the serialized key set.
func New(cfg *Config) (*Signer, error) {
	if cfg == nil {
		return nil, errors.New("signer config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.PrivateKey == nil {
		return nil, errors.New("private key is required")
	}
	if cfg.KID == "" {
		return nil, errors.New("key id is required")
	}

	public := make(map[string]*rsa.PublicKey, len(cfg.PublicKeys)+1)
	published := make([]PublicKey, 0, len(cfg.PublicKeys)+1)

	active := PublicKey{KID: cfg.KID, Key: &cfg.PrivateKey.PublicKey}
	public[active.KID] = active.Key
	published = append(published, active)

	for _, pk := range cfg.PublicKeys {
		if pk.KID == "" || pk.Key == nil {
			return nil, errors.New("public keys require a kid and key material")
		}
		if _, dup := public[pk.KID]; dup {
			return nil, fmt.Errorf("duplicate key id %q", pk.KID)
		}
		public[pk.KID] = pk.Key
		published = append(published, pk)
	}

	keySet, err := buildKeySet(published)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Signer{
		issuer:  cfg.Issuer,
		kid:     cfg.KID,
		private: cfg.PrivateKey,
		public:  public,
		leeway:  cfg.Leeway,
		now:     now,
		keySet:  keySet,
	}, nil
}

// IssueOwnerToken signs an owner access token for the console audience.
func (s *Signer) IssueOwnerToken(
	ownerID idcodec.ID, roles, permissions []string, audience string, ttl time.Duration,
) (string, error) {
	now := s.now()
	return s.sign(&Claims{
		RegisteredClaims: registeredClaims(s.issuer, "owner:"+ownerID.String(), audience, now, ttl),
		Typ:              TokenTypeOwner,
		OwnerID:          ownerID.String(),
		Roles:            nonNil(roles),
		Permissions:      nonNil(permissions),
	})
}

// IssueKeyToken signs a key access token for the gateway audience.
func (s *Signer) IssueKeyToken(
	keyID idcodec.ID, publicID string, roles, permissions []string, audience string, ttl time.Duration,
) (string, error) {
	now := s.now()
	return s.sign(&Claims{
		RegisteredClaims: registeredClaims(s.issuer, "key:"+keyID.String(), audience, now, ttl),
		Typ:              TokenTypeKey,
		KeyID:            keyID.String(),
		KeyPublicID:      publicID,
		Roles:            nonNil(roles),
		Permissions:      nonNil(permissions),
	})
}

func registeredClaims(issuer, subject, audience string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Signer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.private)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the token against the expected audience and token type and
// returns its claims. Every failure is a *VerificationError; callers surface
// a generic unauthorized and keep the reason for logs.
func (s *Signer) Verify(raw, expectedAudience, expectedTyp string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(expectedAudience),
	)

	token, err := parser.ParseWithClaims(raw, &Claims{}, s.keyFunc)
	if err != nil {
		return nil, mapParseError(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, &VerificationError{Reason: ReasonMalformed}
	}
	if claims.Typ != expectedTyp {
		return nil, &VerificationError{Reason: ReasonType}
	}
	return claims, nil
}

// keyFunc enforces the algorithm pin and resolves kid to a published key.
func (s *Signer) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
		return nil, &VerificationError{Reason: ReasonAlgorithm}
	}

	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, &VerificationError{Reason: ReasonMalformed}
	}

	pub, ok := s.public[kid]
	if !ok {
		return nil, &VerificationError{Reason: ReasonSignature}
	}
	return pub, nil
}

// mapParseError reduces golang-jwt's joined errors to one reason, checked in
// verification order.
func mapParseError(err error) *VerificationError {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerificationError{Reason: ReasonMalformed}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &VerificationError{Reason: ReasonSignature}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Reason: ReasonExpired}
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return &VerificationError{Reason: ReasonNotYetValid}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &VerificationError{Reason: ReasonIssuer}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &VerificationError{Reason: ReasonAudience}
	default:
		return &VerificationError{Reason: ReasonMalformed}
	}
}

// KeySet returns the serialized JWKS document. The bytes are built once at
// construction and never mutated.
func (s *Signer) KeySet() []byte {
	return s.keySet
}

func buildKeySet(keys []PublicKey) ([]byte, error) {
	set := jwk.NewSet()
	for _, pk := range keys {
		key, err := jwk.Import(pk.Key)
		if err != nil {
			return nil, fmt.Errorf("importing public key %q: %w", pk.KID, err)
		}
		if err := key.Set(jwk.KeyIDKey, pk.KID); err != nil {
			return nil, fmt.Errorf("setting kid on %q: %w", pk.KID, err)
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, fmt.Errorf("setting use on %q: %w", pk.KID, err)
		}
		if err := key.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
			return nil, fmt.Errorf("setting alg on %q: %w", pk.KID, err)
		}
		if err := set.AddKey(key); err != nil {
			return nil, fmt.Errorf("adding key %q to set: %w", pk.KID, err)
		}
	}

	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshaling key set: %w", err)
	}
	return data, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
