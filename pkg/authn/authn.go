// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package authn implements the three authentication entry points: owner
// login, opaque key exchange, and refresh-token rotation, plus owner
// registration.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/logger"
	"github.com/keyloom/keyloom/pkg/permissions"
	"github.com/keyloom/keyloom/pkg/secrets"
	"github.com/keyloom/keyloom/pkg/signer"
	"github.com/keyloom/keyloom/pkg/storage"
	"github.com/keyloom/keyloom/pkg/telemetry"
)

// ErrUnauthorized is the generic credential failure. Every login, exchange,
// and refresh failure that stems from the presented credential collapses to
// this error so that responses do not leak which check failed.
var ErrUnauthorized = errors.New("unauthorized")

// OwnerRole is the single role asserted by owner tokens.
const OwnerRole = "owner"

// Config carries the token issuance parameters.
type Config struct {
	ConsoleAudience string
	GatewayAudience string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// RequestMeta carries the caller's network identity for auditing and device
// fingerprinting.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// TokenPair is the result of a successful authentication.
type TokenPair struct {
	AccessToken  string
	RefreshToken string

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int
}

// Service implements the authentication flows over the stores.
type Service struct {
	owners   storage.OwnerStore
	keys     storage.KeyStore
	refresh  storage.RefreshTokenStore
	hasher   *secrets.Hasher
	signer   *signer.Signer
	recorder *audit.Recorder

	// lookupKey keys the refresh-token lookup digest.
	lookupKey [32]byte

	cfg Config
	now func() time.Time
}

// NewService builds the authenticator. A nil now uses the wall clock.
func NewService(
	stores *storage.Stores,
	hasher *secrets.Hasher,
	sig *signer.Signer,
	recorder *audit.Recorder,
	lookupKey [32]byte,
	cfg Config,
	now func() time.Time,
) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		owners:    stores.Owners,
		keys:      stores.Keys,
		refresh:   stores.RefreshTokens,
		hasher:    hasher,
		signer:    sig,
		recorder:  recorder,
		lookupKey: lookupKey,
		cfg:       cfg,
		now:       now,
	}
}

// Register creates an owner account. Duplicate emails return
// storage.ErrAlreadyExists.
func (s *Service) Register(ctx context.Context, email, password string, meta RequestMeta) (*core.Owner, error) {
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < 8 {
		return nil, &core.ValidationError{Field: "password", Message: "must be at least 8 characters"}
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	now := s.now()
	owner := &core.Owner{
		ID:           idcodec.New(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.owners.Create(ctx, owner); err != nil {
		return nil, err
	}

	s.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     owner.ID,
		Action:      audit.ActionOwnersRegister,
		SubjectKind: "owner",
		SubjectID:   owner.ID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	})
	return owner, nil
}

// Login authenticates an owner by email and password and issues a console
// token pair. An unknown email burns one hash derivation so that the timing
// matches a wrong password.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (*TokenPair, error) {
	owner, err := s.owners.GetByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		s.hasher.DummyVerify()
		telemetry.AuthFailures.WithLabelValues("login").Inc()
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading owner: %w", err)
	}

	ok, err := secrets.Verify(password, owner.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		telemetry.AuthFailures.WithLabelValues("login").Inc()
		return nil, ErrUnauthorized
	}

	pair, err := s.issueOwnerPair(ctx, owner.ID, meta)
	if err != nil {
		return nil, err
	}

	s.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindOwner,
		ActorID:     owner.ID,
		Action:      audit.ActionOwnersLogin,
		SubjectKind: "owner",
		SubjectID:   owner.ID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	})
	telemetry.TokensIssued.WithLabelValues(signer.TokenTypeOwner).Inc()
	return pair, nil
}

// Exchange trades a key's public identifier and opaque secret for a gateway
// token pair, enforcing use-key limits.
func (s *Service) Exchange(ctx context.Context, publicID, secret string, meta RequestMeta) (*TokenPair, error) {
	key, err := s.keys.GetByPublicID(ctx, publicID)
	if errors.Is(err, storage.ErrNotFound) {
		s.hasher.DummyVerify()
		telemetry.AuthFailures.WithLabelValues("exchange").Inc()
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}

	if !key.Usable() {
		telemetry.AuthFailures.WithLabelValues("exchange").Inc()
		return nil, ErrUnauthorized
	}

	ok, err := secrets.Verify(secret, key.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("verifying key secret: %w", err)
	}
	if !ok {
		telemetry.AuthFailures.WithLabelValues("exchange").Inc()
		return nil, ErrUnauthorized
	}

	if key.Type == core.KeyTypeUse {
		fingerprint := secrets.DeviceFingerprint(meta.IP, meta.UserAgent)
		err := s.keys.RegisterUseAttempt(ctx, key.ID, fingerprint, key.UseCountLimit, key.DeviceLimit, s.now())
		if err != nil {
			if errors.Is(err, storage.ErrUseLimitExceeded) || errors.Is(err, storage.ErrDeviceLimitExceeded) {
				telemetry.AuthFailures.WithLabelValues("exchange").Inc()
				return nil, err
			}
			return nil, fmt.Errorf("registering use attempt: %w", err)
		}
	}

	pair, err := s.issueKeyPair(ctx, key, publicID, meta)
	if err != nil {
		return nil, err
	}

	s.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindKey,
		ActorID:     key.ID,
		Action:      audit.ActionKeysExchange,
		SubjectKind: "key",
		SubjectID:   key.ID,
		Metadata:    map[string]any{"key_type": string(key.Type)},
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	})
	telemetry.TokensIssued.WithLabelValues(signer.TokenTypeKey).Inc()
	return pair, nil
}

// Refresh rotates a presented refresh token and issues a fresh pair. A token
// already rotated is a replay: the whole family is revoked and the caller
// gets the same generic unauthorized as any other failure.
func (s *Service) Refresh(ctx context.Context, token string, meta RequestMeta) (*TokenPair, error) {
	digest := secrets.LookupDigest(s.lookupKey, token)
	row, err := s.refresh.GetByLookupDigest(ctx, digest)
	if errors.Is(err, storage.ErrNotFound) {
		telemetry.AuthFailures.WithLabelValues("refresh").Inc()
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}

	ok, err := secrets.Verify(token, row.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("verifying refresh token: %w", err)
	}
	if !ok {
		telemetry.AuthFailures.WithLabelValues("refresh").Inc()
		return nil, ErrUnauthorized
	}

	now := s.now()
	switch {
	case row.RevokedAt != nil:
		telemetry.AuthFailures.WithLabelValues("refresh").Inc()
		return nil, ErrUnauthorized
	case !row.ExpiresAt.After(now):
		telemetry.AuthFailures.WithLabelValues("refresh").Inc()
		return nil, ErrUnauthorized
	case row.RotatedAt != nil:
		s.handleReplay(ctx, row, meta)
		return nil, ErrUnauthorized
	}

	// For key subjects the access claims come from the live key row; load it
	// before rotating so a dead key does not burn the presented token.
	var subjectKey *core.Key
	var subjectPublicID string
	if row.SubjectKind == core.SubjectKindKey {
		subjectKey, err = s.keys.Get(ctx, row.SubjectID)
		if errors.Is(err, storage.ErrNotFound) {
			telemetry.AuthFailures.WithLabelValues("refresh").Inc()
			return nil, ErrUnauthorized
		}
		if err != nil {
			return nil, fmt.Errorf("loading refresh subject: %w", err)
		}
		if !subjectKey.Usable() {
			telemetry.AuthFailures.WithLabelValues("refresh").Inc()
			return nil, ErrUnauthorized
		}
		subjectPublicID, err = s.keys.PublicIDForKey(ctx, subjectKey.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("loading key public id: %w", err)
		}
	}

	opaque, replacement, err := s.newRefreshRow(row.SubjectKind, row.SubjectID, now, meta)
	if err != nil {
		return nil, err
	}

	err = s.refresh.Rotate(ctx, row.ID, replacement, now)
	if errors.Is(err, storage.ErrRotated) {
		// Lost a concurrent race: the other presentation won, this one is the
		// replay.
		s.handleReplay(ctx, row, meta)
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	var access string
	var tokenType string
	if row.SubjectKind == core.SubjectKindOwner {
		access, err = s.signer.IssueOwnerToken(
			row.SubjectID, []string{OwnerRole}, permissions.OwnerScope(), s.cfg.ConsoleAudience, s.cfg.AccessTokenTTL)
		tokenType = signer.TokenTypeOwner
	} else {
		access, err = s.signer.IssueKeyToken(
			subjectKey.ID, subjectPublicID, nil, subjectKey.Permissions, s.cfg.GatewayAudience, s.cfg.AccessTokenTTL)
		tokenType = signer.TokenTypeKey
	}
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	s.recorder.Emit(ctx, audit.Event{
		ActorKind:   actorKindFor(row.SubjectKind),
		ActorID:     row.SubjectID,
		Action:      audit.ActionRefreshRotate,
		SubjectKind: string(row.SubjectKind),
		SubjectID:   row.SubjectID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	})
	telemetry.TokensIssued.WithLabelValues(tokenType).Inc()

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: opaque,
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

// handleReplay revokes the presented token's family and records the attempt.
func (s *Service) handleReplay(ctx context.Context, row *core.RefreshToken, meta RequestMeta) {
	telemetry.RefreshReplays.Inc()
	telemetry.AuthFailures.WithLabelValues("refresh").Inc()

	revoked, err := s.refresh.RevokeFamily(ctx, row.SubjectKind, row.SubjectID, s.now())
	if err != nil {
		logger.Errorw("failed to revoke token family after replay",
			"subject_kind", row.SubjectKind, "error", err)
	}

	logger.Warnw("refresh token replay detected",
		"subject_kind", row.SubjectKind, "subject_id", row.SubjectID, "revoked_count", revoked)

	// The metadata key must not contain "token" or the sanitizer strips it.
	s.recorder.Emit(ctx, audit.Event{
		ActorKind:   actorKindFor(row.SubjectKind),
		ActorID:     row.SubjectID,
		Action:      audit.ActionRefreshReplayAttempt,
		SubjectKind: string(row.SubjectKind),
		SubjectID:   row.SubjectID,
		Metadata:    map[string]any{"revoked_count": revoked},
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
	})
}

func (s *Service) issueOwnerPair(ctx context.Context, ownerID idcodec.ID, meta RequestMeta) (*TokenPair, error) {
	access, err := s.signer.IssueOwnerToken(
		ownerID, []string{OwnerRole}, permissions.OwnerScope(), s.cfg.ConsoleAudience, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	opaque, row, err := s.newRefreshRow(core.SubjectKindOwner, ownerID, s.now(), meta)
	if err != nil {
		return nil, err
	}
	if err := s.refresh.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: opaque,
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) issueKeyPair(ctx context.Context, key *core.Key, publicID string, meta RequestMeta) (*TokenPair, error) {
	access, err := s.signer.IssueKeyToken(
		key.ID, publicID, nil, key.Permissions, s.cfg.GatewayAudience, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	opaque, row, err := s.newRefreshRow(core.SubjectKindKey, key.ID, s.now(), meta)
	if err != nil {
		return nil, err
	}
	if err := s.refresh.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: opaque,
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
	}, nil
}

// newRefreshRow mints opaque refresh material and its storage row.
func (s *Service) newRefreshRow(
	kind core.SubjectKind, subjectID idcodec.ID, now time.Time, meta RequestMeta,
) (string, *core.RefreshToken, error) {
	opaque, err := secrets.NewRefreshToken()
	if err != nil {
		return "", nil, fmt.Errorf("generating refresh token: %w", err)
	}
	hash, err := s.hasher.Hash(opaque)
	if err != nil {
		return "", nil, fmt.Errorf("hashing refresh token: %w", err)
	}

	row := &core.RefreshToken{
		ID:           idcodec.New(),
		SubjectKind:  kind,
		SubjectID:    subjectID,
		SecretHash:   hash,
		LookupDigest: secrets.LookupDigest(s.lookupKey, opaque),
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.cfg.RefreshTokenTTL),
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
	}
	return opaque, row, nil
}

func actorKindFor(kind core.SubjectKind) core.ActorKind {
	if kind == core.SubjectKindOwner {
		return core.ActorKindOwner
	}
	return core.ActorKindKey
}

// validateEmail requires an @ separating non-empty local and domain parts.
// Anything stricter belongs to a mail delivery layer this service does not
// have.
func validateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return &core.ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	return nil
}
