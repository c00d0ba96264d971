// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"time"

	"github.com/keyloom/keyloom/pkg/authn"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
)

// Response DTOs shared by both surfaces. Request types live at the bottom of
// the surface files that decode them.

type ownerResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func newOwnerResponse(owner *core.Owner) ownerResponse {
	return ownerResponse{
		ID:        owner.ID.String(),
		Email:     owner.Email,
		CreatedAt: owner.CreatedAt,
	}
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func newTokenPairResponse(pair *authn.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	}
}

type keyResponse struct {
	ID                 string     `json:"id"`
	OwnerID            *string    `json:"owner_id"`
	Type               string     `json:"type"`
	Permissions        []string   `json:"permissions"`
	Active             bool       `json:"active"`
	IssuedByKeyID      *string    `json:"issued_by_key_id"`
	ParentKeyID        *string    `json:"parent_key_id"`
	InitialAuthorKeyID string     `json:"initial_author_key_id"`
	RotatedFromID      *string    `json:"rotated_from_id"`
	RotatedToID        *string    `json:"rotated_to_id"`
	RetiredAt          *time.Time `json:"retired_at"`
	UseCountLimit      *int       `json:"use_count_limit"`
	UseCountCurrent    int        `json:"use_count_current"`
	DeviceLimit        *int       `json:"device_limit"`
	Label              string     `json:"label"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func newKeyResponse(key *core.Key) keyResponse {
	return keyResponse{
		ID:                 key.ID.String(),
		OwnerID:            nullableID(key.OwnerID),
		Type:               string(key.Type),
		Permissions:        key.Permissions,
		Active:             key.Active,
		IssuedByKeyID:      nullableID(key.IssuedByKeyID),
		ParentKeyID:        nullableID(key.ParentKeyID),
		InitialAuthorKeyID: key.InitialAuthorKeyID.String(),
		RotatedFromID:      nullableID(key.RotatedFromID),
		RotatedToID:        nullableID(key.RotatedToID),
		RetiredAt:          key.RetiredAt,
		UseCountLimit:      key.UseCountLimit,
		UseCountCurrent:    key.UseCountCurrent,
		DeviceLimit:        key.DeviceLimit,
		Label:              key.Label,
		CreatedAt:          key.CreatedAt,
		UpdatedAt:          key.UpdatedAt,
	}
}

func newKeyResponses(keys []*core.Key) []keyResponse {
	out := make([]keyResponse, 0, len(keys))
	for _, key := range keys {
		out = append(out, newKeyResponse(key))
	}
	return out
}

// mintResponse extends the key body with the one-time credential material.
// The secret is never persisted or shown again.
type mintResponse struct {
	keyResponse

	PublicID string `json:"key_public_id"`
	Secret   string `json:"key_secret"`
}

func newMintResponse(key *core.Key, publicID, secret string) mintResponse {
	return mintResponse{
		keyResponse: newKeyResponse(key),
		PublicID:    publicID,
		Secret:      secret,
	}
}

type groupResponse struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newGroupResponse(group *core.Group) groupResponse {
	return groupResponse{
		ID:        group.ID.String(),
		OwnerID:   group.OwnerID.String(),
		Name:      group.Name,
		CreatedAt: group.CreatedAt,
		UpdatedAt: group.UpdatedAt,
	}
}

func newGroupResponses(groups []*core.Group) []groupResponse {
	out := make([]groupResponse, 0, len(groups))
	for _, group := range groups {
		out = append(out, newGroupResponse(group))
	}
	return out
}

type groupDetailResponse struct {
	groupResponse

	MemberKeyIDs []string `json:"member_key_ids"`
}

type grantResponse struct {
	ID             string    `json:"id"`
	PostID         string    `json:"post_id"`
	TargetKind     string    `json:"target_kind"`
	TargetID       string    `json:"target_id"`
	PermissionMask int       `json:"permission_mask"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newGrantResponse(grant *core.PostAccessGrant) grantResponse {
	return grantResponse{
		ID:             grant.ID.String(),
		PostID:         grant.PostID.String(),
		TargetKind:     string(grant.TargetKind),
		TargetID:       grant.TargetID.String(),
		PermissionMask: int(grant.Mask),
		CreatedAt:      grant.CreatedAt,
		UpdatedAt:      grant.UpdatedAt,
	}
}

type postResponse struct {
	ID                 string    `json:"id"`
	InitialAuthorKeyID string    `json:"initial_author_key_id"`
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func newPostResponse(post *core.Post) postResponse {
	return postResponse{
		ID:                 post.ID.String(),
		InitialAuthorKeyID: post.InitialAuthorKeyID.String(),
		Title:              post.Title,
		Body:               post.Body,
		CreatedAt:          post.CreatedAt,
		UpdatedAt:          post.UpdatedAt,
	}
}

func newPostResponses(posts []*core.Post) []postResponse {
	out := make([]postResponse, 0, len(posts))
	for _, post := range posts {
		out = append(out, newPostResponse(post))
	}
	return out
}

type commentResponse struct {
	ID          string    `json:"id"`
	PostID      string    `json:"post_id"`
	AuthorKeyID string    `json:"author_key_id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

func newCommentResponse(comment *core.Comment) commentResponse {
	return commentResponse{
		ID:          comment.ID.String(),
		PostID:      comment.PostID.String(),
		AuthorKeyID: comment.AuthorKeyID.String(),
		Body:        comment.Body,
		CreatedAt:   comment.CreatedAt,
	}
}

func newCommentResponses(comments []*core.Comment) []commentResponse {
	out := make([]commentResponse, 0, len(comments))
	for _, comment := range comments {
		out = append(out, newCommentResponse(comment))
	}
	return out
}

type keychainResponse struct {
	ID                 string    `json:"id"`
	InitialAuthorKeyID string    `json:"initial_author_key_id"`
	Name               string    `json:"name"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func newKeychainResponse(keychain *core.Keychain) keychainResponse {
	return keychainResponse{
		ID:                 keychain.ID.String(),
		InitialAuthorKeyID: keychain.InitialAuthorKeyID.String(),
		Name:               keychain.Name,
		CreatedAt:          keychain.CreatedAt,
		UpdatedAt:          keychain.UpdatedAt,
	}
}

func newKeychainResponses(keychains []*core.Keychain) []keychainResponse {
	out := make([]keychainResponse, 0, len(keychains))
	for _, keychain := range keychains {
		out = append(out, newKeychainResponse(keychain))
	}
	return out
}

type keychainDetailResponse struct {
	keychainResponse

	KeyIDs []string `json:"key_ids"`
}

// selfResponse is the gateway's token introspection body.
type selfResponse struct {
	keyResponse

	PublicID string `json:"key_public_id"`
}

func nullableID(id *idcodec.ID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func idStrings(ids []idcodec.ID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
