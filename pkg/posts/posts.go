// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

// Package posts implements the post-side collaborator: creation, visible
// reads, feeds, and comments, all mediated by the authorization evaluator.
package posts

import (
	"context"
	"time"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/audit"
	"github.com/keyloom/keyloom/pkg/authz"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
	"github.com/keyloom/keyloom/pkg/telemetry"
)

// CreateRequest is the payload for a new post.
type CreateRequest struct {
	Title string
	Body  string
}

// Service implements post operations over the stores.
type Service struct {
	posts    storage.PostStore
	groups   storage.GroupStore
	keys     storage.KeyStore
	eval     *authz.Evaluator
	recorder *audit.Recorder
	now      func() time.Time
}

// NewService builds the post service. A nil now uses the wall clock.
func NewService(
	posts storage.PostStore,
	groups storage.GroupStore,
	keys storage.KeyStore,
	eval *authz.Evaluator,
	recorder *audit.Recorder,
	now func() time.Time,
) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{posts: posts, groups: groups, keys: keys, eval: eval, recorder: recorder, now: now}
}

// Create authors a new post. The author key receives the full seeded grant
// (VIEW, COMMENT, MANAGE_ACCESS) in the same transaction, so a freshly
// created post is immediately readable and shareable by its author.
func (s *Service) Create(ctx context.Context, principal *core.Principal, req CreateRequest) (*core.Post, error) {
	if err := s.eval.Require(ctx, principal, authz.ActionPostsCreate, idcodec.Nil); err != nil {
		return nil, err
	}
	if req.Title == "" {
		return nil, &core.ValidationError{Field: "title", Message: "must not be empty"}
	}
	if len(req.Title) > 255 {
		return nil, &core.ValidationError{Field: "title", Message: "must be at most 255 characters"}
	}

	now := s.now()
	post := &core.Post{
		ID:                 idcodec.New(),
		InitialAuthorKeyID: principal.InitialAuthorKeyID,
		Title:              req.Title,
		Body:               req.Body,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	authorGrant := &core.PostAccessGrant{
		ID:         idcodec.New(),
		PostID:     post.ID,
		TargetKind: core.TargetKindKey,
		TargetID:   principal.ID,
		Mask:       accessmask.View | accessmask.Comment | accessmask.ManageAccess,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.posts.Create(ctx, post, authorGrant); err != nil {
		return nil, err
	}

	s.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindKey,
		ActorID:     principal.ID,
		Action:      audit.ActionPostsCreate,
		SubjectKind: "post",
		SubjectID:   post.ID,
		Metadata:    map[string]any{"title": req.Title},
	})
	telemetry.PostsCreated.Inc()
	return post, nil
}

// Get loads one post visible to the principal.
func (s *Service) Get(ctx context.Context, principal *core.Principal, postID idcodec.ID) (*core.Post, error) {
	if err := s.eval.Require(ctx, principal, authz.ActionPostsRead, postID); err != nil {
		return nil, err
	}
	return s.posts.Get(ctx, postID)
}

// ListVisible pages through the posts the principal can see, newest first.
func (s *Service) ListVisible(ctx context.Context, principal *core.Principal, page storage.Page) ([]*core.Post, error) {
	if err := s.eval.Require(ctx, principal, authz.ActionPostsList, idcodec.Nil); err != nil {
		return nil, err
	}
	return s.listVisible(ctx, principal.ID, page)
}

// Feed serves the use-key feed path: the URL-supplied key must be the
// authenticated principal itself.
func (s *Service) Feed(ctx context.Context, principal *core.Principal, urlKeyID idcodec.ID, page storage.Page) ([]*core.Post, error) {
	if err := s.eval.AuthorizeFeed(principal, urlKeyID).Err(); err != nil {
		return nil, err
	}
	return s.listVisible(ctx, urlKeyID, page)
}

// CreateComment appends a comment to a post the principal can comment on.
func (s *Service) CreateComment(ctx context.Context, principal *core.Principal, postID idcodec.ID, body string) (*core.Comment, error) {
	if err := s.eval.Require(ctx, principal, authz.ActionCommentsWrite, postID); err != nil {
		return nil, err
	}
	if body == "" {
		return nil, &core.ValidationError{Field: "body", Message: "must not be empty"}
	}

	comment := &core.Comment{
		ID:          idcodec.New(),
		PostID:      postID,
		AuthorKeyID: principal.ID,
		Body:        body,
		CreatedAt:   s.now(),
	}
	if err := s.posts.CreateComment(ctx, comment); err != nil {
		return nil, err
	}

	s.recorder.Emit(ctx, audit.Event{
		ActorKind:   core.ActorKindKey,
		ActorID:     principal.ID,
		Action:      audit.ActionCommentsCreate,
		SubjectKind: "post",
		SubjectID:   postID,
		Metadata:    map[string]any{"comment_id": comment.ID.String()},
	})
	return comment, nil
}

// ListComments pages through a visible post's comments, newest first.
func (s *Service) ListComments(ctx context.Context, principal *core.Principal, postID idcodec.ID, page storage.Page) ([]*core.Comment, error) {
	if err := s.eval.Require(ctx, principal, authz.ActionPostsRead, postID); err != nil {
		return nil, err
	}
	return s.posts.ListComments(ctx, postID, page)
}

// AdminList pages through every post authored inside the owner's lineages,
// regardless of grants.
func (s *Service) AdminList(ctx context.Context, principal *core.Principal, page storage.Page) ([]*core.Post, error) {
	if err := s.eval.Require(ctx, principal, authz.ActionPostsAdminRead, idcodec.Nil); err != nil {
		return nil, err
	}
	roots, err := s.keys.PrimaryKeyIDs(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	return s.posts.ListByLineageRoots(ctx, roots, page)
}

func (s *Service) listVisible(ctx context.Context, keyID idcodec.ID, page storage.Page) ([]*core.Post, error) {
	groupIDs, err := s.groups.GroupsForKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return s.posts.ListVisible(ctx, keyID, groupIDs, page)
}
