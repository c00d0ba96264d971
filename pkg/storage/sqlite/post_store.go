// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/keyloom/keyloom/pkg/accessmask"
	"github.com/keyloom/keyloom/pkg/core"
	"github.com/keyloom/keyloom/pkg/idcodec"
	"github.com/keyloom/keyloom/pkg/storage"
)

// PostStore implements storage.PostStore using SQLite.
type PostStore struct {
	db *sql.DB
}

// NewPostStore creates a new SQLite-backed PostStore.
func NewPostStore(db *DB) *PostStore {
	return &PostStore{db: db.DB()}
}

var _ storage.PostStore = (*PostStore)(nil)

const postColumns = `id, initial_author_key_id, title, body, created_at, updated_at`

// Create inserts the post and its author's seeded access grant in one
// transaction: a post is never visible to nobody.
func (s *PostStore) Create(ctx context.Context, post *core.Post, authorGrant *core.PostAccessGrant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO posts (`+postColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		post.ID.String(),
		post.InitialAuthorKeyID.String(),
		post.Title,
		post.Body,
		formatTime(post.CreatedAt),
		formatTime(post.UpdatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting post: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO post_access_grants (id, post_id, target_kind, target_id, permission_mask, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		authorGrant.ID.String(),
		authorGrant.PostID.String(),
		string(authorGrant.TargetKind),
		authorGrant.TargetID.String(),
		int(authorGrant.Mask),
		formatTime(authorGrant.CreatedAt),
		formatTime(authorGrant.UpdatedAt),
	); err != nil {
		return fmt.Errorf("inserting author grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get fetches a post by ID.
func (s *PostStore) Get(ctx context.Context, id idcodec.ID) (*core.Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ?`,
		id.String(),
	)
	return scanPost(row)
}

// InitialAuthorKey returns the lineage root of the post's author.
func (s *PostStore) InitialAuthorKey(ctx context.Context, id idcodec.ID) (idcodec.ID, error) {
	var rootStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT initial_author_key_id FROM posts WHERE id = ?`, id.String(),
	).Scan(&rootStr)
	if errors.Is(err, sql.ErrNoRows) {
		return idcodec.Nil, storage.ErrNotFound
	}
	if err != nil {
		return idcodec.Nil, fmt.Errorf("loading post author lineage: %w", err)
	}
	return parseID(rootStr)
}

// visiblePredicate matches posts on which the key, directly or through its
// groups, holds the VIEW bit.
func visiblePredicate(keyID idcodec.ID, groupIDs []idcodec.ID) (string, []any) {
	predicate := `EXISTS (
		SELECT 1 FROM post_access_grants g
		WHERE g.post_id = posts.id
		  AND (g.permission_mask & ?) != 0
		  AND ((g.target_kind = 'key' AND g.target_id = ?)`
	args := []any{int(accessmask.View), keyID.String()}

	if len(groupIDs) > 0 {
		placeholders, groupArgs := idPlaceholders(groupIDs)
		predicate += ` OR (g.target_kind = 'group' AND g.target_id IN (` + placeholders + `))`
		args = append(args, groupArgs...)
	}
	predicate += `))`
	return predicate, args
}

// ListVisibleIDs returns the IDs of posts visible to the key, newest first.
func (s *PostStore) ListVisibleIDs(
	ctx context.Context, keyID idcodec.ID, groupIDs []idcodec.ID, page storage.Page,
) ([]idcodec.ID, error) {
	predicate, args := visiblePredicate(keyID, groupIDs)
	query := `SELECT id FROM posts WHERE ` + predicate
	query, args = appendPage(query, "posts", page, args)
	return queryIDs(ctx, s.db, query, args...)
}

// ListVisible is ListVisibleIDs returning full rows.
func (s *PostStore) ListVisible(
	ctx context.Context, keyID idcodec.ID, groupIDs []idcodec.ID, page storage.Page,
) ([]*core.Post, error) {
	predicate, args := visiblePredicate(keyID, groupIDs)
	query := `SELECT ` + postColumns + ` FROM posts WHERE ` + predicate
	query, args = appendPage(query, "posts", page, args)
	return s.queryPosts(ctx, query, args...)
}

// ListByLineageRoots returns posts authored under the given lineage roots,
// bypassing grant visibility. Owner admin reads use this.
func (s *PostStore) ListByLineageRoots(ctx context.Context, roots []idcodec.ID, page storage.Page) ([]*core.Post, error) {
	if len(roots) == 0 {
		return []*core.Post{}, nil
	}

	placeholders, args := idPlaceholders(roots)
	query := `SELECT ` + postColumns + ` FROM posts WHERE initial_author_key_id IN (` + placeholders + `)`
	query, args = appendPage(query, "posts", page, args)
	return s.queryPosts(ctx, query, args...)
}

func (s *PostStore) queryPosts(ctx context.Context, query string, args ...any) ([]*core.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []*core.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating post rows: %w", err)
	}
	return posts, nil
}

// CreateComment inserts a comment.
func (s *PostStore) CreateComment(ctx context.Context, comment *core.Comment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, post_id, author_key_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		comment.ID.String(),
		comment.PostID.String(),
		comment.AuthorKeyID.String(),
		comment.Body,
		formatTime(comment.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting comment: %w", err)
	}
	return nil
}

// ListComments returns a post's comments, newest first.
func (s *PostStore) ListComments(ctx context.Context, postID idcodec.ID, page storage.Page) ([]*core.Comment, error) {
	query := `SELECT id, post_id, author_key_id, body, created_at FROM comments WHERE post_id = ?`
	query, args := appendPage(query, "comments", page, []any{postID.String()})

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var comments []*core.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating comment rows: %w", err)
	}
	return comments, nil
}

func scanPost(sc scanner) (*core.Post, error) {
	var (
		idStr     string
		rootID    string
		title     string
		body      string
		createdAt string
		updatedAt string
	)
	if err := sc.Scan(&idStr, &rootID, &title, &body, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning post row: %w", err)
	}

	post := &core.Post{Title: title, Body: body}
	var err error
	if post.ID, err = parseID(idStr); err != nil {
		return nil, err
	}
	if post.InitialAuthorKeyID, err = parseID(rootID); err != nil {
		return nil, err
	}
	if post.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if post.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return post, nil
}

func scanComment(sc scanner) (*core.Comment, error) {
	var (
		idStr     string
		postID    string
		authorID  string
		body      string
		createdAt string
	)
	if err := sc.Scan(&idStr, &postID, &authorID, &body, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning comment row: %w", err)
	}

	comment := &core.Comment{Body: body}
	var err error
	if comment.ID, err = parseID(idStr); err != nil {
		return nil, err
	}
	if comment.PostID, err = parseID(postID); err != nil {
		return nil, err
	}
	if comment.AuthorKeyID, err = parseID(authorID); err != nil {
		return nil, err
	}
	if comment.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return comment, nil
}
