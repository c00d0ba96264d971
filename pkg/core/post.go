// SPDX-FileCopyrightText: Copyright 2026 Keyloom Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/keyloom/keyloom/pkg/idcodec"
)

// Post is a unit of protected content. The kernel authorizes access to posts;
// it does not interpret their bodies.
type Post struct {
	ID idcodec.ID

	// InitialAuthorKeyID is the lineage root of the key that created the
	// post. Owner-side admin reads scope by this column.
	InitialAuthorKeyID idcodec.ID

	// Title is 1-255 characters.
	Title string
	Body  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Comment is one comment on a post.
type Comment struct {
	ID          idcodec.ID
	PostID      idcodec.ID
	AuthorKeyID idcodec.ID
	Body        string
	CreatedAt   time.Time
}
