package console

import (
	"context"
	"time"

	"storj.io/common/uuid"
)

// Documents exposes methods to manage documents and the rows they own.
//
// architecture: Database
type Documents interface {
	// Insert inserts a new document.
	Insert(ctx context.Context, doc *Document) (*Document, error)
	// Get queries a document by id. It fails with ErrDocumentNotFound when
	// the id is unknown.
	Get(ctx context.Context, id uuid.UUID) (*Document, error)
	// ListByUser returns all documents owned by a user, most recently
	// changed first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Document, error)
	// UpdateName renames a document.
	UpdateName(ctx context.Context, id uuid.UUID, name string, changedAt time.Time) error
	// SetDuration stores the media duration in seconds.
	SetDuration(ctx context.Context, id uuid.UUID, duration float64) error
	// Touch bumps the changed_at timestamp.
	Touch(ctx context.Context, id uuid.UUID, changedAt time.Time) error
	// Delete deletes the document. All owned rows cascade.
	Delete(ctx context.Context, id uuid.UUID) error

	// InsertMediaFile stores a media file descriptor together with its tags.
	InsertMediaFile(ctx context.Context, file *MediaFile) (*MediaFile, error)
	// MediaFiles returns all media file descriptors of a document.
	MediaFiles(ctx context.Context, documentID uuid.UUID) ([]MediaFile, error)

	// InsertShareToken stores a share token.
	InsertShareToken(ctx context.Context, token *ShareToken) (*ShareToken, error)
	// ShareTokens returns all share tokens of a document, ordered by
	// valid_until descending.
	ShareTokens(ctx context.Context, documentID uuid.UUID) ([]ShareToken, error)
	// DeleteShareToken deletes one share token of a document. It fails with
	// ErrShareTokenNotFound when the document has no such token.
	DeleteShareToken(ctx context.Context, documentID, tokenID uuid.UUID) error
}

// Document is the unit of ownership, collaboration and cascading deletion.
type Document struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"-"`

	Name string `json:"name"`
	// Duration of the original media in seconds, nil until re-encoding
	// reported it.
	Duration *float64 `json:"duration"`

	CreatedAt time.Time `json:"created_at"`
	ChangedAt time.Time `json:"changed_at"`
}

// MediaFile describes one stored media rendition of a document.
type MediaFile struct {
	ID         uuid.UUID `json:"-"`
	DocumentID uuid.UUID `json:"-"`

	// File is the opaque blob id inside the media store.
	File        string   `json:"-"`
	ContentType string   `json:"content_type"`
	Tags        []string `json:"tags"`
}

// ShareToken grants read-only or read-write access to a single document.
type ShareToken struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`

	Name  string `json:"name"`
	Token string `json:"token"`

	// ValidUntil is nil for tokens that never expire.
	ValidUntil *time.Time `json:"valid_until"`
	CanWrite   bool       `json:"can_write"`
}

// Valid reports whether the token is usable at now.
func (token *ShareToken) Valid(now time.Time) bool {
	return token.ValidUntil == nil || token.ValidUntil.After(now)
}
