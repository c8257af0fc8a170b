package console

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/auth"
	"transcribee.dev/coordinator/coordinator/tasks"
)

// CreateDocument inserts a document owned by the user together with its
// original media file and initial tasks, all in one transaction so a failure
// partway through never publishes a half-created document. media and
// buildTasks may be nil.
func (s *Service) CreateDocument(ctx context.Context, userID uuid.UUID, name string, media *MediaFile, buildTasks func(documentID uuid.UUID) ([]tasks.Task, error)) (_ *Document, err error) {
	defer mon.Task()(&ctx)(&err)

	if name == "" {
		return nil, ErrValidation.New("name must not be empty")
	}
	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	now := s.nowFn()
	doc := &Document{
		ID:        id,
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		ChangedAt: now,
	}

	if media != nil {
		owned := *media
		owned.ID, err = uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		owned.DocumentID = doc.ID
		media = &owned
	}
	var taskList []tasks.Task
	if buildTasks != nil {
		taskList, err = buildTasks(doc.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateDocumentTree(ctx, doc, media, taskList); err != nil {
		return nil, Error.Wrap(err)
	}
	return doc, nil
}

// GetDocument queries a document by id.
func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (_ *Document, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.store.Documents().Get(ctx, id)
}

// ListDocuments returns the user's documents, most recently changed first.
func (s *Service) ListDocuments(ctx context.Context, userID uuid.UUID) (_ []Document, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.store.Documents().ListByUser(ctx, userID)
}

// RenameDocument sets a new document name.
func (s *Service) RenameDocument(ctx context.Context, id uuid.UUID, name string) (_ *Document, err error) {
	defer mon.Task()(&ctx)(&err)

	if name == "" {
		return nil, ErrValidation.New("name must not be empty")
	}
	if err := s.store.Documents().UpdateName(ctx, id, name, s.nowFn()); err != nil {
		return nil, Error.Wrap(err)
	}
	return s.store.Documents().Get(ctx, id)
}

// SetDocumentDuration stores the media duration reported by re-encoding.
func (s *Service) SetDocumentDuration(ctx context.Context, id uuid.UUID, duration float64) (_ *Document, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.store.Documents().SetDuration(ctx, id, duration); err != nil {
		return nil, Error.Wrap(err)
	}
	return s.store.Documents().Get(ctx, id)
}

// TouchDocument bumps changed_at, marking new content.
func (s *Service) TouchDocument(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(s.store.Documents().Touch(ctx, id, s.nowFn()))
}

// DeleteDocument deletes a document. The database rows cascade; the media
// blobs are removed best effort afterwards, the row state is authoritative.
func (s *Service) DeleteDocument(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	files, err := s.store.Documents().MediaFiles(ctx, id)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.store.Documents().Delete(ctx, id); err != nil {
		return Error.Wrap(err)
	}
	for _, file := range files {
		if err := s.blobs.Delete(ctx, file.File); err != nil {
			s.log.Warn("deleting media blob failed",
				zap.String("file", file.File), zap.Error(err))
		}
	}
	return nil
}

// AddMediaFile stores a media file descriptor with tags.
func (s *Service) AddMediaFile(ctx context.Context, documentID uuid.UUID, file, contentType string, tags []string) (_ *MediaFile, err error) {
	defer mon.Task()(&ctx)(&err)

	media, err := s.store.Documents().InsertMediaFile(ctx, &MediaFile{
		DocumentID:  documentID,
		File:        file,
		ContentType: contentType,
		Tags:        tags,
	})
	return media, Error.Wrap(err)
}

// MediaFiles returns the media descriptors of a document.
func (s *Service) MediaFiles(ctx context.Context, documentID uuid.UUID) (_ []MediaFile, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.store.Documents().MediaFiles(ctx, documentID)
}

// CreateShareToken mints a share token for the document.
func (s *Service) CreateShareToken(ctx context.Context, documentID uuid.UUID, name string, validUntil *time.Time, canWrite bool) (_ *ShareToken, err error) {
	defer mon.Task()(&ctx)(&err)

	secret, err := auth.NewShareTokenSecret()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	token, err := s.store.Documents().InsertShareToken(ctx, &ShareToken{
		DocumentID: documentID,
		Name:       name,
		Token:      secret,
		ValidUntil: validUntil,
		CanWrite:   canWrite,
	})
	return token, Error.Wrap(err)
}

// ShareTokens lists the document's share tokens.
func (s *Service) ShareTokens(ctx context.Context, documentID uuid.UUID) (_ []ShareToken, err error) {
	defer mon.Task()(&ctx)(&err)
	return s.store.Documents().ShareTokens(ctx, documentID)
}

// DeleteShareToken revokes one share token of the document.
func (s *Service) DeleteShareToken(ctx context.Context, documentID, tokenID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return s.store.Documents().DeleteShareToken(ctx, documentID, tokenID)
}
