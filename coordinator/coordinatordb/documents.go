package coordinatordb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/private/dbutil/pgutil"
	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"

	"transcribee.dev/coordinator/coordinator/console"
)

// documentsDB implements console.Documents.
type documentsDB struct {
	db tagsql.DB
}

func (docs *documentsDB) Insert(ctx context.Context, doc *console.Document) (_ *console.Document, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted := *doc
	if inserted.ID.IsZero() {
		inserted.ID, err = uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	err = txutil.WithTx(ctx, docs.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		return insertDocument(ctx, tx, &inserted)
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &inserted, nil
}

// insertDocument writes the document row inside tx.
func insertDocument(ctx context.Context, tx tagsql.Tx, doc *console.Document) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO documents ( id, user_id, name, duration, created_at, changed_at )
		VALUES ( $1, $2, $3, $4, $5, $6 )`,
		doc.ID, doc.UserID, doc.Name, doc.Duration, doc.CreatedAt, doc.ChangedAt,
	)
	return err
}

func (docs *documentsDB) Get(ctx context.Context, id uuid.UUID) (_ *console.Document, err error) {
	defer mon.Task()(&ctx)(&err)

	doc := console.Document{ID: id}
	err = docs.db.QueryRowContext(ctx, `
		SELECT user_id, name, duration, created_at, changed_at
		FROM documents WHERE id = $1`,
		id,
	).Scan(&doc.UserID, &doc.Name, &doc.Duration, &doc.CreatedAt, &doc.ChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, console.ErrDocumentNotFound.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &doc, nil
}

func (docs *documentsDB) ListByUser(ctx context.Context, userID uuid.UUID) (_ []console.Document, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := docs.db.QueryContext(ctx, `
		SELECT id, name, duration, created_at, changed_at
		FROM documents WHERE user_id = $1
		ORDER BY changed_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []console.Document
	for rows.Next() {
		doc := console.Document{UserID: userID}
		err := rows.Scan(&doc.ID, &doc.Name, &doc.Duration, &doc.CreatedAt, &doc.ChangedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		list = append(list, doc)
	}
	return list, Error.Wrap(rows.Err())
}

func (docs *documentsDB) UpdateName(ctx context.Context, id uuid.UUID, name string, changedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := docs.db.ExecContext(ctx, `
		UPDATE documents SET name = $2, changed_at = $3 WHERE id = $1`,
		id, name, changedAt,
	)
	if err != nil {
		return Error.Wrap(err)
	}
	return docs.requireRow(result, id)
}

func (docs *documentsDB) SetDuration(ctx context.Context, id uuid.UUID, duration float64) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := docs.db.ExecContext(ctx, `
		UPDATE documents SET duration = $2 WHERE id = $1`,
		id, duration,
	)
	if err != nil {
		return Error.Wrap(err)
	}
	return docs.requireRow(result, id)
}

func (docs *documentsDB) Touch(ctx context.Context, id uuid.UUID, changedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = docs.db.ExecContext(ctx, `
		UPDATE documents SET changed_at = $2 WHERE id = $1 AND changed_at < $2`,
		id, changedAt,
	)
	return Error.Wrap(err)
}

func (docs *documentsDB) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = docs.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	return Error.Wrap(err)
}

func (docs *documentsDB) InsertMediaFile(ctx context.Context, file *console.MediaFile) (_ *console.MediaFile, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted := *file
	if inserted.ID.IsZero() {
		inserted.ID, err = uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	err = txutil.WithTx(ctx, docs.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		return insertMediaFile(ctx, tx, &inserted)
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &inserted, nil
}

// insertMediaFile writes the media file row and its tags inside tx.
func insertMediaFile(ctx context.Context, tx tagsql.Tx, file *console.MediaFile) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO document_media_files ( id, document_id, file, content_type )
		VALUES ( $1, $2, $3, $4 )`,
		file.ID, file.DocumentID, file.File, file.ContentType,
	)
	if err != nil {
		return err
	}
	for _, tag := range file.Tags {
		_, err := tx.Exec(ctx, `
			INSERT INTO document_media_tags ( media_file_id, tag ) VALUES ( $1, $2 )`,
			file.ID, tag,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (docs *documentsDB) MediaFiles(ctx context.Context, documentID uuid.UUID) (_ []console.MediaFile, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := docs.db.QueryContext(ctx, `
		SELECT id, file, content_type FROM document_media_files
		WHERE document_id = $1 ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var files []console.MediaFile
	byID := make(map[uuid.UUID]int)
	var ids []uuid.UUID
	for rows.Next() {
		file := console.MediaFile{DocumentID: documentID, Tags: []string{}}
		err := rows.Scan(&file.ID, &file.File, &file.ContentType)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		byID[file.ID] = len(files)
		ids = append(ids, file.ID)
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	if len(files) == 0 {
		return files, nil
	}

	tagRows, err := docs.db.QueryContext(ctx, `
		SELECT media_file_id, tag FROM document_media_tags
		WHERE media_file_id = ANY($1) ORDER BY tag`,
		pgutil.UUIDArray(ids),
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, tagRows.Close()) }()

	for tagRows.Next() {
		var fileID uuid.UUID
		var tag string
		if err := tagRows.Scan(&fileID, &tag); err != nil {
			return nil, Error.Wrap(err)
		}
		if index, ok := byID[fileID]; ok {
			files[index].Tags = append(files[index].Tags, tag)
		}
	}
	return files, Error.Wrap(tagRows.Err())
}

func (docs *documentsDB) InsertShareToken(ctx context.Context, token *console.ShareToken) (_ *console.ShareToken, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted := *token
	inserted.ID, err = uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	_, err = docs.db.ExecContext(ctx, `
		INSERT INTO document_share_tokens ( id, document_id, name, token, valid_until, can_write )
		VALUES ( $1, $2, $3, $4, $5, $6 )`,
		inserted.ID, inserted.DocumentID, inserted.Name, inserted.Token,
		inserted.ValidUntil, inserted.CanWrite,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &inserted, nil
}

func (docs *documentsDB) ShareTokens(ctx context.Context, documentID uuid.UUID) (_ []console.ShareToken, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := docs.db.QueryContext(ctx, `
		SELECT id, name, token, valid_until, can_write
		FROM document_share_tokens WHERE document_id = $1
		ORDER BY valid_until DESC NULLS FIRST, id`,
		documentID,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var tokens []console.ShareToken
	for rows.Next() {
		token := console.ShareToken{DocumentID: documentID}
		err := rows.Scan(&token.ID, &token.Name, &token.Token, &token.ValidUntil, &token.CanWrite)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		tokens = append(tokens, token)
	}
	return tokens, Error.Wrap(rows.Err())
}

func (docs *documentsDB) DeleteShareToken(ctx context.Context, documentID, tokenID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := docs.db.ExecContext(ctx, `
		DELETE FROM document_share_tokens WHERE id = $1 AND document_id = $2`,
		tokenID, documentID,
	)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return console.ErrShareTokenNotFound.New("%s", tokenID)
	}
	return nil
}

func (docs *documentsDB) requireRow(result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return console.ErrDocumentNotFound.New("%s", id)
	}
	return nil
}
