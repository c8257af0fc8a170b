package coordinatordb

import (
	"context"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/private/tagsql"

	"transcribee.dev/coordinator/coordinator/docsync"
)

// updatesDB implements docsync.Updates.
type updatesDB struct {
	db tagsql.DB
}

func (updates *updatesDB) Insert(ctx context.Context, documentID uuid.UUID, change []byte) (_ *docsync.Update, err error) {
	defer mon.Task()(&ctx)(&err)

	update := docsync.Update{DocumentID: documentID, Change: change}
	err = updates.db.QueryRowContext(ctx, `
		INSERT INTO document_updates ( document_id, change )
		VALUES ( $1, $2 ) RETURNING id`,
		documentID, change,
	).Scan(&update.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &update, nil
}

func (updates *updatesDB) ListByDocument(ctx context.Context, documentID uuid.UUID) (_ []docsync.Update, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := updates.db.QueryContext(ctx, `
		SELECT id, change FROM document_updates
		WHERE document_id = $1 ORDER BY id`,
		documentID,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []docsync.Update
	for rows.Next() {
		update := docsync.Update{DocumentID: documentID}
		if err := rows.Scan(&update.ID, &update.Change); err != nil {
			return nil, Error.Wrap(err)
		}
		list = append(list, update)
	}
	return list, Error.Wrap(rows.Err())
}
