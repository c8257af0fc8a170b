package coordinatordb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/private/tagsql"

	"transcribee.dev/coordinator/coordinator/workers"
)

// workersDB implements workers.DB.
type workersDB struct {
	db tagsql.DB
}

func (w *workersDB) Insert(ctx context.Context, worker *workers.Worker) (_ *workers.Worker, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted := *worker
	inserted.ID, err = uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	_, err = w.db.ExecContext(ctx, `
		INSERT INTO workers ( id, name, token ) VALUES ( $1, $2, $3 )`,
		inserted.ID, inserted.Name, inserted.Token,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &inserted, nil
}

func (w *workersDB) GetByToken(ctx context.Context, token string) (_ *workers.Worker, err error) {
	defer mon.Task()(&ctx)(&err)

	var worker workers.Worker
	err = w.db.QueryRowContext(ctx, `
		SELECT id, name, token, last_seen, deactivated_at
		FROM workers WHERE token = $1`,
		token,
	).Scan(&worker.ID, &worker.Name, &worker.Token, &worker.LastSeen, &worker.DeactivatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &worker, nil
}

func (w *workersDB) Deactivate(ctx context.Context, id uuid.UUID, now time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := w.db.ExecContext(ctx, `
		UPDATE workers SET deactivated_at = $2 WHERE id = $1 AND deactivated_at IS NULL`,
		id, now,
	)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return workers.ErrNotFound.New("%s", id)
	}
	return nil
}

func (w *workersDB) TouchLastSeen(ctx context.Context, id uuid.UUID, now time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = w.db.ExecContext(ctx, `
		UPDATE workers SET last_seen = $2 WHERE id = $1`,
		id, now,
	)
	return Error.Wrap(err)
}

// apiTokensDB implements workers.ApiTokens.
type apiTokensDB struct {
	db tagsql.DB
}

func (tokens *apiTokensDB) Insert(ctx context.Context, token *workers.ApiToken) (_ *workers.ApiToken, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted := *token
	inserted.ID, err = uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	_, err = tokens.db.ExecContext(ctx, `
		INSERT INTO api_tokens ( id, name, token ) VALUES ( $1, $2, $3 )`,
		inserted.ID, inserted.Name, inserted.Token,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &inserted, nil
}

func (tokens *apiTokensDB) List(ctx context.Context) (_ []workers.ApiToken, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := tokens.db.QueryContext(ctx, `SELECT id, name, token FROM api_tokens`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []workers.ApiToken
	for rows.Next() {
		var token workers.ApiToken
		if err := rows.Scan(&token.ID, &token.Name, &token.Token); err != nil {
			return nil, Error.Wrap(err)
		}
		list = append(list, token)
	}
	return list, Error.Wrap(rows.Err())
}
