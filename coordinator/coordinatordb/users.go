package coordinatordb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/private/dbutil/pgutil/pgerrcode"
	"storj.io/private/tagsql"

	"transcribee.dev/coordinator/coordinator/console"
)

// usersDB implements console.Users.
type usersDB struct {
	db tagsql.DB
}

func (users *usersDB) Get(ctx context.Context, id uuid.UUID) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	user := console.User{ID: id}
	err = users.db.QueryRowContext(ctx, `
		SELECT username, password_hash, password_salt FROM users WHERE id = $1`,
		id,
	).Scan(&user.Username, &user.PasswordHash, &user.PasswordSalt)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &user, nil
}

func (users *usersDB) GetByUsername(ctx context.Context, username string) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	user := console.User{Username: username}
	err = users.db.QueryRowContext(ctx, `
		SELECT id, password_hash, password_salt FROM users WHERE username = $1`,
		username,
	).Scan(&user.ID, &user.PasswordHash, &user.PasswordSalt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &user, nil
}

func (users *usersDB) Insert(ctx context.Context, user *console.User) (_ *console.User, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted := *user
	inserted.ID, err = uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	_, err = users.db.ExecContext(ctx, `
		INSERT INTO users ( id, username, password_hash, password_salt )
		VALUES ( $1, $2, $3, $4 )`,
		inserted.ID, inserted.Username, inserted.PasswordHash, inserted.PasswordSalt,
	)
	if err != nil {
		if pgerrcode.IsConstraintViolation(err) {
			return nil, console.ErrUsernameTaken.New("%s", inserted.Username)
		}
		return nil, Error.Wrap(err)
	}
	return &inserted, nil
}

func (users *usersDB) UpdatePassword(ctx context.Context, id uuid.UUID, salt, hash []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = users.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, password_salt = $3 WHERE id = $1`,
		id, hash, salt,
	)
	return Error.Wrap(err)
}

func (users *usersDB) InsertToken(ctx context.Context, token *console.UserToken) (_ *console.UserToken, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted := *token
	inserted.ID, err = uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	_, err = users.db.ExecContext(ctx, `
		INSERT INTO user_tokens ( id, user_id, token_hash, token_salt, valid_until )
		VALUES ( $1, $2, $3, $4, $5 )`,
		inserted.ID, inserted.UserID, inserted.TokenHash, inserted.TokenSalt, inserted.ValidUntil,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &inserted, nil
}

func (users *usersDB) TokensByUser(ctx context.Context, userID uuid.UUID) (_ []console.UserToken, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := users.db.QueryContext(ctx, `
		SELECT id, token_hash, token_salt, valid_until
		FROM user_tokens WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var tokens []console.UserToken
	for rows.Next() {
		token := console.UserToken{UserID: userID}
		err := rows.Scan(&token.ID, &token.TokenHash, &token.TokenSalt, &token.ValidUntil)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		tokens = append(tokens, token)
	}
	return tokens, Error.Wrap(rows.Err())
}

func (users *usersDB) DeleteToken(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = users.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE id = $1`, id)
	return Error.Wrap(err)
}

func (users *usersDB) DeleteTokensByUser(ctx context.Context, userID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = users.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = $1`, userID)
	return Error.Wrap(err)
}

func (users *usersDB) DeleteExpiredTokens(ctx context.Context, now time.Time) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := users.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE valid_until < $1`, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count, err = result.RowsAffected()
	return count, Error.Wrap(err)
}
