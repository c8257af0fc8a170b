package console

import (
	"context"
	"time"

	"storj.io/common/uuid"
)

// Users exposes methods to manage the users and user_tokens tables.
//
// architecture: Database
type Users interface {
	// Get queries a user by id.
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	// GetByUsername queries a user by its unique username.
	GetByUsername(ctx context.Context, username string) (*User, error)
	// Insert inserts a new user. It fails with ErrUsernameTaken when the
	// username is already in use.
	Insert(ctx context.Context, user *User) (*User, error)
	// UpdatePassword replaces the stored password hash and salt.
	UpdatePassword(ctx context.Context, id uuid.UUID, salt, hash []byte) error

	// InsertToken stores a new login token.
	InsertToken(ctx context.Context, token *UserToken) (*UserToken, error)
	// TokensByUser returns all live tokens of a user.
	TokensByUser(ctx context.Context, userID uuid.UUID) ([]UserToken, error)
	// DeleteToken deletes a single token, logging the session out.
	DeleteToken(ctx context.Context, id uuid.UUID) error
	// DeleteTokensByUser deletes all tokens of a user.
	DeleteTokensByUser(ctx context.Context, userID uuid.UUID) error
	// DeleteExpiredTokens deletes tokens whose validity ended before now.
	DeleteExpiredTokens(ctx context.Context, now time.Time) (count int64, err error)
}

// User is a database object that describes a registered account.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`

	PasswordHash []byte `json:"-"`
	PasswordSalt []byte `json:"-"`
}

// UserToken is a login session. The token secret is stored hashed; the
// cleartext exists only inside the wire token handed to the client.
type UserToken struct {
	ID     uuid.UUID
	UserID uuid.UUID

	TokenHash []byte
	TokenSalt []byte

	ValidUntil time.Time
}

// CreateUser holds the info for account creation requests.
type CreateUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChangePassword holds the info for password change requests.
type ChangePassword struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}
