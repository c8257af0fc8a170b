// Package console implements accounts, documents and the layered
// authorization model deciding what a caller may do with a document.
package console

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"transcribee.dev/coordinator/coordinator/auth"
	"transcribee.dev/coordinator/coordinator/tasks"
	"transcribee.dev/coordinator/coordinator/workers"
)

var (
	mon = monkit.Package()

	// Error is the default console errs class.
	Error = errs.Class("console")
	// ErrValidation is returned for request bodies that fail validation.
	ErrValidation = errs.Class("validation")
	// ErrUsernameTaken is returned when the requested username exists.
	ErrUsernameTaken = errs.Class("username already exists")
	// ErrLoginCredentials is returned for a wrong username or password.
	ErrLoginCredentials = errs.Class("login credentials")
	// ErrDocumentNotFound is returned when a document id is unknown.
	ErrDocumentNotFound = errs.Class("document not found")
	// ErrShareTokenNotFound is returned when a share token id is unknown.
	ErrShareTokenNotFound = errs.Class("share token not found")
)

const minPasswordLength = 6

// DB groups the console database tables.
//
// architecture: Master Database
type DB interface {
	// Users returns the users and tokens table.
	Users() Users
	// Documents returns the documents table and its owned rows.
	Documents() Documents

	// CreateDocumentTree atomically inserts a document together with its
	// original media file and initial tasks. All ids must already be
	// assigned.
	CreateDocumentTree(ctx context.Context, doc *Document, media *MediaFile, taskList []tasks.Task) error
}

// Config holds console tuning knobs.
type Config struct {
	// TokenValidity is how long a login token stays usable.
	TokenValidity time.Duration `help:"how long login tokens stay valid" default:"168h"`
}

// DefaultConfig mirrors the documented defaults.
var DefaultConfig = Config{
	TokenValidity: 7 * 24 * time.Hour,
}

// Blobs is the subset of the media store the console needs for cascading
// document deletion.
type Blobs interface {
	Delete(ctx context.Context, file string) error
}

// Service implements account, document and authorization logic.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	store  DB
	work   workers.DB
	tasks  tasks.DB
	blobs  Blobs
	config Config

	nowFn func() time.Time
}

// NewService creates a new console service.
func NewService(log *zap.Logger, store DB, work workers.DB, taskdb tasks.DB, blobs Blobs, config Config) *Service {
	if config.TokenValidity <= 0 {
		config.TokenValidity = DefaultConfig.TokenValidity
	}
	return &Service{
		log:    log,
		store:  store,
		work:   work,
		tasks:  taskdb,
		blobs:  blobs,
		config: config,
		nowFn:  time.Now,
	}
}

// TestSetNow overrides the time source.
func (s *Service) TestSetNow(nowFn func() time.Time) { s.nowFn = nowFn }

// CreateUser registers a new account.
func (s *Service) CreateUser(ctx context.Context, req CreateUser) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Username == "" {
		return nil, ErrValidation.New("username must not be empty")
	}
	if len(req.Password) < minPasswordLength {
		return nil, ErrValidation.New("password must be at least %d characters", minPasswordLength)
	}

	salt, hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	user, err := s.store.Users().Insert(ctx, &User{
		Username:     req.Username,
		PasswordHash: hash,
		PasswordSalt: salt,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("user created", zap.String("username", user.Username))
	return user, nil
}

// Login verifies the credentials and mints a login token.
func (s *Service) Login(ctx context.Context, username, password string) (wireToken string, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := s.store.Users().GetByUsername(ctx, username)
	if err != nil || user == nil {
		return "", ErrLoginCredentials.New("unknown user")
	}
	if !auth.VerifyPassword(user.PasswordSalt, user.PasswordHash, password) {
		return "", ErrLoginCredentials.New("wrong password")
	}

	secret, err := auth.NewUserTokenSecret()
	if err != nil {
		return "", Error.Wrap(err)
	}
	_, err = s.store.Users().InsertToken(ctx, &UserToken{
		UserID:     user.ID,
		TokenHash:  secret.Hash,
		TokenSalt:  secret.Salt,
		ValidUntil: s.nowFn().Add(s.config.TokenValidity),
	})
	if err != nil {
		return "", Error.Wrap(err)
	}
	return secret.WireToken(user.ID), nil
}

// Logout deletes the presented login token.
func (s *Service) Logout(ctx context.Context, token *UserToken) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(s.store.Users().DeleteToken(ctx, token.ID))
}

// ChangePassword replaces the user's password and invalidates every login
// token of the account.
func (s *Service) ChangePassword(ctx context.Context, user *User, req ChangePassword) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !auth.VerifyPassword(user.PasswordSalt, user.PasswordHash, req.OldPassword) {
		return ErrLoginCredentials.New("wrong password")
	}
	if len(req.NewPassword) < minPasswordLength {
		return ErrValidation.New("password must be at least %d characters", minPasswordLength)
	}

	salt, hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s.store.Users().UpdatePassword(ctx, user.ID, salt, hash); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(s.store.Users().DeleteTokensByUser(ctx, user.ID))
}

// AuthenticateUser resolves an Authorization header of the Token scheme into
// the user and the token row it belongs to.
func (s *Service) AuthenticateUser(ctx context.Context, header string) (_ *User, _ *UserToken, err error) {
	defer mon.Task()(&ctx)(&err)

	scheme, value, err := auth.ParseAuthorization(header)
	if err != nil {
		return nil, nil, err
	}
	if scheme != auth.SchemeToken {
		return nil, nil, auth.ErrUnauthorized.New("unexpected scheme %q", scheme)
	}
	userID, secret, err := auth.ParseUserToken(value)
	if err != nil {
		return nil, nil, err
	}

	tokens, err := s.store.Users().TokensByUser(ctx, userID)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	now := s.nowFn()
	for i := range tokens {
		token := &tokens[i]
		if token.ValidUntil.Before(now) {
			continue
		}
		if auth.VerifyUserTokenSecret(token.TokenSalt, token.TokenHash, secret) {
			user, err := s.store.Users().Get(ctx, userID)
			if err != nil {
				return nil, nil, Error.Wrap(err)
			}
			return user, token, nil
		}
	}
	return nil, nil, auth.ErrUnauthorized.New("unknown token")
}

// AuthenticateWorker resolves an Authorization header of the Worker scheme.
// Deactivated workers cannot authenticate. Worker activity updates last_seen.
func (s *Service) AuthenticateWorker(ctx context.Context, header string) (_ *workers.Worker, err error) {
	defer mon.Task()(&ctx)(&err)

	scheme, value, err := auth.ParseAuthorization(header)
	if err != nil {
		return nil, err
	}
	if scheme != auth.SchemeWorker {
		return nil, auth.ErrUnauthorized.New("unexpected scheme %q", scheme)
	}
	worker, err := s.work.GetByToken(ctx, value)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if worker == nil || worker.Deactivated() {
		return nil, auth.ErrUnauthorized.New("unknown worker")
	}
	if err := s.work.TouchLastSeen(ctx, worker.ID, s.nowFn()); err != nil {
		return nil, Error.Wrap(err)
	}
	return worker, nil
}
