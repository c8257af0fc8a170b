// Package workers tracks the registered compute workers and their liveness.
package workers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
)

var (
	mon = monkit.Package()

	// Error is the default workers errs class.
	Error = errs.Class("workers")
	// ErrNotFound is returned when a worker id is unknown.
	ErrNotFound = errs.Class("worker not found")
)

// DB exposes methods to manage the workers table.
//
// architecture: Database
type DB interface {
	// Insert inserts a new worker.
	Insert(ctx context.Context, worker *Worker) (*Worker, error)
	// GetByToken queries a worker by its secret token.
	GetByToken(ctx context.Context, token string) (*Worker, error)
	// Deactivate sets deactivated_at. A deactivated worker can no longer
	// authenticate. It fails with ErrNotFound for unknown ids.
	Deactivate(ctx context.Context, id uuid.UUID, now time.Time) error
	// TouchLastSeen records worker activity.
	TouchLastSeen(ctx context.Context, id uuid.UUID, now time.Time) error
}

// ApiTokens exposes the out-of-band admin bearers used for worker
// management. Tokens are provisioned directly in the database.
//
// architecture: Database
type ApiTokens interface {
	// Insert stores a new admin token.
	Insert(ctx context.Context, token *ApiToken) (*ApiToken, error)
	// List returns all admin tokens.
	List(ctx context.Context) ([]ApiToken, error)
}

// ApiToken is an admin bearer allowed to manage the worker pool.
type ApiToken struct {
	ID    uuid.UUID
	Name  string
	Token string
}

// Worker is a stateless compute node that leases tasks.
type Worker struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`

	// Token is the worker's bearer secret. It is only compared server side,
	// so it is stored in cleartext.
	Token string `json:"token"`

	LastSeen      *time.Time `json:"last_seen"`
	DeactivatedAt *time.Time `json:"deactivated_at"`
}

// Deactivated reports whether the worker has been taken out of rotation.
func (worker *Worker) Deactivated() bool {
	return worker.DeactivatedAt != nil
}

// Service manages the worker pool.
//
// architecture: Service
type Service struct {
	log *zap.Logger
	db  DB
}

// NewService creates a new worker service.
func NewService(log *zap.Logger, db DB) *Service {
	return &Service{log: log, db: db}
}

// NewToken generates a fresh random bearer token.
func NewToken() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", Error.Wrap(err)
	}
	return base64.URLEncoding.EncodeToString(secret), nil
}

// Create registers a new worker with a fresh random token.
func (service *Service) Create(ctx context.Context, name string) (_ *Worker, err error) {
	defer mon.Task()(&ctx)(&err)

	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	worker, err := service.db.Insert(ctx, &Worker{
		Name:  name,
		Token: token,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	service.log.Info("worker created",
		zap.Stringer("id", worker.ID), zap.String("name", worker.Name))
	return worker, nil
}

// Deactivate takes a worker out of rotation.
func (service *Service) Deactivate(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Deactivate(ctx, id, time.Now())
}
