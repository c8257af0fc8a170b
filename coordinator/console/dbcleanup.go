package console

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// DBCleanupChore deletes expired login tokens.
//
// architecture: Chore
type DBCleanupChore struct {
	log  *zap.Logger
	db   DB
	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewDBCleanupChore instantiates DBCleanupChore with an hourly sweep.
func NewDBCleanupChore(log *zap.Logger, db DB) *DBCleanupChore {
	return &DBCleanupChore{
		log:   log,
		db:    db,
		Loop:  sync2.NewCycle(time.Hour),
		nowFn: time.Now,
	}
}

// Run starts the chore.
func (chore *DBCleanupChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, chore.RunOnce)
}

// RunOnce performs a single sweep.
func (chore *DBCleanupChore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	count, err := chore.db.Users().DeleteExpiredTokens(ctx, chore.nowFn())
	if err != nil {
		chore.log.Error("deleting expired tokens", zap.Error(err))
		return nil
	}
	if count > 0 {
		chore.log.Info("deleted expired tokens", zap.Int64("count", count))
	}
	return nil
}

// Close closes the chore.
func (chore *DBCleanupChore) Close() error {
	chore.Loop.Close()
	return nil
}
