package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// TimeoutChore reclaims tasks whose worker went silent: any attempt without a
// keepalive for longer than the worker timeout is failed, requeueing the task
// while it has attempts left.
//
// architecture: Chore
type TimeoutChore struct {
	log    *zap.Logger
	db     DB
	config Config
	Loop   *sync2.Cycle

	nowFn func() time.Time
}

// NewTimeoutChore instantiates TimeoutChore. The sweep interval stays at or
// below the worker timeout so a lapsed lease is never missed for long.
func NewTimeoutChore(log *zap.Logger, db DB, config Config) *TimeoutChore {
	interval := 30 * time.Second
	if config.WorkerTimeout < interval {
		interval = config.WorkerTimeout
	}
	return &TimeoutChore{
		log:    log,
		db:     db,
		config: config,
		Loop:   sync2.NewCycle(interval),
		nowFn:  time.Now,
	}
}

// Run starts the chore.
func (chore *TimeoutChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, chore.RunOnce)
}

// RunOnce performs a single sweep.
func (chore *TimeoutChore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := chore.nowFn()
	failed, err := chore.db.FailTimedOut(ctx, now.Add(-chore.config.WorkerTimeout), now)
	if err != nil {
		chore.log.Error("failing timed out tasks", zap.Error(err))
		return nil
	}
	if len(failed) > 0 {
		mon.Counter("tasks_timed_out").Inc(int64(len(failed)))
		chore.log.Info("reclaimed timed out tasks", zap.Int("count", len(failed)),
			zap.Stringers("tasks", failed))
	}
	return nil
}

// Close closes the chore.
func (chore *TimeoutChore) Close() error {
	chore.Loop.Close()
	return nil
}
