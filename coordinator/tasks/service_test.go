package tasks_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"transcribee.dev/coordinator/coordinator/tasks"
)

// queueDB is an in-memory tasks.DB mirroring the SQL implementation's claim,
// keepalive and finish semantics, including the holder checks.
type queueDB struct {
	mu       sync.Mutex
	order    []uuid.UUID
	tasks    map[uuid.UUID]*tasks.Task
	attempts map[uuid.UUID]*tasks.Attempt
}

func newQueueDB() *queueDB {
	return &queueDB{
		tasks:    map[uuid.UUID]*tasks.Task{},
		attempts: map[uuid.UUID]*tasks.Attempt{},
	}
}

func (q *queueDB) Insert(ctx context.Context, task *tasks.Task) (*tasks.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	inserted := *task
	q.tasks[inserted.ID] = &inserted
	q.order = append(q.order, inserted.ID)
	returned := inserted
	return &returned, nil
}

func (q *queueDB) Get(ctx context.Context, id uuid.UUID) (*tasks.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.get(id)
}

func (q *queueDB) get(id uuid.UUID) (*tasks.Task, error) {
	task, ok := q.tasks[id]
	if !ok {
		return nil, tasks.ErrNotFound.New("%s", id)
	}
	returned := *task
	if returned.CurrentAttemptID != nil {
		attempt := *q.attempts[*returned.CurrentAttemptID]
		returned.CurrentAttempt = &attempt
	}
	return &returned, nil
}

func (q *queueDB) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]tasks.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var list []tasks.Task
	for _, id := range q.order {
		if q.tasks[id].DocumentID != documentID {
			continue
		}
		task, err := q.get(id)
		if err != nil {
			return nil, err
		}
		list = append(list, *task)
	}
	return list, nil
}

func (q *queueDB) ListByUser(ctx context.Context, userID uuid.UUID) ([]tasks.Task, error) {
	// document ownership is outside this fake's scope
	return nil, nil
}

func (q *queueDB) ClaimReady(ctx context.Context, workerID uuid.UUID, types []tasks.Type, now time.Time) (*tasks.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := map[tasks.Type]bool{}
	for _, taskType := range types {
		wanted[taskType] = true
	}
	for _, id := range q.order {
		task := q.tasks[id]
		if task.State != tasks.StateNew || !wanted[task.Type] || !q.ready(task) {
			continue
		}

		holder := workerID
		attempt := &tasks.Attempt{
			ID:               testrand.UUID(),
			TaskID:           task.ID,
			AssignedWorkerID: &holder,
			AttemptNumber:    task.AttemptCounter + 1,
			StartedAt:        now,
			LastKeepalive:    now,
		}
		q.attempts[attempt.ID] = attempt

		task.State = tasks.StateAssigned
		task.StateChangedAt = now
		task.AttemptCounter++
		task.RemainingAttempts--
		attemptID := attempt.ID
		task.CurrentAttemptID = &attemptID
		return q.get(task.ID)
	}
	return nil, nil
}

func (q *queueDB) ready(task *tasks.Task) bool {
	for _, dep := range task.Dependencies {
		if q.tasks[dep] == nil || q.tasks[dep].State != tasks.StateCompleted {
			return false
		}
	}
	return true
}

func (q *queueDB) heldAttempt(taskID, workerID uuid.UUID) (*tasks.Attempt, error) {
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, tasks.ErrNotFound.New("%s", taskID)
	}
	if task.CurrentAttemptID == nil {
		return nil, tasks.ErrNoCurrentAttempt.New("task %s", taskID)
	}
	attempt := q.attempts[*task.CurrentAttemptID]
	if attempt.AssignedWorkerID == nil || *attempt.AssignedWorkerID != workerID {
		return nil, tasks.ErrNotAttemptHolder.New("task %s, worker %s", taskID, workerID)
	}
	return attempt, nil
}

func (q *queueDB) Keepalive(ctx context.Context, taskID, workerID uuid.UUID, now time.Time, progress *float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	attempt, err := q.heldAttempt(taskID, workerID)
	if err != nil {
		return err
	}
	attempt.LastKeepalive = now
	if progress != nil {
		value := *progress
		attempt.Progress = &value
	}
	return nil
}

func (q *queueDB) FinishCurrentAttempt(ctx context.Context, taskID, workerID uuid.UUID, now time.Time, extraData json.RawMessage, successful bool) (*tasks.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	attempt, err := q.heldAttempt(taskID, workerID)
	if err != nil {
		return nil, err
	}
	ended := now
	attempt.EndedAt = &ended
	attempt.LastKeepalive = now
	if len(extraData) > 0 {
		attempt.ExtraData = extraData
	}

	task := q.tasks[taskID]
	task.State = tasks.NextState(successful, task.RemainingAttempts)
	task.StateChangedAt = now
	task.CurrentAttemptID = nil
	return q.get(taskID)
}

func (q *queueDB) FailTimedOut(ctx context.Context, cutoff, now time.Time) (failed []uuid.UUID, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		task := q.tasks[id]
		if task.State != tasks.StateAssigned || task.CurrentAttemptID == nil {
			continue
		}
		attempt := q.attempts[*task.CurrentAttemptID]
		if !attempt.LastKeepalive.Before(cutoff) {
			continue
		}
		ended := now
		attempt.EndedAt = &ended
		attempt.LastKeepalive = now
		task.State = tasks.NextState(false, task.RemainingAttempts)
		task.StateChangedAt = now
		task.CurrentAttemptID = nil
		failed = append(failed, id)
	}
	return failed, nil
}

func (q *queueDB) HoldsAttemptOn(ctx context.Context, workerID, documentID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		task := q.tasks[id]
		if task.DocumentID != documentID || task.State != tasks.StateAssigned || task.CurrentAttemptID == nil {
			continue
		}
		attempt := q.attempts[*task.CurrentAttemptID]
		if attempt.AssignedWorkerID != nil && *attempt.AssignedWorkerID == workerID {
			return true, nil
		}
	}
	return false, nil
}

func (q *queueDB) HeldTask(ctx context.Context, documentID, workerID uuid.UUID, taskType tasks.Type) (*tasks.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		task := q.tasks[id]
		if task.DocumentID != documentID || task.Type != taskType || task.State != tasks.StateAssigned || task.CurrentAttemptID == nil {
			continue
		}
		attempt := q.attempts[*task.CurrentAttemptID]
		if attempt.AssignedWorkerID != nil && *attempt.AssignedWorkerID == workerID {
			return q.get(id)
		}
	}
	return nil, tasks.ErrNotFound.New("no held %s task on document %s", taskType, documentID)
}

func newQueueService(t *testing.T, config tasks.Config) (*tasks.Service, *queueDB) {
	db := newQueueDB()
	return tasks.NewService(zaptest.NewLogger(t), db, config), db
}

func TestClaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	service, _ := newQueueService(t, tasks.Config{})
	documentID := testrand.UUID()

	created, err := service.Create(ctx, documentID, tasks.TypeReencode, nil, nil)
	require.NoError(t, err)

	first, err := service.Claim(ctx, testrand.UUID(), []tasks.Type{tasks.TypeReencode})
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, created.ID, first.ID)
	require.Equal(t, tasks.StateAssigned, first.State)

	// the task is leased, a second claimer goes home empty
	second, err := service.Claim(ctx, testrand.UUID(), []tasks.Type{tasks.TypeReencode})
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestClaimRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	service, db := newQueueService(t, tasks.Config{})
	documentID := testrand.UUID()
	worker := testrand.UUID()

	chain, err := service.DefaultChain(documentID, "base", "en", nil)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, tasks.TypeReencode, chain[0].Type)
	require.Equal(t, tasks.TypeTranscribe, chain[1].Type)
	require.Equal(t, tasks.TypeIdentifySpeakers, chain[2].Type)
	require.Equal(t, []uuid.UUID{chain[0].ID}, chain[1].Dependencies)
	require.Equal(t, []uuid.UUID{chain[1].ID}, chain[2].Dependencies)
	for i := range chain {
		_, err := db.Insert(ctx, &chain[i])
		require.NoError(t, err)
	}

	blocked, err := service.Claim(ctx, worker, []tasks.Type{tasks.TypeTranscribe})
	require.NoError(t, err)
	require.Nil(t, blocked)

	reencode, err := service.Claim(ctx, worker, []tasks.Type{tasks.TypeReencode})
	require.NoError(t, err)
	require.NotNil(t, reencode)
	require.NoError(t, service.MarkCompleted(ctx, reencode.ID, worker, nil))

	transcribe, err := service.Claim(ctx, worker, []tasks.Type{tasks.TypeTranscribe})
	require.NoError(t, err)
	require.NotNil(t, transcribe)
	require.Equal(t, chain[1].ID, transcribe.ID)
}

func TestDefaultChainSkipsDiarization(t *testing.T) {
	service, _ := newQueueService(t, tasks.Config{})

	one := 1
	chain, err := service.DefaultChain(testrand.UUID(), "base", "en", &one)
	require.NoError(t, err)
	require.Len(t, chain, 2)

	two := 2
	chain, err = service.DefaultChain(testrand.UUID(), "base", "en", &two)
	require.NoError(t, err)
	require.Len(t, chain, 3)
}

func TestRetryAccounting(t *testing.T) {
	ctx := context.Background()
	service, db := newQueueService(t, tasks.Config{AttemptLimit: 2})
	worker := testrand.UUID()

	created, err := service.Create(ctx, testrand.UUID(), tasks.TypeExport, nil, nil)
	require.NoError(t, err)

	first, err := service.Claim(ctx, worker, []tasks.Type{tasks.TypeExport})
	require.NoError(t, err)
	require.Equal(t, 1, first.AttemptCounter)
	require.Equal(t, 1, first.RemainingAttempts)
	require.NoError(t, service.MarkFailed(ctx, created.ID, worker, nil))

	requeued, err := db.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StateNew, requeued.State)

	second, err := service.Claim(ctx, worker, []tasks.Type{tasks.TypeExport})
	require.NoError(t, err)
	require.Equal(t, 2, second.AttemptCounter)
	require.Equal(t, 0, second.RemainingAttempts)
	require.NoError(t, service.MarkFailed(ctx, created.ID, worker, nil))

	// the attempt budget is exhausted, the failure is terminal
	failed, err := db.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StateFailed, failed.State)
	require.Equal(t, 2, failed.AttemptCounter)

	third, err := service.Claim(ctx, worker, []tasks.Type{tasks.TypeExport})
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestTimeoutRequeueAndStaleWorker(t *testing.T) {
	ctx := context.Background()
	config := tasks.Config{AttemptLimit: 3, WorkerTimeout: time.Minute}
	service, db := newQueueService(t, config)
	staleWorker := testrand.UUID()

	created, err := service.Create(ctx, testrand.UUID(), tasks.TypeTranscribe, nil, nil)
	require.NoError(t, err)

	// lease an attempt whose keepalive is already an hour stale
	past := time.Now().Add(-time.Hour)
	service.TestSetNow(func() time.Time { return past })
	claimed, err := service.Claim(ctx, staleWorker, []tasks.Type{tasks.TypeTranscribe})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	service.TestSetNow(time.Now)

	chore := tasks.NewTimeoutChore(zaptest.NewLogger(t), db, config)
	require.NoError(t, chore.RunOnce(ctx))

	// the sweep requeues without consuming the retry budget
	requeued, err := db.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StateNew, requeued.State)
	require.Equal(t, 2, requeued.RemainingAttempts)

	nextWorker := testrand.UUID()
	reclaimed, err := service.Claim(ctx, nextWorker, []tasks.Type{tasks.TypeTranscribe})
	require.NoError(t, err)
	require.NotNil(t, reclaimed)

	// the stale worker cannot act on the successor's attempt
	err = service.Keepalive(ctx, created.ID, staleWorker, nil)
	require.True(t, tasks.ErrNotAttemptHolder.Has(err))
	err = service.MarkCompleted(ctx, created.ID, staleWorker, nil)
	require.True(t, tasks.ErrNotAttemptHolder.Has(err))

	require.NoError(t, service.MarkCompleted(ctx, created.ID, nextWorker, []byte(`{"ok":true}`)))
	completed, err := db.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.StateCompleted, completed.State)
}

func TestKeepaliveProgressBounds(t *testing.T) {
	ctx := context.Background()
	service, db := newQueueService(t, tasks.Config{})
	worker := testrand.UUID()

	created, err := service.Create(ctx, testrand.UUID(), tasks.TypeAlign, nil, nil)
	require.NoError(t, err)
	claimed, err := service.Claim(ctx, worker, []tasks.Type{tasks.TypeAlign})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	over := 1.5
	err = service.Keepalive(ctx, created.ID, worker, &over)
	require.True(t, tasks.ErrInvalidProgress.Has(err))
	negative := -0.1
	err = service.Keepalive(ctx, created.ID, worker, &negative)
	require.True(t, tasks.ErrInvalidProgress.Has(err))

	half := 0.5
	require.NoError(t, service.Keepalive(ctx, created.ID, worker, &half))

	got, err := db.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentAttempt)
	require.NotNil(t, got.CurrentAttempt.Progress)
	require.Equal(t, 0.5, *got.CurrentAttempt.Progress)
}
