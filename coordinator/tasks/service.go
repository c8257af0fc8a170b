package tasks

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"storj.io/common/uuid"
)

// Config holds the task queue tuning knobs.
type Config struct {
	// WorkerTimeout is how long an attempt may stay silent before the
	// timeout chore reclaims it.
	WorkerTimeout time.Duration `help:"how long a task attempt may go without keepalives" default:"1m"`
	// AttemptLimit is the number of attempts a task gets before it fails
	// terminally.
	AttemptLimit int `help:"attempts a task gets before failing terminally" default:"5"`
	// ExportTimeout bounds how long an export waiter blocks for a worker
	// result.
	ExportTimeout time.Duration `help:"how long an export request waits for a worker result" default:"10m"`
}

// DefaultConfig mirrors the documented environment defaults.
var DefaultConfig = Config{
	WorkerTimeout: time.Minute,
	AttemptLimit:  5,
	ExportTimeout: 10 * time.Minute,
}

// Service implements the task lifecycle on top of the task store.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	config Config

	nowFn func() time.Time
}

// NewService creates a new task service.
func NewService(log *zap.Logger, db DB, config Config) *Service {
	if config.AttemptLimit <= 0 {
		config.AttemptLimit = DefaultConfig.AttemptLimit
	}
	if config.WorkerTimeout <= 0 {
		config.WorkerTimeout = DefaultConfig.WorkerTimeout
	}
	if config.ExportTimeout <= 0 {
		config.ExportTimeout = DefaultConfig.ExportTimeout
	}
	return &Service{
		log:    log,
		db:     db,
		config: config,
		nowFn:  time.Now,
	}
}

// TestSetNow overrides the time source.
func (service *Service) TestSetNow(nowFn func() time.Time) { service.nowFn = nowFn }

// Config returns the queue configuration.
func (service *Service) Config() Config { return service.config }

// NewTask builds a task ready for insertion in state NEW, with its id
// already assigned so other tasks can depend on it before anything is
// persisted.
func (service *Service) NewTask(documentID uuid.UUID, taskType Type, parameters json.RawMessage, dependencies []uuid.UUID) (Task, error) {
	id, err := uuid.New()
	if err != nil {
		return Task{}, Error.Wrap(err)
	}
	if len(parameters) == 0 {
		parameters = json.RawMessage(`{}`)
	}
	return Task{
		ID:                id,
		DocumentID:        documentID,
		Type:              taskType,
		Parameters:        parameters,
		State:             StateNew,
		StateChangedAt:    service.nowFn(),
		RemainingAttempts: service.config.AttemptLimit,
		Dependencies:      dependencies,
	}, nil
}

// Create inserts a task in state NEW.
func (service *Service) Create(ctx context.Context, documentID uuid.UUID, taskType Type, parameters json.RawMessage, dependencies []uuid.UUID) (_ *Task, err error) {
	defer mon.Task()(&ctx)(&err)

	task, err := service.NewTask(documentID, taskType, parameters, dependencies)
	if err != nil {
		return nil, err
	}
	inserted, err := service.db.Insert(ctx, &task)
	return inserted, Error.Wrap(err)
}

// DefaultChain builds the task chain for a freshly uploaded document:
// REENCODE, then TRANSCRIBE, then IDENTIFY_SPEAKERS unless the requested
// number of speakers makes diarization pointless. The tasks are returned
// uninserted so document creation can persist everything in one transaction.
func (service *Service) DefaultChain(documentID uuid.UUID, model, language string, numberOfSpeakers *int) ([]Task, error) {
	reencode, err := service.NewTask(documentID, TypeReencode, nil, nil)
	if err != nil {
		return nil, err
	}

	transcribeParams, err := json.Marshal(TranscribeParameters{Language: language, Model: model})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	transcribe, err := service.NewTask(documentID, TypeTranscribe, transcribeParams, []uuid.UUID{reencode.ID})
	if err != nil {
		return nil, err
	}
	chain := []Task{reencode, transcribe}

	if numberOfSpeakers != nil && (*numberOfSpeakers == 0 || *numberOfSpeakers == 1) {
		return chain, nil
	}
	speakerParams, err := json.Marshal(SpeakerIdentificationParameters{NumberOfSpeakers: numberOfSpeakers})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	speakers, err := service.NewTask(documentID, TypeIdentifySpeakers, speakerParams, []uuid.UUID{transcribe.ID})
	if err != nil {
		return nil, err
	}
	return append(chain, speakers), nil
}

// ListByDocument returns all tasks of a document.
func (service *Service) ListByDocument(ctx context.Context, documentID uuid.UUID) (_ []Task, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.ListByDocument(ctx, documentID)
}

// ListByUser returns all tasks across the documents owned by a user.
func (service *Service) ListByUser(ctx context.Context, userID uuid.UUID) (_ []Task, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.ListByUser(ctx, userID)
}

// HeldTask returns the document's task of the given type iff the worker holds
// its current attempt.
func (service *Service) HeldTask(ctx context.Context, documentID, workerID uuid.UUID, taskType Type) (_ *Task, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.HeldTask(ctx, documentID, workerID, taskType)
}

// Claim leases one ready task of the requested types to the worker.
// Returns nil when nothing is ready.
func (service *Service) Claim(ctx context.Context, workerID uuid.UUID, types []Type) (_ *Task, err error) {
	defer mon.Task()(&ctx)(&err)

	task, err := service.db.ClaimReady(ctx, workerID, types, service.nowFn())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if task != nil {
		mon.Counter("task_claimed").Inc(1)
		service.log.Debug("task claimed",
			zap.Stringer("task", task.ID),
			zap.String("type", string(task.Type)),
			zap.Stringer("worker", workerID))
	}
	return task, nil
}

// Keepalive refreshes the lease of the worker's current attempt. The store
// verifies the holder under the attempt's row lock, so a worker whose lease
// lapsed and was reassigned cannot refresh the successor's attempt.
func (service *Service) Keepalive(ctx context.Context, taskID, workerID uuid.UUID, progress *float64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if progress != nil && (*progress < 0 || *progress > 1) {
		return ErrInvalidProgress.New("%v", *progress)
	}
	return Error.Wrap(service.db.Keepalive(ctx, taskID, workerID, service.nowFn(), progress))
}

// MarkCompleted ends the worker's attempt successfully; the task becomes
// terminal and dependant tasks become claimable.
func (service *Service) MarkCompleted(ctx context.Context, taskID, workerID uuid.UUID, extraData json.RawMessage) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.finish(ctx, taskID, workerID, extraData, true)
}

// MarkFailed ends the worker's attempt unsuccessfully; the task requeues
// while attempts remain and fails terminally otherwise.
func (service *Service) MarkFailed(ctx context.Context, taskID, workerID uuid.UUID, extraData json.RawMessage) (err error) {
	defer mon.Task()(&ctx)(&err)
	return service.finish(ctx, taskID, workerID, extraData, false)
}

func (service *Service) finish(ctx context.Context, taskID, workerID uuid.UUID, extraData json.RawMessage, successful bool) error {
	task, err := service.db.FinishCurrentAttempt(ctx, taskID, workerID, service.nowFn(), extraData, successful)
	if err != nil {
		return Error.Wrap(err)
	}
	service.log.Debug("attempt finished",
		zap.Stringer("task", task.ID),
		zap.Bool("successful", successful),
		zap.String("state", string(task.State)))
	return nil
}
