package coordinatordb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/private/dbutil/pgutil"
	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"

	"transcribee.dev/coordinator/coordinator/tasks"
)

// tasksDB implements tasks.DB.
type tasksDB struct {
	db tagsql.DB
}

const taskColumns = `id, document_id, task_type, task_parameters, state,
	state_changed_at, attempt_counter, remaining_attempts, current_attempt_id`

func (t *tasksDB) Insert(ctx context.Context, task *tasks.Task) (_ *tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted := *task
	if inserted.ID.IsZero() {
		inserted.ID, err = uuid.New()
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	err = txutil.WithTx(ctx, t.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		return insertTask(ctx, tx, &inserted)
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &inserted, nil
}

// insertTask writes the task row and its dependency edges inside tx.
func insertTask(ctx context.Context, tx tagsql.Tx, task *tasks.Task) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks ( id, document_id, task_type, task_parameters,
			state, state_changed_at, attempt_counter, remaining_attempts )
		VALUES ( $1, $2, $3, $4, $5, $6, $7, $8 )`,
		task.ID, task.DocumentID, string(task.Type), []byte(task.Parameters),
		string(task.State), task.StateChangedAt,
		task.AttemptCounter, task.RemainingAttempts,
	)
	if err != nil {
		return err
	}
	for _, dependency := range task.Dependencies {
		_, err := tx.Exec(ctx, `
			INSERT INTO task_dependencies ( task_id, depends_on_id ) VALUES ( $1, $2 )`,
			task.ID, dependency,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tasksDB) Get(ctx context.Context, id uuid.UUID) (_ *tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)

	task, err := scanTask(t.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasks.ErrNotFound.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	list := []tasks.Task{*task}
	if err := t.attachDetails(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (t *tasksDB) ListByDocument(ctx context.Context, documentID uuid.UUID) (_ []tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)
	return t.list(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE document_id = $1
		ORDER BY state_changed_at, id`,
		documentID,
	)
}

func (t *tasksDB) ListByUser(ctx context.Context, userID uuid.UUID) (_ []tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)
	return t.list(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE document_id IN ( SELECT id FROM documents WHERE user_id = $1 )
		ORDER BY state_changed_at, id`,
		userID,
	)
}

func (t *tasksDB) list(ctx context.Context, query string, args ...interface{}) (_ []tasks.Task, err error) {
	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []tasks.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		list = append(list, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := t.attachDetails(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// ClaimReady leases the oldest ready NEW task of the requested types. The
// candidate row is locked with SKIP LOCKED so concurrent claimers never block
// on, or hand out, the same task.
func (t *tasksDB) ClaimReady(ctx context.Context, workerID uuid.UUID, types []tasks.Type, now time.Time) (_ *tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)

	typeNames := make([]string, 0, len(types))
	for _, taskType := range types {
		typeNames = append(typeNames, string(taskType))
	}

	var claimed uuid.NullUUID
	err = txutil.WithTx(ctx, t.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		var taskID uuid.UUID
		var attemptCounter int
		err := tx.QueryRow(ctx, `
			SELECT id, attempt_counter FROM tasks
			WHERE state = 'NEW'
				AND task_type = ANY($1)
				AND NOT EXISTS (
					SELECT 1 FROM task_dependencies d
					JOIN tasks dep ON dep.id = d.depends_on_id
					WHERE d.task_id = tasks.id AND dep.state <> 'COMPLETED'
				)
			ORDER BY state_changed_at, id
			LIMIT 1
			FOR UPDATE OF tasks SKIP LOCKED`,
			pgutil.TextArray(typeNames),
		).Scan(&taskID, &attemptCounter)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		attemptID, err := uuid.New()
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO task_attempts ( id, task_id, assigned_worker_id,
				attempt_number, started_at, last_keepalive )
			VALUES ( $1, $2, $3, $4, $5, $5 )`,
			attemptID, taskID, workerID, attemptCounter+1, now,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET
				state = 'ASSIGNED',
				state_changed_at = $2,
				attempt_counter = attempt_counter + 1,
				remaining_attempts = remaining_attempts - 1,
				current_attempt_id = $3
			WHERE id = $1`,
			taskID, now, attemptID,
		)
		if err != nil {
			return err
		}
		claimed = uuid.NullUUID{UUID: taskID, Valid: true}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if !claimed.Valid {
		return nil, nil
	}
	return t.Get(ctx, claimed.UUID)
}

func (t *tasksDB) Keepalive(ctx context.Context, taskID, workerID uuid.UUID, now time.Time, progress *float64) (err error) {
	defer mon.Task()(&ctx)(&err)

	// the worker predicate is part of the row-locking update, so a lease
	// that moved to another worker in the meantime cannot be refreshed
	result, err := t.db.ExecContext(ctx, `
		UPDATE task_attempts SET
			last_keepalive = $2,
			progress = COALESCE($3, progress)
		WHERE id = ( SELECT current_attempt_id FROM tasks WHERE id = $1 )
			AND assigned_worker_id = $4`,
		taskID, now, progress, workerID,
	)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return t.holderError(ctx, taskID, workerID)
	}
	return nil
}

// holderError reports why an attempt-scoped update matched no row.
func (t *tasksDB) holderError(ctx context.Context, taskID, workerID uuid.UUID) error {
	var currentAttemptID uuid.NullUUID
	err := t.db.QueryRowContext(ctx, `
		SELECT current_attempt_id FROM tasks WHERE id = $1`,
		taskID,
	).Scan(&currentAttemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.ErrNotFound.New("%s", taskID)
	}
	if err != nil {
		return Error.Wrap(err)
	}
	if !currentAttemptID.Valid {
		return tasks.ErrNoCurrentAttempt.New("task %s", taskID)
	}
	return tasks.ErrNotAttemptHolder.New("task %s, worker %s", taskID, workerID)
}

func (t *tasksDB) FinishCurrentAttempt(ctx context.Context, taskID, workerID uuid.UUID, now time.Time, extraData json.RawMessage, successful bool) (_ *tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)

	var extra []byte
	if len(extraData) > 0 {
		extra = []byte(extraData)
	}

	err = txutil.WithTx(ctx, t.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		var currentAttemptID uuid.NullUUID
		var remaining int
		err := tx.QueryRow(ctx, `
			SELECT current_attempt_id, remaining_attempts
			FROM tasks WHERE id = $1 FOR UPDATE`,
			taskID,
		).Scan(&currentAttemptID, &remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return tasks.ErrNotFound.New("%s", taskID)
		}
		if err != nil {
			return err
		}
		if !currentAttemptID.Valid {
			return tasks.ErrNoCurrentAttempt.New("task %s", taskID)
		}

		// the lease may have moved to another worker between request
		// authentication and taking this lock
		var holder uuid.NullUUID
		err = tx.QueryRow(ctx, `
			SELECT assigned_worker_id FROM task_attempts WHERE id = $1`,
			currentAttemptID.UUID,
		).Scan(&holder)
		if err != nil {
			return err
		}
		if !holder.Valid || holder.UUID != workerID {
			return tasks.ErrNotAttemptHolder.New("task %s, worker %s", taskID, workerID)
		}

		_, err = tx.Exec(ctx, `
			UPDATE task_attempts SET
				ended_at = $2,
				last_keepalive = $2,
				extra_data = COALESCE($3, extra_data)
			WHERE id = $1`,
			currentAttemptID.UUID, now, extra,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET
				state = $2,
				state_changed_at = $3,
				current_attempt_id = NULL
			WHERE id = $1`,
			taskID, string(tasks.NextState(successful, remaining)), now,
		)
		return err
	})
	if err != nil {
		if tasks.ErrNotFound.Has(err) || tasks.ErrNoCurrentAttempt.Has(err) || tasks.ErrNotAttemptHolder.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return t.Get(ctx, taskID)
}

// FailTimedOut fails the current attempt of every assigned task whose worker
// went silent before cutoff. Rows in a racing claim or finish transaction are
// skipped and picked up on the next sweep.
func (t *tasksDB) FailTimedOut(ctx context.Context, cutoff, now time.Time) (failed []uuid.UUID, err error) {
	defer mon.Task()(&ctx)(&err)

	err = txutil.WithTx(ctx, t.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		failed = nil

		rows, err := tx.Query(ctx, `
			SELECT tasks.id, tasks.current_attempt_id FROM tasks
			JOIN task_attempts ON task_attempts.id = tasks.current_attempt_id
			WHERE tasks.state = 'ASSIGNED' AND task_attempts.last_keepalive < $1
			FOR UPDATE OF tasks SKIP LOCKED`,
			cutoff,
		)
		if err != nil {
			return err
		}
		var attemptIDs []uuid.UUID
		for rows.Next() {
			var taskID, attemptID uuid.UUID
			if err := rows.Scan(&taskID, &attemptID); err != nil {
				return errs.Combine(err, rows.Close())
			}
			failed = append(failed, taskID)
			attemptIDs = append(attemptIDs, attemptID)
		}
		if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
			return err
		}

		for i, taskID := range failed {
			_, err = tx.Exec(ctx, `
				UPDATE task_attempts SET ended_at = $2, last_keepalive = $2 WHERE id = $1`,
				attemptIDs[i], now,
			)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				UPDATE tasks SET
					state = CASE WHEN remaining_attempts > 0 THEN 'NEW' ELSE 'FAILED' END,
					state_changed_at = $2,
					current_attempt_id = NULL
				WHERE id = $1`,
				taskID, now,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return failed, nil
}

func (t *tasksDB) HoldsAttemptOn(ctx context.Context, workerID, documentID uuid.UUID) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var holds bool
	err = t.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks
			JOIN task_attempts ON task_attempts.id = tasks.current_attempt_id
			WHERE tasks.document_id = $1
				AND tasks.state = 'ASSIGNED'
				AND task_attempts.assigned_worker_id = $2
		)`,
		documentID, workerID,
	).Scan(&holds)
	return holds, Error.Wrap(err)
}

func (t *tasksDB) HeldTask(ctx context.Context, documentID, workerID uuid.UUID, taskType tasks.Type) (_ *tasks.Task, err error) {
	defer mon.Task()(&ctx)(&err)

	var taskID uuid.UUID
	err = t.db.QueryRowContext(ctx, `
		SELECT tasks.id FROM tasks
		JOIN task_attempts ON task_attempts.id = tasks.current_attempt_id
		WHERE tasks.document_id = $1
			AND tasks.task_type = $2
			AND tasks.state = 'ASSIGNED'
			AND task_attempts.assigned_worker_id = $3`,
		documentID, string(taskType), workerID,
	).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasks.ErrNotFound.New("no held %s task on document %s", taskType, documentID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return t.Get(ctx, taskID)
}

// attachDetails loads dependency edges and current attempts for the tasks.
func (t *tasksDB) attachDetails(ctx context.Context, list []tasks.Task) (err error) {
	if len(list) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]int, len(list))
	ids := make([]uuid.UUID, 0, len(list))
	var attemptIDs []uuid.UUID
	attemptOwner := make(map[uuid.UUID]int)
	for i := range list {
		byID[list[i].ID] = i
		ids = append(ids, list[i].ID)
		list[i].Dependencies = []uuid.UUID{}
		if list[i].CurrentAttemptID != nil {
			attemptIDs = append(attemptIDs, *list[i].CurrentAttemptID)
			attemptOwner[*list[i].CurrentAttemptID] = i
		}
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies
		WHERE task_id = ANY($1) ORDER BY depends_on_id`,
		pgutil.UUIDArray(ids),
	)
	if err != nil {
		return Error.Wrap(err)
	}
	for rows.Next() {
		var taskID, dependsOn uuid.UUID
		if err := rows.Scan(&taskID, &dependsOn); err != nil {
			return errs.Combine(Error.Wrap(err), rows.Close())
		}
		if i, ok := byID[taskID]; ok {
			list[i].Dependencies = append(list[i].Dependencies, dependsOn)
		}
	}
	if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
		return Error.Wrap(err)
	}

	if len(attemptIDs) == 0 {
		return nil
	}
	attemptRows, err := t.db.QueryContext(ctx, `
		SELECT id, task_id, assigned_worker_id, attempt_number,
			started_at, last_keepalive, ended_at, progress, extra_data
		FROM task_attempts WHERE id = ANY($1)`,
		pgutil.UUIDArray(attemptIDs),
	)
	if err != nil {
		return Error.Wrap(err)
	}
	for attemptRows.Next() {
		var attempt tasks.Attempt
		var worker uuid.NullUUID
		var extra []byte
		err := attemptRows.Scan(&attempt.ID, &attempt.TaskID, &worker, &attempt.AttemptNumber,
			&attempt.StartedAt, &attempt.LastKeepalive, &attempt.EndedAt, &attempt.Progress, &extra)
		if err != nil {
			return errs.Combine(Error.Wrap(err), attemptRows.Close())
		}
		if worker.Valid {
			workerID := worker.UUID
			attempt.AssignedWorkerID = &workerID
		}
		attempt.ExtraData = json.RawMessage(extra)
		if i, ok := attemptOwner[attempt.ID]; ok {
			current := attempt
			list[i].CurrentAttempt = &current
		}
	}
	return Error.Wrap(errs.Combine(attemptRows.Err(), attemptRows.Close()))
}

// scanner is satisfied by both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*tasks.Task, error) {
	var task tasks.Task
	var taskType, state string
	var parameters []byte
	var currentAttempt uuid.NullUUID
	err := row.Scan(&task.ID, &task.DocumentID, &taskType, &parameters, &state,
		&task.StateChangedAt, &task.AttemptCounter, &task.RemainingAttempts, &currentAttempt)
	if err != nil {
		return nil, err
	}
	task.Type = tasks.Type(taskType)
	task.State = tasks.State(state)
	task.Parameters = json.RawMessage(parameters)
	if currentAttempt.Valid {
		attemptID := currentAttempt.UUID
		task.CurrentAttemptID = &attemptID
	}
	return &task, nil
}
