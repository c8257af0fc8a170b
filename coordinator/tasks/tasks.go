// Package tasks implements the coordinator's dependency-aware task queue:
// single-attempt leasing, keepalive-driven timeout recovery, bounded retries
// and per-task terminal state.
package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	mon = monkit.Package()

	// Error is the default tasks errs class.
	Error = errs.Class("tasks")
	// ErrNotFound is returned when a task id is unknown.
	ErrNotFound = errs.Class("task not found")
	// ErrNoCurrentAttempt is returned by attempt-scoped operations on a task
	// that has no live attempt. It signals a protocol violation by the
	// worker and maps to an internal error on the wire.
	ErrNoCurrentAttempt = errs.Class("task has no current attempt")
	// ErrNotAttemptHolder is returned when a worker acts on an attempt it
	// does not hold.
	ErrNotAttemptHolder = errs.Class("worker does not hold the current attempt")
	// ErrInvalidProgress is returned for progress reports outside [0, 1].
	ErrInvalidProgress = errs.Class("progress out of range")
)

// Type describes what kind of work a task requires. Unknown values are stored
// verbatim so that new worker types do not require a schema change.
type Type string

// Known task types.
const (
	TypeReencode         Type = "REENCODE"
	TypeTranscribe       Type = "TRANSCRIBE"
	TypeAlign            Type = "ALIGN"
	TypeIdentifySpeakers Type = "IDENTIFY_SPEAKERS"
	TypeExport           Type = "EXPORT"
)

// State is the lifecycle state of a task.
type State string

// Task states.
//
//	NEW ──claim──▶ ASSIGNED ──complete──▶ COMPLETED
//	                  └──fail/timeout──▶ NEW (attempts left) or FAILED
const (
	StateNew       State = "NEW"
	StateAssigned  State = "ASSIGNED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (state State) Terminal() bool {
	return state == StateCompleted || state == StateFailed
}

// DB exposes methods to manage tasks, attempts and dependencies.
//
// architecture: Database
type DB interface {
	// Insert inserts a task in state NEW together with the dependency
	// edges in task.Dependencies. Callers must keep the dependency graph
	// acyclic.
	Insert(ctx context.Context, task *Task) (*Task, error)
	// Get queries a task with its current attempt and dependency ids.
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	// ListByDocument returns all tasks of a document.
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Task, error)
	// ListByUser returns all tasks across the documents owned by a user.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Task, error)

	// ClaimReady atomically leases one ready task to the worker: oldest
	// NEW first within the requested types, skipping tasks with incomplete
	// dependencies. Returns nil when no task is ready.
	ClaimReady(ctx context.Context, workerID uuid.UUID, types []Type, now time.Time) (*Task, error)
	// Keepalive updates last_keepalive and optionally progress on the
	// task's current attempt. The update only applies while workerID
	// still holds the attempt; a stale worker gets ErrNotAttemptHolder.
	Keepalive(ctx context.Context, taskID, workerID uuid.UUID, now time.Time, progress *float64) error
	// FinishCurrentAttempt ends the current attempt and transitions the
	// task: COMPLETED on success, otherwise NEW while attempts remain and
	// FAILED once they are exhausted. The holder is re-verified under the
	// task's row lock so a worker whose lease lapsed cannot end a
	// successor's attempt.
	FinishCurrentAttempt(ctx context.Context, taskID, workerID uuid.UUID, now time.Time, extraData json.RawMessage, successful bool) (*Task, error)
	// FailTimedOut runs the failure path for every task whose current
	// attempt has not sent a keepalive since cutoff. It locks the rows to
	// avoid racing in-flight claims.
	FailTimedOut(ctx context.Context, cutoff, now time.Time) (failed []uuid.UUID, err error)

	// HoldsAttemptOn reports whether the worker currently holds an attempt
	// on any task of the document.
	HoldsAttemptOn(ctx context.Context, workerID, documentID uuid.UUID) (bool, error)
	// HeldTask returns the document's task of the given type iff the
	// worker holds its current attempt.
	HeldTask(ctx context.Context, documentID, workerID uuid.UUID, taskType Type) (*Task, error)
}

// Task is a unit of work leased to at most one worker at a time.
type Task struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`

	Type Type `json:"task_type"`
	// Parameters is opaque to the queue; typed views are a presentation
	// concern.
	Parameters json.RawMessage `json:"task_parameters"`

	State          State     `json:"state"`
	StateChangedAt time.Time `json:"-"`

	AttemptCounter    int `json:"-"`
	RemainingAttempts int `json:"-"`

	CurrentAttemptID *uuid.UUID `json:"-"`
	CurrentAttempt   *Attempt   `json:"-"`

	Dependencies []uuid.UUID `json:"dependencies"`
}

// Attempt is one worker-held lease on a task.
type Attempt struct {
	ID     uuid.UUID `json:"-"`
	TaskID uuid.UUID `json:"-"`

	AssignedWorkerID *uuid.UUID `json:"-"`
	AttemptNumber    int        `json:"-"`

	StartedAt     time.Time  `json:"-"`
	LastKeepalive time.Time  `json:"-"`
	EndedAt       *time.Time `json:"-"`

	// Progress is in [0, 1], nil until the worker reported any.
	Progress *float64 `json:"progress"`

	ExtraData json.RawMessage `json:"-"`
}

// NextState returns the state a task enters when its current attempt ends.
func NextState(successful bool, remainingAttempts int) State {
	switch {
	case successful:
		return StateCompleted
	case remainingAttempts > 0:
		return StateNew
	default:
		return StateFailed
	}
}

// TranscribeParameters is the typed view of TRANSCRIBE task parameters.
type TranscribeParameters struct {
	Language string `json:"lang"`
	Model    string `json:"model"`
}

// SpeakerIdentificationParameters is the typed view of IDENTIFY_SPEAKERS
// task parameters.
type SpeakerIdentificationParameters struct {
	NumberOfSpeakers *int `json:"number_of_speakers"`
}
