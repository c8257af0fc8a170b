// Package coordinator wires the transcription platform's services into one
// process: accounts and documents, the worker task queue, realtime document
// sync and signed media serving.
package coordinator

import (
	"context"

	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/docsync"
	"transcribee.dev/coordinator/coordinator/tasks"
	"transcribee.dev/coordinator/coordinator/workers"
)

// DB is the master database for the coordinator.
//
// architecture: Master Database
type DB interface {
	// MigrateToLatest initializes or upgrades the database schema.
	MigrateToLatest(ctx context.Context) error
	// Close closes the database.
	Close() error

	// Users returns the users and login tokens database.
	Users() console.Users
	// Documents returns the documents database.
	Documents() console.Documents
	// Updates returns the document change log database.
	Updates() docsync.Updates
	// Workers returns the workers database.
	Workers() workers.DB
	// ApiTokens returns the admin token database.
	ApiTokens() workers.ApiTokens
	// Tasks returns the task queue database.
	Tasks() tasks.DB

	// CreateDocumentTree atomically inserts a document together with its
	// original media file and initial tasks.
	CreateDocumentTree(ctx context.Context, doc *console.Document, media *console.MediaFile, taskList []tasks.Task) error
}
