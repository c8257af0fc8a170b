// Package coordinatordb implements the coordinator master database on top of
// PostgreSQL.
package coordinatordb

import (
	"context"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"

	"transcribee.dev/coordinator/coordinator"
	"transcribee.dev/coordinator/coordinator/console"
	"transcribee.dev/coordinator/coordinator/docsync"
	"transcribee.dev/coordinator/coordinator/tasks"
	"transcribee.dev/coordinator/coordinator/workers"
)

var (
	mon = monkit.Package()

	// Error is the default coordinatordb errs class.
	Error = errs.Class("coordinatordb")
)

// DB is the PostgreSQL master database.
type DB struct {
	log *zap.Logger
	db  tagsql.DB
}

var _ coordinator.DB = (*DB)(nil)

// Open connects to the database at databaseURL.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	db, err := tagsql.Open(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &DB{log: log, db: db}, nil
}

// MigrateToLatest initializes or upgrades the database schema.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	return db.migration().Run(ctx, db.log.Named("migrate"))
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Users returns the users and login tokens database.
func (db *DB) Users() console.Users { return &usersDB{db: db.db} }

// Documents returns the documents database.
func (db *DB) Documents() console.Documents { return &documentsDB{db: db.db} }

// Updates returns the document change log database.
func (db *DB) Updates() docsync.Updates { return &updatesDB{db: db.db} }

// Workers returns the workers database.
func (db *DB) Workers() workers.DB { return &workersDB{db: db.db} }

// ApiTokens returns the admin token database.
func (db *DB) ApiTokens() workers.ApiTokens { return &apiTokensDB{db: db.db} }

// Tasks returns the task queue database.
func (db *DB) Tasks() tasks.DB { return &tasksDB{db: db.db} }

// CreateDocumentTree atomically inserts a document together with its original
// media file and initial tasks, so a failure partway through creation never
// leaves a media-less or task-less document behind. All ids must already be
// assigned.
func (db *DB) CreateDocumentTree(ctx context.Context, doc *console.Document, media *console.MediaFile, taskList []tasks.Task) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		if err := insertDocument(ctx, tx, doc); err != nil {
			return err
		}
		if media != nil {
			if err := insertMediaFile(ctx, tx, media); err != nil {
				return err
			}
		}
		for i := range taskList {
			if err := insertTask(ctx, tx, &taskList[i]); err != nil {
				return err
			}
		}
		return nil
	}))
}
