// Package migrate runs versioned SQL migration steps against a single database.
//
// It intentionally does not support undoing migrations.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/private/dbutil/txutil"
	"storj.io/private/tagsql"
)

// Error is the default migrate errs class.
var Error = errs.Class("migrate")

// Migration describes migration steps sharing one versions table.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single migration step.
type Step struct {
	DB          tagsql.DB
	Description string
	Version     int // versions start at 0
	Action      Action
}

// Action is something that needs to be done inside a migration step.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error
}

// SQL statements that are executed in order as one migration action.
type SQL []string

// Run runs the SQL statements.
func (sql SQL) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) (err error) {
	for _, query := range sql {
		_, err := tx.Exec(ctx, query)
		if err != nil {
			return err
		}
	}
	return nil
}

// Func is an arbitrary migration action.
type Func func(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error

// Run runs the migration function.
func (fn Func) Run(ctx context.Context, log *zap.Logger, db tagsql.DB, tx tagsql.Tx) error {
	return fn(ctx, log, db, tx)
}

// ValidTableName checks whether the versions table name is valid.
func (migration *Migration) ValidTableName() error {
	matched, err := regexp.MatchString(`^[a-z_]+$`, migration.Table)
	if !matched || err != nil {
		return Error.New("invalid table name: %v", migration.Table)
	}
	return nil
}

// ValidateSteps checks that the steps are sorted by version.
func (migration *Migration) ValidateSteps() error {
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version <= migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// CurrentVersion returns the latest applied version, -1 when the table is empty.
func (migration *Migration) CurrentVersion(ctx context.Context, log *zap.Logger, db tagsql.DB) (version int, err error) {
	err = migration.ensureVersionTable(ctx, db)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	return migration.getLatestVersion(ctx, db)
}

// Run applies all unapplied migration steps, each inside its own transaction.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger) error {
	err := migration.ValidTableName()
	if err != nil {
		return err
	}
	err = migration.ValidateSteps()
	if err != nil {
		return err
	}

	for _, step := range migration.Steps {
		if step.DB == nil {
			return Error.New("step.DB is nil for step %d", step.Version)
		}

		err = migration.ensureVersionTable(ctx, step.DB)
		if err != nil {
			return Error.New("creating version table failed: %w", err)
		}

		version, err := migration.getLatestVersion(ctx, step.DB)
		if err != nil {
			return Error.Wrap(err)
		}
		if step.Version <= version {
			continue
		}

		stepLog := log.Named(step.Description)
		stepLog.Info("Applying migration step", zap.Int("version", step.Version))

		err = txutil.WithTx(ctx, step.DB, nil, func(ctx context.Context, tx tagsql.Tx) error {
			err = step.Action.Run(ctx, stepLog, step.DB, tx)
			if err != nil {
				return err
			}
			return migration.addVersion(ctx, tx, step.Version)
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}

	return nil
}

func (migration *Migration) ensureVersionTable(ctx context.Context, db tagsql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migration.Table+` (
			version int NOT NULL,
			commited_at timestamptz NOT NULL
		)`,
	)
	return Error.Wrap(err)
}

func (migration *Migration) getLatestVersion(ctx context.Context, db tagsql.DB) (version int, err error) {
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM `+migration.Table).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return version, Error.Wrap(err)
}

func (migration *Migration) addVersion(ctx context.Context, tx tagsql.Tx, version int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO `+migration.Table+` (version, commited_at) VALUES ($1, now())`,
		version,
	)
	return Error.Wrap(err)
}
