package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/privtrace/pkg/errors"
)

const migrationsTable = "schema_migrations"

// Migration is one forward-only schema change.
type Migration struct {
	Version string
	Name    string
	Up      string
}

// MigrationRecord is a row of the migrations table.
type MigrationRecord struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

var migrations = []Migration{
	{
		Version: "001",
		Name:    "create_runs",
		Up: `CREATE TABLE runs (
	run_id       TEXT PRIMARY KEY,
	trajectories INTEGER NOT NULL,
	points       INTEGER NOT NULL,
	created_at   TEXT NOT NULL
)`,
	},
	{
		Version: "002",
		Name:    "create_points",
		Up: `CREATE TABLE points (
	run_id     TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	trajectory INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	x          REAL NOT NULL,
	y          REAL NOT NULL,
	PRIMARY KEY (run_id, trajectory, seq)
)`,
	},
	{
		Version: "003",
		Name:    "index_runs_created_at",
		Up:      `CREATE INDEX idx_runs_created_at ON runs (created_at)`,
	},
}

// migrate applies pending migrations in version order, each in its own
// transaction together with its record.
func migrate(ctx context.Context, db *sql.DB, list []Migration, logger *logrus.Logger) ([]MigrationRecord, error) {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	version    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`, migrationsTable)); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError, "Failed to create migration table")
	}

	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, rec := range applied {
		done[rec.Version] = true
	}

	pending := make([]Migration, 0, len(list))
	for _, m := range list {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		start := time.Now()
		if err := applyMigration(ctx, db, m); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageError,
				fmt.Sprintf("migration %s_%s failed", m.Version, m.Name))
		}
		logger.WithFields(logrus.Fields{
			"version":  m.Version,
			"name":     m.Name,
			"duration": time.Since(start),
		}).Info("Applied migration")
	}

	return appliedMigrations(ctx, db)
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", migrationsTable),
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func appliedMigrations(ctx context.Context, db *sql.DB) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT version, name, applied_at FROM %s ORDER BY version", migrationsTable))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to read migrations")
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		var appliedAt string
		if err := rows.Scan(&rec.Version, &rec.Name, &appliedAt); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to scan migration")
		}
		rec.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}
