package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/inferloop/privtrace/pkg/errors"
	"github.com/inferloop/privtrace/pkg/interfaces"
	"github.com/inferloop/privtrace/pkg/models"
)

// SQLiteConfig holds configuration for SQLite storage
type SQLiteConfig struct {
	Path         string        `json:"path"`
	MaxOpenConns int           `json:"max_open_conns"`
	MaxIdleConns int           `json:"max_idle_conns"`
	BusyTimeout  time.Duration `json:"busy_timeout"`
}

// SQLiteStorage keeps runs in a local SQLite database, one row per point.
type SQLiteStorage struct {
	config *SQLiteConfig
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.RWMutex

	// SQLite allows a single writer
	writeMu sync.Mutex
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *SQLiteConfig, logger *logrus.Logger) (*SQLiteStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfiguration, "SQLite config cannot be nil")
	}
	if config.Path == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfiguration, "SQLite database path is required")
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = 5
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &SQLiteStorage{config: config, logger: logger}, nil
}

// dsn applies the pragmas on every pooled connection.
func (s *SQLiteStorage) dsn() string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)",
		s.config.Path, s.config.BusyTimeout.Milliseconds())
}

// Connect opens the database and creates the schema
func (s *SQLiteStorage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	if dir := filepath.Dir(s.config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
				fmt.Sprintf("Failed to create directory for %s", s.config.Path))
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to open SQLite database")
	}
	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "Failed to connect to SQLite")
	}
	if _, err := migrate(ctx, db, migrations, s.logger); err != nil {
		db.Close()
		return err
	}

	s.db = db
	s.logger.WithField("path", s.config.Path).Info("SQLite storage connected")
	return nil
}

// SchemaVersion returns the applied schema migrations.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) ([]MigrationRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	return appliedMigrations(ctx, db)
}

// Close closes the database
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping tests the connection
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// GetInfo returns information about the SQLite storage
func (s *SQLiteStorage) GetInfo(ctx context.Context) (*interfaces.StorageInfo, error) {
	version := "unknown"
	if db, err := s.conn(); err == nil {
		_ = db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version)
	}

	return &interfaces.StorageInfo{
		Type:        "sqlite",
		Version:     version,
		Name:        "SQLite Storage",
		Description: "Synthetic trajectory runs in an embedded SQLite database",
		Features:    []string{"transactions", "wal"},
	}, nil
}

// WriteTrajectories replaces the run in a single transaction.
func (s *SQLiteStorage) WriteTrajectories(ctx context.Context, runID string, data models.TrajectorySet) error {
	if runID == "" {
		return errors.NewValidationError(errors.CodeMissingField, "run id is required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM points WHERE run_id = ?", runID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO runs (run_id, trajectories, points, created_at) VALUES (?, ?, ?, ?)",
			runID, data.Len(), data.PointCount(), time.Now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, "INSERT INTO points (run_id, trajectory, seq, x, y) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for id, traj := range data {
			if err := ctx.Err(); err != nil {
				return err
			}
			for seq, p := range traj {
				if _, err := stmt.ExecContext(ctx, runID, id, seq, p.X, p.Y); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if errors.IsStorageUnavailable(err) {
			return err
		}
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to write run %s", runID))
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":       runID,
		"trajectories": data.Len(),
	}).Debug("Wrote run to SQLite")
	return nil
}

// ReadTrajectories rebuilds a run, empty trajectories included.
func (s *SQLiteStorage) ReadTrajectories(ctx context.Context, runID string) (models.TrajectorySet, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var count int
	err = db.QueryRowContext(ctx, "SELECT trajectories FROM runs WHERE run_id = ?", runID).Scan(&count)
	if err == sql.ErrNoRows {
		return nil, errors.WrapError(errors.ErrStorageReadFailed, errors.ErrorTypeStorage, errors.CodeReadFailed,
			fmt.Sprintf("run %s not found", runID))
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read run")
	}

	rows, err := db.QueryContext(ctx,
		"SELECT trajectory, x, y FROM points WHERE run_id = ? ORDER BY trajectory, seq", runID)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read points")
	}
	defer rows.Close()

	set := make(models.TrajectorySet, count)
	for i := range set {
		set[i] = models.Trajectory{}
	}
	for rows.Next() {
		var id int
		var p models.Point
		if err := rows.Scan(&id, &p.X, &p.Y); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to scan point")
		}
		if id < 0 || id >= count {
			return nil, errors.NewStorageError(errors.CodeReadFailed,
				fmt.Sprintf("run %s has a point for trajectory %d of %d", runID, id, count))
		}
		set[id] = append(set[id], p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read points")
	}
	return set, nil
}

// ListRuns returns all stored run ids, oldest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT run_id FROM runs ORDER BY created_at, run_id")
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list runs")
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to scan run")
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

func (s *SQLiteStorage) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.WrapError(errors.ErrStorageConnectionFailed, errors.ErrorTypeStorage,
			errors.CodeConnectionFailed, "SQLite not connected")
	}
	return s.db, nil
}

// transaction runs fn inside a transaction, rolling back on error or panic.
func (s *SQLiteStorage) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
