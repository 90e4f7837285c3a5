package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Config holds SQLite connection settings.
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns sensible defaults for a local store.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// SQLiteStore persists runs, events, and script reports in a local
// SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	config Config
}

// NewSQLiteStore creates a store for the given configuration. Call Init
// before using it.
func NewSQLiteStore(config Config) *SQLiteStore {
	return &SQLiteStore{config: config}
}

// Init opens the database, applies connection settings, and runs
// pending migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.config.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db

	if err := s.Migrate(); err != nil {
		db.Close()
		s.db = nil
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Migrate applies all pending schema migrations.
func (s *SQLiteStore) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun inserts a new run row. The run starts in RunStatusRunning
// unless another status is set.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (uid, plan_name, status, exit_status, reason, num_events, metadata, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.UID, run.PlanName, run.Status, run.ExitStatus, run.Reason,
		run.NumEvents, run.Metadata, run.StartedAt, run.CompletedAt,
		run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.UID, err)
	}

	return nil
}

// GetRun fetches one run by UID.
func (s *SQLiteStore) GetRun(ctx context.Context, uid string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uid, plan_name, status, exit_status, reason, num_events, metadata, started_at, completed_at, created_at, updated_at
		FROM runs WHERE uid = ?`, uid)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", uid, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get run %s: %w", uid, err)
	}

	return run, nil
}

// CompleteRun marks a run finished with the given status and stop details.
func (s *SQLiteStore) CompleteRun(ctx context.Context, uid string, status RunStatus, exitStatus string, reason *string, numEvents int) error {
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, exit_status = ?, reason = ?, num_events = ?, completed_at = ?, updated_at = ?
		WHERE uid = ?`,
		status, exitStatus, reason, numEvents, now, now, uid)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", uid, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", uid, ErrNotFound)
	}

	return nil
}

// ListRuns returns runs ordered by start time, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT uid, plan_name, status, exit_status, reason, num_events, metadata, started_at, completed_at, created_at, updated_at
		FROM runs`
	args := []any{}

	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

// DeleteRun removes a run and, via the foreign key cascade, its events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, uid string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", uid, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", uid, ErrNotFound)
	}

	return nil
}

// AppendEvent stores one data snapshot for a run.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_uid, seq, data, positions, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.RunUID, event.Seq, event.Data, event.Positions, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", event.RunUID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	event.ID = id

	return nil
}

// ListEvents returns a run's events in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runUID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_uid, seq, data, positions, timestamp
		FROM events WHERE run_uid = ? ORDER BY seq ASC`, runUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for run %s: %w", runUID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RunUID, &e.Seq, &e.Data, &e.Positions, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// CreateScriptReport persists the outcome of one script execution.
func (s *SQLiteStore) CreateScriptReport(ctx context.Context, report *ScriptReport) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	if report.RunUIDs == "" {
		report.RunUIDs = "[]"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_reports (id, script, plans_executed, total_events, duration_ms, success, error, run_uids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.Script, report.PlansExecuted, report.TotalEvents,
		report.DurationMs, report.Success, report.Error, report.RunUIDs,
		report.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create script report %s: %w", report.ID, err)
	}

	return nil
}

// ListScriptReports returns script reports, newest first.
func (s *SQLiteStore) ListScriptReports(ctx context.Context, limit int) ([]*ScriptReport, error) {
	query := `
		SELECT id, script, plans_executed, total_events, duration_ms, success, error, run_uids, created_at
		FROM script_reports ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list script reports: %w", err)
	}
	defer rows.Close()

	var reports []*ScriptReport
	for rows.Next() {
		var r ScriptReport
		if err := rows.Scan(&r.ID, &r.Script, &r.PlansExecuted, &r.TotalEvents,
			&r.DurationMs, &r.Success, &r.Error, &r.RunUIDs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan script report: %w", err)
		}
		reports = append(reports, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate script reports: %w", err)
	}

	return reports, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	err := row.Scan(&run.UID, &run.PlanName, &run.Status, &run.ExitStatus,
		&run.Reason, &run.NumEvents, &run.Metadata, &run.StartedAt,
		&run.CompletedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
