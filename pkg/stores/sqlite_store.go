package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/pathrunner/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique record is written twice.
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveAttempt appends an attempt record.
func (s *SQLiteStore) SaveAttempt(ctx context.Context, record engine.AttemptRecord) error {
	query := `
		INSERT INTO attempts (correlation_id, path_name, action_name, started_at, duration_ns,
		                      status, failure_kind, message, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var output sql.NullString
	if record.Outcome.Output != nil {
		data, err := json.Marshal(record.Outcome.Output)
		if err != nil {
			return fmt.Errorf("failed to encode attempt output: %w", err)
		}
		output = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		record.CorrelationID,
		record.PathName,
		record.ActionName,
		record.StartTime.UnixNano(),
		int64(record.Duration),
		string(record.Outcome.Status),
		nullString(string(record.Outcome.Kind)),
		nullString(record.Outcome.Message),
		output,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}

	return nil
}

// ListAttempts lists attempts ordered by start time.
func (s *SQLiteStore) ListAttempts(ctx context.Context, q AttemptQuery) ([]engine.AttemptRecord, error) {
	query := `
		SELECT correlation_id, path_name, action_name, started_at, duration_ns,
		       status, failure_kind, message, output
		FROM attempts
		WHERE (? = '' OR correlation_id = ?)
		  AND (? = '' OR path_name = ?)
		  AND started_at >= ?
		ORDER BY started_at ASC, id ASC
		LIMIT ? OFFSET ?
	`

	var since int64
	if !q.Since.IsZero() {
		since = q.Since.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx, query,
		q.CorrelationID, q.CorrelationID,
		q.PathName, q.PathName,
		since,
		limitOrAll(q.Limit), q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	records := []engine.AttemptRecord{}
	for rows.Next() {
		var (
			r         engine.AttemptRecord
			startedAt int64
			duration  int64
			status    string
			kind      sql.NullString
			message   sql.NullString
			output    sql.NullString
		)
		if err := rows.Scan(
			&r.CorrelationID,
			&r.PathName,
			&r.ActionName,
			&startedAt,
			&duration,
			&status,
			&kind,
			&message,
			&output,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}

		r.StartTime = time.Unix(0, startedAt).UTC()
		r.Duration = time.Duration(duration)
		r.Outcome = engine.Outcome{
			Status:  engine.OutcomeStatus(status),
			Kind:    engine.FailureKind(kind.String),
			Message: message.String,
		}
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &r.Outcome.Output); err != nil {
				return nil, fmt.Errorf("failed to decode attempt output: %w", err)
			}
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}

	return records, nil
}

// SaveEscalation stores an escalation record. Saving the same escalation ID
// twice returns ErrAlreadyExists. Correlation ids are caller supplied and may
// repeat across executions, so each escalation gets its own row.
func (s *SQLiteStore) SaveEscalation(ctx context.Context, record engine.EscalationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}

	query := `
		INSERT INTO escalations (id, correlation_id, action_name, record, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.CorrelationID,
		record.Action.Name,
		string(data),
		record.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("escalation %s: %w", record.ID, ErrAlreadyExists)
	}

	return nil
}

// GetEscalation retrieves an escalation by ID
func (s *SQLiteStore) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	query := `
		SELECT record, acknowledged_at, acknowledged_by
		FROM escalations
		WHERE id = ?
	`

	esc, err := scanEscalation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}

	return esc, nil
}

// ListEscalations lists escalations, newest first.
func (s *SQLiteStore) ListEscalations(ctx context.Context, q EscalationQuery) ([]*Escalation, error) {
	query := `
		SELECT record, acknowledged_at, acknowledged_by
		FROM escalations
		WHERE (? = 0 OR acknowledged_at IS NULL)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	pending := 0
	if q.PendingOnly {
		pending = 1
	}

	rows, err := s.db.QueryContext(ctx, query, pending, limitOrAll(q.Limit), q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	escalations := []*Escalation{}
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		escalations = append(escalations, esc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}

	return escalations, nil
}

// AcknowledgeEscalation marks an escalation as handled by actor.
func (s *SQLiteStore) AcknowledgeEscalation(ctx context.Context, id, actor string, at time.Time) error {
	query := `
		UPDATE escalations
		SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, at.UnixNano(), actor, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge escalation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acknowledge escalation: %w", err)
	}
	if n == 0 {
		if _, err := s.GetEscalation(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("escalation %s already acknowledged", id)
	}

	return nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (*Escalation, error) {
	var (
		data   string
		ackAt  sql.NullInt64
		ackBy  sql.NullString
		result Escalation
	)
	if err := row.Scan(&data, &ackAt, &ackBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &result.Record); err != nil {
		return nil, fmt.Errorf("failed to decode escalation: %w", err)
	}
	if ackAt.Valid {
		t := time.Unix(0, ackAt.Int64).UTC()
		result.AcknowledgedAt = &t
	}
	if ackBy.Valid {
		by := ackBy.String
		result.AcknowledgedBy = &by
	}
	return &result, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with an optional action filter, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts int64
		if err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
