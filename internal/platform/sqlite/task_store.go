// Package sqlite implements the embedded-SQL task store on a local SQLite
// database. It uses the pure-Go driver so deployments need no CGO.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/phrazzld/taskhorn/internal/task"
)

//go:embed migrations/*.sql
var migrations embed.FS

// TaskStore implements task.Store backed by SQLite. Timestamps are stored as
// integer unix nanoseconds so the (created_at, id) listing order compares
// exactly, with no string-format precision traps.
type TaskStore struct {
	db *sql.DB
}

var _ task.Store = (*TaskStore)(nil)

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. Use ":memory:" for an ephemeral store in tests.
func Open(ctx context.Context, path string) (*TaskStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows only one writer. Keep a single pooled connection so
	// WAL and busy_timeout apply consistently and writes are serialized
	// within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=3000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	schema, err := migrations.ReadFile("migrations/0001_init.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &TaskStore{db: db}, nil
}

// nowNanos is the instant used for expiry filtering and updated_at stamps.
func nowNanos() int64 {
	return time.Now().UTC().UnixNano()
}

// live is the filter excluding records whose time-to-live has passed.
const live = `(expires_at IS NULL OR expires_at > ?)`

// CreateTask inserts a new record.
func (s *TaskStore) CreateTask(ctx context.Context, rec *task.Record) error {
	var expires interface{}
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, status, meta, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, string(rec.Status), []byte(rec.Meta),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a record by id, treating expired rows as absent.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*task.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, meta, created_at, updated_at, expires_at
		FROM tasks
		WHERE id = ? AND `+live+`
	`, id, nowNanos())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

// currentStatus classifies a failed conditional write: not found, or the
// status that blocked the transition.
func (s *TaskStore) currentStatus(ctx context.Context, id string) (task.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = ? AND `+live+`
	`, id, nowNanos()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("read task status: %w", err)
	}
	return task.Status(status), nil
}

// UpdateStatus transitions a task's status under the state machine. The
// conditional UPDATE re-checks the working status so concurrent terminal
// writers resolve to exactly one winner.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if err := task.ValidateTransition(current, status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND `+live+`
	`, string(status), nowNanos(), id, string(task.StatusWorking), nowNanos())
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race since the read above; reclassify.
		current, err := s.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		return task.ValidateTransition(current, status)
	}
	return nil
}

// StoreOutcome atomically transitions to the outcome's terminal status and
// records the outcome. A second write returns ErrAlreadyTerminal.
func (s *TaskStore) StoreOutcome(ctx context.Context, id string, out task.Outcome) error {
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return fmt.Errorf("%w: %s is %s", task.ErrAlreadyTerminal, id, current)
	}
	if err := task.ValidateTransition(current, out.Status); err != nil {
		return err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, outcome = ?, updated_at = ?
		WHERE id = ? AND status = ? AND `+live+`
	`, string(out.Status), payload, nowNanos(), id, string(task.StatusWorking), nowNanos())
	if err != nil {
		return fmt.Errorf("store outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.currentStatus(ctx, id)
		if err != nil {
			return err
		}
		if current.Terminal() {
			return fmt.Errorf("%w: %s is %s", task.ErrAlreadyTerminal, id, current)
		}
		return task.ValidateTransition(current, out.Status)
	}
	return nil
}

// GetOutcome returns the stored outcome.
func (s *TaskStore) GetOutcome(ctx context.Context, id string) (*task.Outcome, error) {
	var payload []byte
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status, outcome FROM tasks WHERE id = ? AND `+live+`
	`, id, nowNanos()).Scan(&status, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get outcome: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: task %s is %s", task.ErrOutcomeNotFound, id, status)
	}
	var out task.Outcome
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &out, nil
}

// ListTasks pages through all live records.
func (s *TaskStore) ListTasks(ctx context.Context, cursor string, limit int) (*task.Page, error) {
	return s.list(ctx, "", cursor, limit)
}

// ListSessionTasks pages through one session's live records.
func (s *TaskStore) ListSessionTasks(ctx context.Context, sessionID, cursor string, limit int) (*task.Page, error) {
	return s.list(ctx, sessionID, cursor, limit)
}

func (s *TaskStore) list(ctx context.Context, sessionID, cursor string, limit int) (*task.Page, error) {
	limit = task.NormalizeLimit(limit)
	now := nowNanos()

	// Resolve the cursor to its sort-key tuple. A vanished cursor record
	// restarts the page from the beginning of the remaining set.
	var afterAt int64
	afterID := ""
	haveCursor := false
	if cursor != "" {
		var createdAt int64
		err := s.db.QueryRowContext(ctx, `
			SELECT created_at FROM tasks WHERE id = ? AND `+live+`
		`, cursor, now).Scan(&createdAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Restart from the beginning.
		case err != nil:
			return nil, fmt.Errorf("resolve cursor: %w", err)
		default:
			afterAt, afterID = createdAt, cursor
			haveCursor = true
		}
	}

	query := `
		SELECT id, session_id, status, meta, created_at, updated_at, expires_at
		FROM tasks
		WHERE ` + live
	args := []interface{}{now}
	if haveCursor {
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, afterAt, afterAt, afterID)
	}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	page := &task.Page{Tasks: make([]*task.Record, 0, limit)}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		if len(page.Tasks) == limit {
			page.NextCursor = page.Tasks[limit-1].ID
			break
		}
		page.Tasks = append(page.Tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return page, nil
}

// RecoverStuck force-fails working records whose updated_at is older than
// the threshold in one bulk write.
func (s *TaskStore) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan).UnixNano()
	payload, err := json.Marshal(task.FailedOutcome("task exceeded recovery threshold"))
	if err != nil {
		return 0, fmt.Errorf("encode recovery outcome: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, outcome = ?, updated_at = ?
		WHERE status = ? AND updated_at < ? AND `+live+`
	`, string(task.StatusFailed), payload, now.UnixNano(),
		string(task.StatusWorking), cutoff, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("recover stuck tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Touch refreshes a record's updated_at.
func (s *TaskStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET updated_at = ? WHERE id = ? AND `+live+`
	`, nowNanos(), id, nowNanos())
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return nil
}

// DeleteTask removes a record.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return nil
}

// DeleteExpired removes rows whose time-to-live has passed. SQLite has no
// native TTL, so this is the only reclamation path for this backend.
func (s *TaskStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, nowNanos())
	if err != nil {
		return 0, fmt.Errorf("delete expired tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ping verifies the database file is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", task.ErrBackendUnavailable, err)
	}
	return nil
}

// Close closes the database.
func (s *TaskStore) Close() error { return s.db.Close() }

// Kind identifies this backend.
func (s *TaskStore) Kind() string { return "sqlite" }

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*task.Record, error) {
	var (
		rec       task.Record
		status    string
		meta      []byte
		createdAt int64
		updatedAt int64
		expiresAt sql.NullInt64
	)
	if err := sc.Scan(&rec.ID, &rec.SessionID, &status, &meta, &createdAt, &updatedAt, &expiresAt); err != nil {
		return nil, err
	}
	rec.Status = task.Status(status)
	rec.Meta = meta
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
