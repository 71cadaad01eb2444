// Package postgres implements the client-server-SQL task store on
// PostgreSQL, accessed through database/sql with the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/phrazzld/taskhorn/internal/task"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBTX abstracts the database access layer. It is implemented by both
// *sql.DB and *sql.Tx, so the store works inside caller-managed
// transactions.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TaskStore implements task.Store backed by PostgreSQL. Row-level locking on
// the conditional UPDATEs guarantees concurrent terminal-transition attempts
// resolve to exactly one winner.
type TaskStore struct {
	db     DBTX
	closer func() error
}

var _ task.Store = (*TaskStore)(nil)

// Open connects to PostgreSQL, verifies the connection, and applies pending
// migrations.
func Open(ctx context.Context, url string) (*TaskStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", task.ErrBackendUnavailable, err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &TaskStore{db: db, closer: db.Close}, nil
}

// New wraps an existing connection or transaction without running
// migrations. Close is a no-op; the caller owns the connection.
func New(db DBTX) *TaskStore {
	return &TaskStore{db: db, closer: func() error { return nil }}
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// live excludes records whose time-to-live has passed.
const live = `(expires_at IS NULL OR expires_at > now())`

// CreateTask inserts a new record.
func (s *TaskStore) CreateTask(ctx context.Context, rec *task.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, status, meta, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.SessionID, string(rec.Status), metaArg(rec.Meta),
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
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
		WHERE id = $1 AND `+live+`
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

func (s *TaskStore) currentStatus(ctx context.Context, id string) (task.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM tasks WHERE id = $1 AND `+live+`
	`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("read task status: %w", err)
	}
	return task.Status(status), nil
}

// UpdateStatus transitions a task's status under the state machine.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status task.Status) error {
	current, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if err := task.ValidateTransition(current, status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3 AND `+live+`
	`, string(status), id, string(task.StatusWorking))
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
// records the outcome. The conditional UPDATE makes concurrent terminal
// writes resolve to exactly one winner; losers see ErrAlreadyTerminal.
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
		UPDATE tasks SET status = $1, outcome = $2, updated_at = now()
		WHERE id = $3 AND status = $4 AND `+live+`
	`, string(out.Status), payload, id, string(task.StatusWorking))
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
	var status string
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT status, outcome FROM tasks WHERE id = $1 AND `+live+`
	`, id).Scan(&status, &payload)
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

	// Resolve the cursor to its sort-key tuple. A vanished cursor record
	// restarts the page from the beginning of the remaining set.
	var afterAt time.Time
	afterID := ""
	haveCursor := false
	if cursor != "" {
		err := s.db.QueryRowContext(ctx, `
			SELECT created_at FROM tasks WHERE id = $1 AND `+live+`
		`, cursor).Scan(&afterAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Restart from the beginning.
		case err != nil:
			return nil, fmt.Errorf("resolve cursor: %w", err)
		default:
			afterID = cursor
			haveCursor = true
		}
	}

	query := `
		SELECT id, session_id, status, meta, created_at, updated_at, expires_at
		FROM tasks
		WHERE ` + live
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if haveCursor {
		query += fmt.Sprintf(` AND (created_at, id) > (%s, %s)`, arg(afterAt), arg(afterID))
	}
	if sessionID != "" {
		query += fmt.Sprintf(` AND session_id = %s`, arg(sessionID))
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT %s`, arg(limit+1))

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
	payload, err := json.Marshal(task.FailedOutcome("task exceeded recovery threshold"))
	if err != nil {
		return 0, fmt.Errorf("encode recovery outcome: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, outcome = $2, updated_at = now()
		WHERE status = $3 AND updated_at < $4 AND `+live+`
	`, string(task.StatusFailed), payload, string(task.StatusWorking),
		time.Now().UTC().Add(-olderThan))
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
		UPDATE tasks SET updated_at = now() WHERE id = $1 AND `+live+`
	`, id)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return nil
}

// DeleteExpired removes rows whose time-to-live has passed.
func (s *TaskStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE expires_at IS NOT NULL AND expires_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("delete expired tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ping verifies the database is reachable.
func (s *TaskStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", task.ErrBackendUnavailable, err)
	}
	return nil
}

// Close closes the underlying connection when this store owns it.
func (s *TaskStore) Close() error { return s.closer() }

// Kind identifies this backend.
func (s *TaskStore) Kind() string { return "postgres" }

// metaArg maps empty metadata to NULL rather than invalid empty JSONB.
func metaArg(meta json.RawMessage) any {
	if len(meta) == 0 {
		return nil
	}
	return []byte(meta)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*task.Record, error) {
	var (
		rec       task.Record
		status    string
		meta      []byte
		expiresAt sql.NullTime
	)
	if err := sc.Scan(&rec.ID, &rec.SessionID, &status, &meta, &rec.CreatedAt, &rec.UpdatedAt, &expiresAt); err != nil {
		return nil, err
	}
	rec.Status = task.Status(status)
	rec.Meta = meta
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
