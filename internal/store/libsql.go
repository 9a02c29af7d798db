package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for components that own their own tables
// (the durable transport).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return storeErr(err, "vacuum")
}

// Ping reports whether the database is reachable.
func (s *LibSQLStore) Ping(ctx context.Context) error {
	return storeErr(s.db.PingContext(ctx), "ping")
}

// --- Scheduler state ---

type libsqlSchedulerTx struct {
	ctx context.Context
	tx  *sql.Tx
}

// WithSchedulerTx runs fn inside one database transaction.
func (s *LibSQLStore) WithSchedulerTx(ctx context.Context, fn func(tx SchedulerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin scheduler tx")
	}
	if err := fn(&libsqlSchedulerTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return storeErr(tx.Commit(), "commit scheduler tx")
}

func (t *libsqlSchedulerTx) GetTask(id string) (*schema.Task, error) {
	var data string
	err := t.tx.QueryRowContext(t.ctx, `SELECT data FROM scheduler_tasks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, storeErr(err, "get task")
	}
	task := &schema.Task{}
	if err := json.Unmarshal([]byte(data), task); err != nil {
		return nil, storeErr(err, "unmarshal task")
	}
	return task, nil
}

func (t *libsqlSchedulerTx) PutTask(task *schema.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return storeErr(err, "marshal task")
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO scheduler_tasks (id, seq, role, status, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET role=excluded.role, status=excluded.status, data=excluded.data`,
		task.ID, task.Seq, string(task.Role), string(task.Status), string(data),
	)
	return storeErr(err, "put task")
}

func (t *libsqlSchedulerTx) ListTasks() ([]*schema.Task, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT data FROM scheduler_tasks ORDER BY seq ASC`)
	if err != nil {
		return nil, storeErr(err, "list tasks")
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr(err, "scan task")
		}
		task := &schema.Task{}
		if err := json.Unmarshal([]byte(data), task); err != nil {
			return nil, storeErr(err, "unmarshal task")
		}
		tasks = append(tasks, task)
	}
	return tasks, storeErr(rows.Err(), "list tasks")
}

func (t *libsqlSchedulerTx) GetWorker(role schema.Role) (*schema.WorkerStatus, error) {
	var data string
	err := t.tx.QueryRowContext(t.ctx, `SELECT data FROM scheduler_workers WHERE role = ?`, string(role)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("worker", string(role))
	}
	if err != nil {
		return nil, storeErr(err, "get worker")
	}
	w := &schema.WorkerStatus{}
	if err := json.Unmarshal([]byte(data), w); err != nil {
		return nil, storeErr(err, "unmarshal worker")
	}
	return w, nil
}

func (t *libsqlSchedulerTx) PutWorker(w *schema.WorkerStatus) error {
	data, err := json.Marshal(w)
	if err != nil {
		return storeErr(err, "marshal worker")
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO scheduler_workers (role, data) VALUES (?, ?)
		 ON CONFLICT(role) DO UPDATE SET data=excluded.data`,
		string(w.Role), string(data),
	)
	return storeErr(err, "put worker")
}

func (t *libsqlSchedulerTx) ListWorkers() ([]*schema.WorkerStatus, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT data FROM scheduler_workers`)
	if err != nil {
		return nil, storeErr(err, "list workers")
	}
	defer rows.Close()

	var workers []*schema.WorkerStatus
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr(err, "scan worker")
		}
		w := &schema.WorkerStatus{}
		if err := json.Unmarshal([]byte(data), w); err != nil {
			return nil, storeErr(err, "unmarshal worker")
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "list workers")
	}
	sortWorkers(workers)
	return workers, nil
}

func (t *libsqlSchedulerTx) ListBlockers() ([]*schema.Blocker, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT data FROM scheduler_blockers ORDER BY position ASC`)
	if err != nil {
		return nil, storeErr(err, "list blockers")
	}
	defer rows.Close()

	var blockers []*schema.Blocker
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storeErr(err, "scan blocker")
		}
		b := &schema.Blocker{}
		if err := json.Unmarshal([]byte(data), b); err != nil {
			return nil, storeErr(err, "unmarshal blocker")
		}
		blockers = append(blockers, b)
	}
	return blockers, storeErr(rows.Err(), "list blockers")
}

func (t *libsqlSchedulerTx) ReplaceBlockers(blockers []*schema.Blocker) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM scheduler_blockers`); err != nil {
		return storeErr(err, "clear blockers")
	}
	for i, b := range blockers {
		data, err := json.Marshal(b)
		if err != nil {
			return storeErr(err, "marshal blocker")
		}
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO scheduler_blockers (position, data) VALUES (?, ?)`, i, string(data),
		); err != nil {
			return storeErr(err, "insert blocker")
		}
	}
	return nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CASError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// storeErr classifies a database failure as a retryable STORE_ERROR.
// Structured errors pass through unchanged.
func storeErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var ce *schema.CASError
	if errors.As(err, &ce) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// acquireWriteLock forces a deferred transaction to take the write lock before
// it reads a sequence, so concurrent writers cannot interleave read and insert.
func acquireWriteLock(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return storeErr(err, "acquire write lock")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return storeErr(err, "release write lock row")
	}
	return nil
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "rows affected")
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	ts := nt.Time
	return &ts
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}
