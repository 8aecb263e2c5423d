package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pdart-go/hstqueue/internal/model"
)

const sqliteSchema = `
CREATE TABLE task_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	proposal_id TEXT    NOT NULL,
	visit       TEXT    NOT NULL,
	task_num    INTEGER NOT NULL,
	priority    INTEGER NOT NULL,
	status      TEXT    NOT NULL,
	cmd         TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE (proposal_id, visit, task_num)
);
CREATE INDEX idx_task_queue_runnable ON task_queue (status, priority, seq);
CREATE TABLE subprocess_list (
	pid              INTEGER PRIMARY KEY,
	task_num         INTEGER NOT NULL,
	start_time       INTEGER NOT NULL,
	max_allowed_time INTEGER NOT NULL,
	visit            TEXT    NOT NULL,
	proposal_id      TEXT    NOT NULL
);
CREATE INDEX idx_subprocess_lookup ON subprocess_list (proposal_id, task_num, visit);
`

// SQLiteStore keeps the task queue and the slot registry in one SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func sqliteDSN(path string, mode string) string {
	return fmt.Sprintf("file:%s?mode=%s&_busy_timeout=5000&_txlock=immediate", path, mode)
}

func openSQLite(ctx context.Context, path, mode string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens an existing store file. Neither the file nor its tables are
// created.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrStoreMissing)
		}
		return nil, fmt.Errorf("stat store: %w", err)
	}
	s, err := openSQLite(ctx, path, "rw")
	if err != nil {
		return nil, err
	}
	ok, err := s.tablesExist(ctx, s.db)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if !ok {
		_ = s.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrStoreMissing)
	}
	return s, nil
}

// CreateSQLite creates the store file and its tables.
func CreateSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	s, err := openSQLite(ctx, path, "rwc")
	if err != nil {
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) tablesExist(ctx context.Context, q queryer) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('task_queue', 'subprocess_list')`,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	return n == 2, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.tablesExist(ctx, tx)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%s: %w", s.path, ErrStoreExists)
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS task_queue; DROP TABLE IF EXISTS subprocess_list;`); err != nil {
			return fmt.Errorf("drop partial schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) Exists(ctx context.Context) (bool, error) {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat store: %w", err)
	}
	return s.tablesExist(ctx, s.db)
}

func (s *SQLiteStore) Erase(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin erase tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue`); err != nil {
			return fmt.Errorf("erase task_queue: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM subprocess_list`); err != nil {
			return fmt.Errorf("erase subprocess_list: %w", err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (s *SQLiteStore) Enqueue(ctx context.Context, task model.Task) (bool, error) {
	task.Status = model.StatusQueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	res, err := s.exec(ctx,
		`INSERT OR IGNORE INTO task_queue (proposal_id, visit, task_num, priority, status, cmd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ProposalID, task.Visit, task.Stage, task.Priority, string(task.Status), task.Command,
		task.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", task.TaskKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: rows affected: %w", task.TaskKey, err)
	}
	return n == 1, nil
}

const taskColumns = `proposal_id, visit, task_num, priority, status, cmd, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (model.Task, error) {
	var t model.Task
	var status string
	var created int64
	if err := r.Scan(&t.ProposalID, &t.Visit, &t.Stage, &t.Priority, &status, &t.Command, &created); err != nil {
		return model.Task{}, err
	}
	t.Status = model.Status(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	return t, nil
}

func (s *SQLiteStore) NextRunnable(ctx context.Context) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue WHERE status = ? ORDER BY priority ASC, seq ASC LIMIT 1`,
		string(model.StatusQueued),
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next runnable task: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, key model.TaskKey) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE task_queue SET status = ? WHERE proposal_id = ? AND visit = ? AND task_num = ? AND status = ?`,
		string(model.StatusRunning), key.ProposalID, key.Visit, key.Stage, string(model.StatusQueued),
	)
	if err != nil {
		return false, fmt.Errorf("mark running %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark running %s: rows affected: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Has(ctx context.Context, key model.TaskKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_queue WHERE proposal_id = ? AND visit = ? AND task_num = ?`,
		key.ProposalID, key.Visit, key.Stage,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key model.TaskKey) error {
	_, err := s.exec(ctx,
		`DELETE FROM task_queue WHERE proposal_id = ? AND visit = ? AND task_num = ?`,
		key.ProposalID, key.Visit, key.Stage,
	)
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveAll(ctx context.Context, proposalID string) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM task_queue WHERE proposal_id = ?`, proposalID)
	if err != nil {
		return 0, fmt.Errorf("remove tasks of %s: %w", proposalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("remove tasks of %s: rows affected: %w", proposalID, err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Tasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_queue ORDER BY status DESC, priority ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ReserveSlot counts and inserts in one statement; the write lock taken by
// the statement keeps other connections from interleaving.
func (s *SQLiteStore) ReserveSlot(ctx context.Context, slot model.ProcessSlot, limit int) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT OR IGNORE INTO subprocess_list (pid, task_num, start_time, max_allowed_time, visit, proposal_id)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE (SELECT COUNT(*) FROM subprocess_list) < ?`,
		slot.PID, slot.Stage, slot.StartedAt.UnixNano(), slot.Deadline.UnixNano(), slot.Visit, slot.ProposalID,
		limit,
	)
	if err != nil {
		return false, fmt.Errorf("reserve slot pid=%d: %w", slot.PID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve slot pid=%d: rows affected: %w", slot.PID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) AssignSlot(ctx context.Context, reserved int, slot model.ProcessSlot) error {
	res, err := s.exec(ctx,
		`UPDATE subprocess_list
		 SET pid = ?, task_num = ?, start_time = ?, max_allowed_time = ?, visit = ?, proposal_id = ?
		 WHERE pid = ?`,
		slot.PID, slot.Stage, slot.StartedAt.UnixNano(), slot.Deadline.UnixNano(), slot.Visit, slot.ProposalID,
		reserved,
	)
	if err != nil {
		return fmt.Errorf("assign slot pid=%d to %d: %w", reserved, slot.PID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("assign slot pid=%d to %d: rows affected: %w", reserved, slot.PID, err)
	}
	if n == 0 {
		return fmt.Errorf("assign slot pid=%d: %w", reserved, ErrSlotMissing)
	}
	return nil
}

func (s *SQLiteStore) Slots(ctx context.Context) ([]model.ProcessSlot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, task_num, start_time, max_allowed_time, visit, proposal_id
		 FROM subprocess_list ORDER BY start_time ASC, pid ASC`)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []model.ProcessSlot
	for rows.Next() {
		var sl model.ProcessSlot
		var start, deadline int64
		if err := rows.Scan(&sl.PID, &sl.Stage, &start, &deadline, &sl.Visit, &sl.ProposalID); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		sl.StartedAt = time.Unix(0, start).UTC()
		sl.Deadline = time.Unix(0, deadline).UTC()
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

func (s *SQLiteStore) SlotCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subprocess_list`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count slots: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) RemoveSlot(ctx context.Context, pid int) error {
	if _, err := s.exec(ctx, `DELETE FROM subprocess_list WHERE pid = ?`, pid); err != nil {
		return fmt.Errorf("remove slot pid=%d: %w", pid, err)
	}
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, on top of the
// driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}
