package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
)

// Backlog statuses.
const (
	BacklogPending = "pending"
	BacklogRunning = "running"
	BacklogDone    = "done"
	BacklogFailed  = "failed"
)

// BacklogItem is one queued batch.
type BacklogItem struct {
	ID        int64
	Batch     tasks.Batch
	Tasks     []tasks.Task
	Status    string
	Error     string
	CreatedAt time.Time
}

// Backlog is the task_backlog queue polled by the listener.
type Backlog struct {
	db *DB
}

// NewBacklog wraps db.
func NewBacklog(db *DB) *Backlog {
	return &Backlog{db: db}
}

// Enqueue inserts a pending batch. Task ids are unique; re-enqueueing an
// existing id is an error.
func (b *Backlog) Enqueue(ctx context.Context, batch tasks.Batch, items []tasks.Task) (int64, error) {
	if strings.TrimSpace(batch.TaskID) == "" {
		return 0, errors.New("storage: backlog task id is empty")
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return 0, errors.Wrap(err, "storage: marshal backlog tasks failed")
	}
	now := formatTime(time.Now())
	res, err := b.db.db.ExecContext(ctx, `INSERT INTO task_backlog
		(task_id, caller_id, keyword, tasks, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batch.TaskID, batch.CallerID, batch.Keyword, string(payload), BacklogPending, now, now)
	if err != nil {
		return 0, errors.Wrapf(err, "storage: enqueue backlog %s failed", batch.TaskID)
	}
	return res.LastInsertId()
}

// ClaimPending moves up to limit pending batches to running and returns them
// oldest first.
func (b *Backlog) ClaimPending(ctx context.Context, limit int) ([]BacklogItem, error) {
	if limit <= 0 {
		limit = 10
	}
	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "storage: begin backlog claim failed")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, task_id, caller_id, keyword, tasks, created_at
		FROM task_backlog WHERE status = ? ORDER BY id LIMIT ?`, BacklogPending, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query backlog failed")
	}
	var items []BacklogItem
	for rows.Next() {
		var (
			item      BacklogItem
			raw       string
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.Batch.TaskID, &item.Batch.CallerID, &item.Batch.Keyword, &raw, &createdAt); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "storage: scan backlog failed")
		}
		if err := json.Unmarshal([]byte(raw), &item.Tasks); err != nil {
			rows.Close()
			return nil, errors.Wrapf(err, "storage: decode backlog %s tasks failed", item.Batch.TaskID)
		}
		item.Batch.Mode = tasks.ModeAsync
		item.Status = BacklogRunning
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate backlog failed")
	}

	now := formatTime(time.Now())
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `UPDATE task_backlog SET status = ?, updated_at = ? WHERE id = ?`,
			BacklogRunning, now, item.ID); err != nil {
			return nil, errors.Wrapf(err, "storage: claim backlog %d failed", item.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "storage: commit backlog claim failed")
	}
	return items, nil
}

// Finish records the terminal status for a claimed batch.
func (b *Backlog) Finish(ctx context.Context, id int64, status, errMsg string) error {
	res, err := b.db.db.ExecContext(ctx, `UPDATE task_backlog SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, formatTime(time.Now()), id)
	if err != nil {
		return errors.Wrapf(err, "storage: finish backlog %d failed", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(sql.ErrNoRows, "storage: backlog %d not found", id)
	}
	return nil
}

// Status returns the status of the batch identified by taskID.
func (b *Backlog) Status(ctx context.Context, taskID string) (string, error) {
	var status string
	err := b.db.db.QueryRowContext(ctx, `SELECT status FROM task_backlog WHERE task_id = ?`, taskID).Scan(&status)
	if err != nil {
		return "", errors.Wrapf(err, "storage: backlog status %s failed", taskID)
	}
	return status, nil
}
