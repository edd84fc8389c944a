package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
)

// ResultRecord is one stored task result.
type ResultRecord struct {
	ID        int64
	Batch     tasks.Batch
	Result    tasks.Result
	Late      bool
	CreatedAt time.Time
}

// ResultStore appends task results into task_results.
type ResultStore struct {
	db *DB
}

// NewResultStore wraps db.
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

// RecordResult stores res. late marks results that arrived after Submit returned.
func (s *ResultStore) RecordResult(ctx context.Context, batch tasks.Batch, res tasks.Result, late bool) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.db.ExecContext(ctx, `INSERT INTO task_results
		(task_id, caller_id, keyword, device_id, role, instruction, success, payload, error,
		 duration_ms, session_id, stop_reason, late, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.TaskID, batch.CallerID, batch.Keyword, res.DeviceID, res.Role, res.Instruction,
		boolInt(res.Success), res.Payload, res.Error, res.Duration.Milliseconds(),
		res.SessionID, res.StopReason, boolInt(late), formatTime(time.Now()))
	if err != nil {
		return errors.Wrapf(err, "storage: insert result for %s failed", res.DeviceID)
	}
	return nil
}

// ListResults returns results for taskID in insertion order.
func (s *ResultStore) ListResults(ctx context.Context, taskID string) ([]ResultRecord, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT id, task_id, caller_id, keyword, device_id, role, instruction,
		success, payload, error, duration_ms, session_id, stop_reason, late, created_at
		FROM task_results WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query results failed")
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		var (
			rec           ResultRecord
			success, late int
			durationMS    int64
			createdAt     string
		)
		if err := rows.Scan(&rec.ID, &rec.Batch.TaskID, &rec.Batch.CallerID, &rec.Batch.Keyword,
			&rec.Result.DeviceID, &rec.Result.Role, &rec.Result.Instruction, &success,
			&rec.Result.Payload, &rec.Result.Error, &durationMS, &rec.Result.SessionID,
			&rec.Result.StopReason, &late, &createdAt); err != nil {
			return nil, errors.Wrap(err, "storage: scan result failed")
		}
		rec.Result.Success = success == 1
		rec.Result.Duration = time.Duration(durationMS) * time.Millisecond
		rec.Late = late == 1
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate results failed")
}
