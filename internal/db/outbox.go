package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/termrelay/internal/model"
)

// Every outbox operation runs in one transaction and keeps outbox_schedule
// in step with outbox_tasks: a non-terminal task has exactly one schedule
// row at (next_attempt_at, message_id), a terminal task has none.

func (s *Store) EnqueueOutbox(ctx context.Context, messageID string, payload model.DispatchPayload, now time.Time) (model.ChatOutboxTask, error) {
	if strings.TrimSpace(messageID) == "" {
		return model.ChatOutboxTask{}, fmt.Errorf("%w: empty message id", ErrInvalid)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.ChatOutboxTask{}, fmt.Errorf("marshal payload: %w", err)
	}

	var task model.ChatOutboxTask
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getOutboxTask(ctx, tx, messageID)
		switch {
		case errors.Is(err, ErrNotFound):
			existing = model.ChatOutboxTask{CreatedAt: now}
		case err != nil:
			return err
		}
		if err := deleteSchedule(ctx, tx, messageID); err != nil {
			return err
		}
		task = model.ChatOutboxTask{
			MessageID:     messageID,
			Payload:       payload,
			Status:        model.OutboxPending,
			Attempts:      existing.Attempts,
			CreatedAt:     existing.CreatedAt,
			UpdatedAt:     now,
			NextAttemptAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO outbox_tasks(message_id, payload_json, status, attempts, created_at, updated_at, next_attempt_at, sending_since, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, NULL, '')
ON CONFLICT(message_id) DO UPDATE SET
	payload_json = excluded.payload_json,
	status = excluded.status,
	updated_at = excluded.updated_at,
	next_attempt_at = excluded.next_attempt_at,
	sending_since = NULL,
	last_error = ''
`, messageID, string(raw), string(task.Status), task.Attempts, ts(task.CreatedAt), ts(now), ms(now)); err != nil {
			return fmt.Errorf("write outbox task: %w", err)
		}
		return insertSchedule(ctx, tx, now, messageID)
	})
	if err != nil {
		return model.ChatOutboxTask{}, err
	}
	return task, nil
}

// ClaimDueOutbox leases up to limit due tasks. A task still inside its lease
// is pushed back to its lease expiry instead of being claimed twice.
func (s *Store) ClaimDueOutbox(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]model.ChatOutboxTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []model.ChatOutboxTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		candidates, err := dueScheduleIDs(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, id := range candidates {
			if len(claimed) >= limit {
				break
			}
			task, err := getOutboxTask(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				if err := deleteSchedule(ctx, tx, id); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if task.Status.IsTerminal() {
				if err := deleteSchedule(ctx, tx, id); err != nil {
					return err
				}
				continue
			}
			if task.Status == model.OutboxSending && task.SendingSince != nil {
				expiry := task.SendingSince.Add(lease)
				if expiry.After(now) {
					if err := reschedule(ctx, tx, id, expiry); err != nil {
						return err
					}
					continue
				}
			}

			sendingSince := now
			task.Status = model.OutboxSending
			task.Attempts++
			task.SendingSince = &sendingSince
			task.UpdatedAt = now
			task.NextAttemptAt = now.Add(lease)
			if _, err := tx.ExecContext(ctx, `
UPDATE outbox_tasks
SET status = ?, attempts = ?, sending_since = ?, updated_at = ?, next_attempt_at = ?
WHERE message_id = ?
`, string(task.Status), task.Attempts, nullableTS(task.SendingSince), ts(now), ms(task.NextAttemptAt), id); err != nil {
				return fmt.Errorf("claim outbox task %s: %w", id, err)
			}
			if err := deleteSchedule(ctx, tx, id); err != nil {
				return err
			}
			if err := insertSchedule(ctx, tx, task.NextAttemptAt, id); err != nil {
				return err
			}
			claimed = append(claimed, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, messageID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getOutboxTask(ctx, tx, messageID); err != nil {
			return err
		}
		if err := deleteSchedule(ctx, tx, messageID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE outbox_tasks
SET status = ?, sending_since = NULL, updated_at = ?, last_error = ''
WHERE message_id = ?
`, string(model.OutboxSent), ts(now), messageID); err != nil {
			return fmt.Errorf("mark outbox sent: %w", err)
		}
		return nil
	})
}

// MarkOutboxFailed records a failed delivery. A dead task keeps no schedule
// row; otherwise it becomes visible again at next.
func (s *Store) MarkOutboxFailed(ctx context.Context, messageID string, next time.Time, lastError string, dead bool, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getOutboxTask(ctx, tx, messageID); err != nil {
			return err
		}
		if err := deleteSchedule(ctx, tx, messageID); err != nil {
			return err
		}
		status := model.OutboxFailed
		if dead {
			status = model.OutboxDead
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE outbox_tasks
SET status = ?, sending_since = NULL, updated_at = ?, next_attempt_at = ?, last_error = ?
WHERE message_id = ?
`, string(status), ts(now), ms(next), lastError, messageID); err != nil {
			return fmt.Errorf("mark outbox failed: %w", err)
		}
		if dead {
			return nil
		}
		return insertSchedule(ctx, tx, next, messageID)
	})
}

func (s *Store) GetOutboxTask(ctx context.Context, messageID string) (model.ChatOutboxTask, error) {
	return getOutboxTask(ctx, s.db, messageID)
}

// OutboxScheduleEntries lists the schedule rows held for one task.
func (s *Store) OutboxScheduleEntries(ctx context.Context, messageID string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT due_at FROM outbox_schedule WHERE message_id = ? ORDER BY due_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list outbox schedule: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []time.Time
	for rows.Next() {
		var due int64
		if err := rows.Scan(&due); err != nil {
			return nil, fmt.Errorf("scan outbox schedule: %w", err)
		}
		out = append(out, fromMS(due))
	}
	return out, rows.Err()
}

// CountOutboxByStatus reports task counts per status.
func (s *Store) CountOutboxByStatus(ctx context.Context) (map[model.OutboxStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	out := map[model.OutboxStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		out[model.OutboxStatus(status)] = n
	}
	return out, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOutboxTask(ctx context.Context, q queryer, messageID string) (model.ChatOutboxTask, error) {
	var (
		task         model.ChatOutboxTask
		payloadJSON  string
		status       string
		createdAt    string
		updatedAt    string
		nextAttempt  int64
		sendingSince sql.NullString
	)
	err := q.QueryRowContext(ctx, `
SELECT message_id, payload_json, status, attempts, created_at, updated_at, next_attempt_at, sending_since, last_error
FROM outbox_tasks
WHERE message_id = ?
`, messageID).Scan(&task.MessageID, &payloadJSON, &status, &task.Attempts, &createdAt, &updatedAt, &nextAttempt, &sendingSince, &task.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChatOutboxTask{}, ErrNotFound
	}
	if err != nil {
		return model.ChatOutboxTask{}, fmt.Errorf("get outbox task: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
		return model.ChatOutboxTask{}, fmt.Errorf("decode outbox payload %s: %w", messageID, err)
	}
	task.Status = model.OutboxStatus(status)
	if task.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.ChatOutboxTask{}, fmt.Errorf("parse created_at: %w", err)
	}
	if task.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.ChatOutboxTask{}, fmt.Errorf("parse updated_at: %w", err)
	}
	task.NextAttemptAt = fromMS(nextAttempt)
	if sendingSince.Valid {
		v, err := parseTS(sendingSince.String)
		if err != nil {
			return model.ChatOutboxTask{}, fmt.Errorf("parse sending_since: %w", err)
		}
		task.SendingSince = &v
	}
	return task, nil
}

func dueScheduleIDs(ctx context.Context, tx *sql.Tx, now time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT message_id FROM outbox_schedule
WHERE due_at <= ?
ORDER BY due_at, message_id
`, ms(now))
	if err != nil {
		return nil, fmt.Errorf("scan outbox schedule: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan outbox schedule row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox schedule: %w", err)
	}
	return ids, nil
}

func deleteSchedule(ctx context.Context, tx *sql.Tx, messageID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_schedule WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete outbox schedule %s: %w", messageID, err)
	}
	return nil
}

func insertSchedule(ctx context.Context, tx *sql.Tx, due time.Time, messageID string) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox_schedule(due_at, message_id) VALUES(?, ?)`, ms(due), messageID); err != nil {
		return fmt.Errorf("insert outbox schedule %s: %w", messageID, err)
	}
	return nil
}

func reschedule(ctx context.Context, tx *sql.Tx, messageID string, due time.Time) error {
	if err := deleteSchedule(ctx, tx, messageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE outbox_tasks SET next_attempt_at = ? WHERE message_id = ?`, ms(due), messageID); err != nil {
		return fmt.Errorf("move outbox visibility %s: %w", messageID, err)
	}
	return insertSchedule(ctx, tx, due, messageID)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
