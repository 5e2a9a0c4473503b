package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stemflow/internal/logging"
	"stemflow/internal/services"
	"stemflow/internal/task"
)

// InterruptedMessage is recorded on tasks found unfinished at startup.
const InterruptedMessage = "interrupted by daemon restart"

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const selectColumns = `id, name, comment, state, progress, has_progress, step, steps,
	error_message, created_at, started_at, finished_at`

// Record stores the latest snapshot of a task. It satisfies the task
// manager's journal contract.
func (s *Store) Record(ctx context.Context, info task.Info) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.exec(ctx, `
		INSERT INTO tasks (id, name, comment, state, progress, has_progress, step, steps,
			error_message, created_at, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			has_progress = excluded.has_progress,
			step = excluded.step,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`,
		info.ID, info.Name, nullableString(info.Comment), string(info.State), info.Progress,
		boolToInt(info.HasProgress), nullableString(info.Step), info.Steps,
		nullableString(info.Error), formatTime(info.Created), nullableTime(info.Started),
		nullableTime(info.Finished), now,
	)
	if err != nil {
		return services.Wrap(services.ErrWriteFailure, "journal", "record", info.ID, err)
	}
	return nil
}

// Get returns the journaled snapshot of a task.
func (s *Store) Get(ctx context.Context, id string) (task.Info, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tasks WHERE id = ?`, id)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Info{}, services.Wrap(services.ErrNotFound, "journal", "get", id, nil)
	}
	if err != nil {
		return task.Info{}, services.Wrap(services.ErrReadFailure, "journal", "get", id, err)
	}
	return info, nil
}

// List returns tasks ordered by creation time, optionally filtered by state.
// A positive limit keeps only the most recent tasks.
func (s *Store) List(ctx context.Context, limit int, states ...task.State) ([]task.Info, error) {
	query := `SELECT ` + selectColumns + ` FROM tasks`
	args := make([]any, 0, len(states)+1)
	if len(states) > 0 {
		query += ` WHERE state IN (` + makePlaceholders(len(states)) + `)`
		for _, state := range states {
			args = append(args, string(state))
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrReadFailure, "journal", "list", "query tasks", err)
	}
	defer rows.Close()

	var out []task.Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrReadFailure, "journal", "list", "scan task", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Stats returns a count of journaled tasks grouped by state.
func (s *Store) Stats(ctx context.Context) (map[task.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("journal stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[task.State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[task.State(state)] = count
	}
	return stats, rows.Err()
}

// Clear removes finished tasks and reports how many rows went away.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM tasks WHERE state IN (?, ?, ?, ?)`,
		string(task.StateCompleted), string(task.StateAborted),
		string(task.StateExcepted), string(task.StateCancelled))
	if err != nil {
		return 0, services.Wrap(services.ErrWriteFailure, "journal", "clear", "delete finished tasks", err)
	}
	return res.RowsAffected()
}

// ResolveInterrupted marks tasks a previous daemon left waiting or submitted.
// Waiting tasks become cancelled, submitted ones aborted.
func (s *Store) ResolveInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(timeLayout)
	var total int64
	for from, to := range map[task.State]task.State{
		task.StateInitialized: task.StateCancelled,
		task.StateWaiting:     task.StateCancelled,
		task.StateSubmitted:   task.StateAborted,
	} {
		res, err := s.exec(ctx, `
			UPDATE tasks SET state = ?, error_message = ?, finished_at = ?, updated_at = ?
			WHERE state = ?`,
			string(to), InterruptedMessage, now, now, string(from))
		if err != nil {
			return total, services.Wrap(services.ErrWriteFailure, "journal", "resolve interrupted", string(from), err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info("resolved interrupted tasks", logging.Int64("count", total))
	}
	return total, nil
}

func scanInfo(scanner interface{ Scan(dest ...any) error }) (task.Info, error) {
	var (
		info                  task.Info
		state                 string
		hasProgress           int
		comment, step, errMsg sql.NullString
		created               string
		started, finished     sql.NullString
	)
	if err := scanner.Scan(&info.ID, &info.Name, &comment, &state, &info.Progress, &hasProgress,
		&step, &info.Steps, &errMsg, &created, &started, &finished); err != nil {
		return task.Info{}, err
	}
	info.State = task.State(state)
	info.HasProgress = hasProgress != 0
	info.Comment = comment.String
	info.Step = step.String
	info.Error = errMsg.String
	info.StepIndex = -1
	if ts, err := parseTimeString(created); err == nil {
		info.Created = ts
	}
	if started.Valid {
		if ts, err := parseTimeString(started.String); err == nil {
			info.Started = ts
		}
	}
	if finished.Valid {
		if ts, err := parseTimeString(finished.String); err == nil {
			info.Finished = ts
		}
	}
	return info, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		value = time.Now()
	}
	return value.UTC().Format(timeLayout)
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC().Format(timeLayout)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
