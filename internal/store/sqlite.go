package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// SQLiteStore implements Store using SQLite. It is the desktop default:
// a single file under the user's data directory, WAL mode, no server.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
// An empty path defaults to ~/.kirapilot/engine.db.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dbPath = filepath.Join(home, ".kirapilot", "engine.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		priority      TEXT NOT NULL DEFAULT 'medium',
		due_date      TEXT,
		estimate_mins INTEGER NOT NULL DEFAULT 0,
		tags          TEXT NOT NULL DEFAULT '[]',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(due_date);

	CREATE TABLE IF NOT EXISTS time_sessions (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id),
		started_at TEXT NOT NULL,
		ended_at   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_task ON time_sessions(task_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_active ON time_sessions(ended_at);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL DEFAULT '',
		tool_name        TEXT NOT NULL,
		parameters       TEXT NOT NULL DEFAULT '{}',
		inferred         TEXT,
		result           TEXT NOT NULL DEFAULT '{}',
		context_snapshot TEXT,
		timestamp        TEXT NOT NULL,
		user_id          TEXT,
		duration_ms      INTEGER NOT NULL DEFAULT 0,
		success          INTEGER NOT NULL DEFAULT 0,
		error            TEXT,
		performance      TEXT NOT NULL,
		category         TEXT NOT NULL,
		recovery         TEXT,
		created_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_session ON execution_logs(session_id);
	CREATE INDEX IF NOT EXISTS idx_logs_tool ON execution_logs(tool_name);
	CREATE INDEX IF NOT EXISTS idx_logs_ts ON execution_logs(timestamp);

	CREATE TABLE IF NOT EXISTS analytics_rollups (
		id           TEXT PRIMARY KEY,
		period       TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end   TEXT NOT NULL,
		payload      TEXT NOT NULL,
		computed_at  TEXT NOT NULL,
		UNIQUE(period, window_start, window_end)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Timestamps are stored as RFC 3339 UTC text.
const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

// ── Tasks ───────────────────────────────────────────────────

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}

	tags, _ := json.Marshal(task.Tags)
	var due *string
	if task.DueDate != nil {
		d := encodeTime(*task.DueDate)
		due = &d
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, due_date, estimate_mins, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, string(task.Status), string(task.Priority),
		due, task.EstimateMins, string(tags), encodeTime(task.CreatedAt), encodeTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, title, description, status, priority, due_date, estimate_mins, tags, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var due sql.NullString
	var tags, created, updated string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&due, &t.EstimateMins, &tags, &created, &updated)
	if err != nil {
		return nil, err
	}
	if due.Valid {
		d := decodeTime(due.String)
		t.DueDate = &d
	}
	json.Unmarshal([]byte(tags), &t.Tags)
	t.CreatedAt = decodeTime(created)
	t.UpdatedAt = decodeTime(updated)
	return &t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(filter.Priority))
	}
	if filter.Tag != "" {
		query += ` AND tags LIKE ?`
		args = append(args, `%"`+filter.Tag+`"%`)
	}
	if filter.DueBy != nil {
		query += ` AND due_date IS NOT NULL AND due_date <= ?`
		args = append(args, encodeTime(*filter.DueBy))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, fields map[string]any) (*models.Task, error) {
	if len(fields) == 0 {
		return s.GetTask(ctx, id)
	}

	sets := []string{"updated_at = ?"}
	args := []any{encodeTime(time.Now())}
	for _, col := range []string{"title", "description", "status", "priority", "estimate_mins"} {
		if v, ok := fields[col]; ok {
			sets = append(sets, col+" = ?")
			args = append(args, v)
		}
	}
	if v, ok := fields["due_date"]; ok {
		switch d := v.(type) {
		case time.Time:
			sets = append(sets, "due_date = ?")
			args = append(args, encodeTime(d))
		case nil:
			sets = append(sets, "due_date = NULL")
		default:
			sets = append(sets, "due_date = ?")
			args = append(args, fmt.Sprint(v))
		}
	}
	if v, ok := fields["tags"]; ok {
		tags, _ := json.Marshal(v)
		sets = append(sets, "tags = ?")
		args = append(args, string(tags))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	return s.GetTask(ctx, id)
}

// ── Timers ──────────────────────────────────────────────────

func (s *SQLiteStore) StartTimer(ctx context.Context, taskID string) (*models.TimeSession, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	// Stop any running session first.
	if _, err := s.StopTimer(ctx); err != nil {
		if _, ok := err.(*ErrNotFound); !ok {
			return nil, err
		}
	}

	sess := &models.TimeSession{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO time_sessions (id, task_id, started_at) VALUES (?, ?, ?)`,
		sess.ID, sess.TaskID, encodeTime(sess.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("start timer: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) StopTimer(ctx context.Context) (*models.TimeSession, error) {
	sess, err := s.ActiveTimer(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE time_sessions SET ended_at = ? WHERE id = ?`, encodeTime(now), sess.ID)
	if err != nil {
		return nil, fmt.Errorf("stop timer: %w", err)
	}
	sess.EndedAt = &now
	return sess, nil
}

func (s *SQLiteStore) ActiveTimer(ctx context.Context) (*models.TimeSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, started_at FROM time_sessions WHERE ended_at IS NULL ORDER BY started_at DESC LIMIT 1`)
	var sess models.TimeSession
	var started string
	err := row.Scan(&sess.ID, &sess.TaskID, &started)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "active timer", Key: "current"}
	}
	if err != nil {
		return nil, fmt.Errorf("active timer: %w", err)
	}
	sess.StartedAt = decodeTime(started)
	return &sess, nil
}

func (s *SQLiteStore) ProductivityAnalytics(ctx context.Context, start, end time.Time) ([]models.ProductivityStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT substr(started_at, 1, 10) AS day,
		       CAST(SUM(strftime('%s', ended_at) - strftime('%s', started_at)) AS INTEGER),
		       COUNT(*)
		FROM time_sessions
		WHERE ended_at IS NOT NULL AND started_at >= ? AND started_at < ?
		GROUP BY day ORDER BY day`,
		encodeTime(start), encodeTime(end))
	if err != nil {
		return nil, fmt.Errorf("productivity analytics: %w", err)
	}
	defer rows.Close()

	stats := []models.ProductivityStat{}
	for rows.Next() {
		var st models.ProductivityStat
		if err := rows.Scan(&st.Day, &st.FocusedSeconds, &st.Sessions); err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Completed-task counts per day, merged into the same rows.
	crows, err := s.db.QueryContext(ctx, `
		SELECT substr(updated_at, 1, 10) AS day, COUNT(*)
		FROM tasks
		WHERE status = 'completed' AND updated_at >= ? AND updated_at < ?
		GROUP BY day`,
		encodeTime(start), encodeTime(end))
	if err != nil {
		return nil, fmt.Errorf("completed counts: %w", err)
	}
	defer crows.Close()

	completed := map[string]int64{}
	for crows.Next() {
		var day string
		var n int64
		if err := crows.Scan(&day, &n); err != nil {
			return nil, err
		}
		completed[day] = n
	}
	for i := range stats {
		stats[i].TasksCompleted = completed[stats[i].Day]
	}
	return stats, crows.Err()
}

// ── Execution Logs ──────────────────────────────────────────

func (s *SQLiteStore) InsertExecutionLog(ctx context.Context, rec *models.ExecutionLog) error {
	params, _ := json.Marshal(rec.Parameters)
	inferred, _ := json.Marshal(rec.Inferred)
	result, _ := json.Marshal(rec.Result)
	snapshot, _ := json.Marshal(rec.ContextSnapshot)
	recovery, _ := json.Marshal(rec.RecoverySuggestions)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_logs
			(id, session_id, tool_name, parameters, inferred, result, context_snapshot,
			 timestamp, user_id, duration_ms, success, error, performance, category, recovery, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.ToolName, string(params), string(inferred), string(result),
		string(snapshot), encodeTime(rec.Timestamp), rec.UserID, rec.DurationMs,
		boolToInt(rec.Success), rec.Error, string(rec.Performance), string(rec.Category),
		string(recovery), encodeTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListExecutionLogs(ctx context.Context, filter models.LogFilter) ([]models.ExecutionLog, error) {
	query := `SELECT id, session_id, tool_name, parameters, inferred, result, context_snapshot,
		timestamp, user_id, duration_ms, success, error, performance, category, recovery, created_at
		FROM execution_logs WHERE 1=1`
	var args []any
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.ToolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, filter.ToolName)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, encodeTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND timestamp < ?`
		args = append(args, encodeTime(*filter.Until))
	}
	query += ` ORDER BY timestamp ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	logs := []models.ExecutionLog{}
	for rows.Next() {
		var rec models.ExecutionLog
		var params, inferred, result, snapshot, recovery string
		var userID, errMsg sql.NullString
		var ts, created string
		var success int
		err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ToolName, &params, &inferred, &result,
			&snapshot, &ts, &userID, &rec.DurationMs, &success, &errMsg,
			&rec.Performance, &rec.Category, &recovery, &created)
		if err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		json.Unmarshal([]byte(params), &rec.Parameters)
		json.Unmarshal([]byte(inferred), &rec.Inferred)
		json.Unmarshal([]byte(result), &rec.Result)
		json.Unmarshal([]byte(snapshot), &rec.ContextSnapshot)
		json.Unmarshal([]byte(recovery), &rec.RecoverySuggestions)
		rec.Timestamp = decodeTime(ts)
		rec.CreatedAt = decodeTime(created)
		rec.UserID = userID.String
		rec.Error = errMsg.String
		rec.Success = success == 1
		logs = append(logs, rec)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) CountExecutionLogs(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_logs`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) PruneExecutionLogs(ctx context.Context, maxCount, batchSize int) (int, error) {
	pruned := 0
	for {
		count, err := s.CountExecutionLogs(ctx)
		if err != nil {
			return pruned, err
		}
		if count <= int64(maxCount) {
			return pruned, nil
		}
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM execution_logs WHERE id IN (
				SELECT id FROM execution_logs ORDER BY timestamp ASC, id ASC LIMIT ?
			)`, batchSize)
		if err != nil {
			return pruned, fmt.Errorf("prune execution logs: %w", err)
		}
		n, _ := res.RowsAffected()
		pruned += int(n)
		if n == 0 {
			return pruned, nil
		}
	}
}

// ── Rollups ─────────────────────────────────────────────────

func (s *SQLiteStore) UpsertRollup(ctx context.Context, rollup *models.AnalyticsRollup) error {
	if rollup.ID == "" {
		rollup.ID = uuid.NewString()
	}
	payload, err := json.Marshal(rollup)
	if err != nil {
		return fmt.Errorf("marshal rollup: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analytics_rollups (id, period, window_start, window_end, payload, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(period, window_start, window_end)
		DO UPDATE SET payload = excluded.payload, computed_at = excluded.computed_at`,
		rollup.ID, string(rollup.Period), encodeTime(rollup.WindowStart), encodeTime(rollup.WindowEnd),
		string(payload), encodeTime(rollup.ComputedAt))
	if err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRollup(ctx context.Context, period models.RollupPeriod, start, end time.Time) (*models.AnalyticsRollup, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM analytics_rollups
		WHERE period = ? AND window_start = ? AND window_end = ?`,
		string(period), encodeTime(start), encodeTime(end)).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "rollup", Key: string(period)}
	}
	if err != nil {
		return nil, fmt.Errorf("get rollup: %w", err)
	}
	var rollup models.AnalyticsRollup
	if err := json.Unmarshal([]byte(payload), &rollup); err != nil {
		return nil, fmt.Errorf("unmarshal rollup: %w", err)
	}
	return &rollup, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
