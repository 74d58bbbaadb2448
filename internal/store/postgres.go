package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// PostgresStore implements Store using PostgreSQL. Intended for shared
// deployments where several desktop clients point at one database.
// Connection URL is read from KIRAPILOT_STORE_POSTGRES_URL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connURL and runs migrations.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS kp_tasks (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL DEFAULT 'pending',
		priority      TEXT NOT NULL DEFAULT 'medium',
		due_date      TIMESTAMPTZ,
		estimate_mins INTEGER NOT NULL DEFAULT 0,
		tags          JSONB NOT NULL DEFAULT '[]',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kp_tasks_status ON kp_tasks (status);

	CREATE TABLE IF NOT EXISTS kp_time_sessions (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES kp_tasks(id),
		started_at TIMESTAMPTZ NOT NULL,
		ended_at   TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_kp_sessions_active ON kp_time_sessions (ended_at);

	CREATE TABLE IF NOT EXISTS kp_execution_logs (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL DEFAULT '',
		tool_name        TEXT NOT NULL,
		parameters       JSONB NOT NULL DEFAULT '{}',
		inferred         JSONB,
		result           JSONB NOT NULL DEFAULT '{}',
		context_snapshot JSONB,
		timestamp        TIMESTAMPTZ NOT NULL,
		user_id          TEXT,
		duration_ms      BIGINT NOT NULL DEFAULT 0,
		success          BOOLEAN NOT NULL DEFAULT FALSE,
		error            TEXT,
		performance      TEXT NOT NULL,
		category         TEXT NOT NULL,
		recovery         JSONB,
		created_at       TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kp_logs_session ON kp_execution_logs (session_id);
	CREATE INDEX IF NOT EXISTS idx_kp_logs_ts ON kp_execution_logs (timestamp);

	CREATE TABLE IF NOT EXISTS kp_rollups (
		id           TEXT PRIMARY KEY,
		period       TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		window_end   TIMESTAMPTZ NOT NULL,
		payload      JSONB NOT NULL,
		computed_at  TIMESTAMPTZ NOT NULL,
		UNIQUE (period, window_start, window_end)
	);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Tasks ───────────────────────────────────────────────────

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kp_tasks (id, title, description, status, priority, due_date, estimate_mins, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.Title, task.Description, string(task.Status), string(task.Priority),
		task.DueDate, task.EstimateMins, tags, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const pgTaskColumns = `id, title, description, status, priority, due_date, estimate_mins, tags, created_at, updated_at`

func scanPgTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var status, priority string
	var tags []byte
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority,
		&t.DueDate, &t.EstimateMins, &tags, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	t.Priority = models.TaskPriority(priority)
	json.Unmarshal(tags, &t.Tags)
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM kp_tasks WHERE id = $1`, id)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + pgTaskColumns + ` FROM kp_tasks WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Priority != "" {
		query += ` AND priority = ` + arg(string(filter.Priority))
	}
	if filter.Tag != "" {
		query += ` AND tags ? ` + arg(filter.Tag)
	}
	if filter.DueBy != nil {
		query += ` AND due_date IS NOT NULL AND due_date <= ` + arg(*filter.DueBy)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, fields map[string]any) (*models.Task, error) {
	if len(fields) == 0 {
		return s.GetTask(ctx, id)
	}

	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	sets = append(sets, "updated_at = "+arg(time.Now().UTC()))
	for _, col := range []string{"title", "description", "status", "priority", "estimate_mins"} {
		if v, ok := fields[col]; ok {
			sets = append(sets, col+" = "+arg(v))
		}
	}
	if v, ok := fields["due_date"]; ok {
		if v == nil {
			sets = append(sets, "due_date = NULL")
		} else {
			sets = append(sets, "due_date = "+arg(v))
		}
	}
	if v, ok := fields["tags"]; ok {
		tags, _ := json.Marshal(v)
		sets = append(sets, "tags = "+arg(tags))
	}
	args = append(args, id)

	tag, err := s.pool.Exec(ctx,
		`UPDATE kp_tasks SET `+strings.Join(sets, ", ")+fmt.Sprintf(` WHERE id = $%d`, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	return s.GetTask(ctx, id)
}

// ── Timers ──────────────────────────────────────────────────

func (s *PostgresStore) StartTimer(ctx context.Context, taskID string) (*models.TimeSession, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kp_time_sessions (id, task_id, started_at) VALUES ($1, $2, $3)`,
		sess.ID, sess.TaskID, sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("start timer: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) StopTimer(ctx context.Context) (*models.TimeSession, error) {
	sess, err := s.ActiveTimer(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`UPDATE kp_time_sessions SET ended_at = $1 WHERE id = $2`, now, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("stop timer: %w", err)
	}
	sess.EndedAt = &now
	return sess, nil
}

func (s *PostgresStore) ActiveTimer(ctx context.Context) (*models.TimeSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, started_at FROM kp_time_sessions WHERE ended_at IS NULL ORDER BY started_at DESC LIMIT 1`)
	var sess models.TimeSession
	err := row.Scan(&sess.ID, &sess.TaskID, &sess.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "active timer", Key: "current"}
	}
	if err != nil {
		return nil, fmt.Errorf("active timer: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) ProductivityAnalytics(ctx context.Context, start, end time.Time) ([]models.ProductivityStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(started_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       COALESCE(SUM(EXTRACT(EPOCH FROM ended_at - started_at))::BIGINT, 0),
		       COUNT(*)
		FROM kp_time_sessions
		WHERE ended_at IS NOT NULL AND started_at >= $1 AND started_at < $2
		GROUP BY day ORDER BY day`, start, end)
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

	crows, err := s.pool.Query(ctx, `
		SELECT to_char(updated_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		FROM kp_tasks
		WHERE status = 'completed' AND updated_at >= $1 AND updated_at < $2
		GROUP BY day`, start, end)
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

func (s *PostgresStore) InsertExecutionLog(ctx context.Context, rec *models.ExecutionLog) error {
	params, _ := json.Marshal(rec.Parameters)
	inferred, _ := json.Marshal(rec.Inferred)
	result, _ := json.Marshal(rec.Result)
	snapshot, _ := json.Marshal(rec.ContextSnapshot)
	recovery, _ := json.Marshal(rec.RecoverySuggestions)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO kp_execution_logs
			(id, session_id, tool_name, parameters, inferred, result, context_snapshot,
			 timestamp, user_id, duration_ms, success, error, performance, category, recovery, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, rec.SessionID, rec.ToolName, params, inferred, result, snapshot,
		rec.Timestamp, nullIfEmpty(rec.UserID), rec.DurationMs, rec.Success,
		nullIfEmpty(rec.Error), string(rec.Performance), string(rec.Category),
		recovery, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, filter models.LogFilter) ([]models.ExecutionLog, error) {
	query := `SELECT id, session_id, tool_name, parameters, inferred, result, context_snapshot,
		timestamp, user_id, duration_ms, success, error, performance, category, recovery, created_at
		FROM kp_execution_logs WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ` + arg(filter.SessionID)
	}
	if filter.ToolName != "" {
		query += ` AND tool_name = ` + arg(filter.ToolName)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ` + arg(*filter.Since)
	}
	if filter.Until != nil {
		query += ` AND timestamp < ` + arg(*filter.Until)
	}
	query += ` ORDER BY timestamp ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	logs := []models.ExecutionLog{}
	for rows.Next() {
		var rec models.ExecutionLog
		var params, inferred, result, snapshot, recovery []byte
		var userID, errMsg *string
		var perf, category string
		err := rows.Scan(&rec.ID, &rec.SessionID, &rec.ToolName, &params, &inferred, &result,
			&snapshot, &rec.Timestamp, &userID, &rec.DurationMs, &rec.Success, &errMsg,
			&perf, &category, &recovery, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		json.Unmarshal(params, &rec.Parameters)
		json.Unmarshal(inferred, &rec.Inferred)
		json.Unmarshal(result, &rec.Result)
		json.Unmarshal(snapshot, &rec.ContextSnapshot)
		json.Unmarshal(recovery, &rec.RecoverySuggestions)
		if userID != nil {
			rec.UserID = *userID
		}
		if errMsg != nil {
			rec.Error = *errMsg
		}
		rec.Performance = models.PerformanceClass(perf)
		rec.Category = models.ToolCategory(category)
		logs = append(logs, rec)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) CountExecutionLogs(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kp_execution_logs`).Scan(&n)
	return n, err
}

func (s *PostgresStore) PruneExecutionLogs(ctx context.Context, maxCount, batchSize int) (int, error) {
	pruned := 0
	for {
		count, err := s.CountExecutionLogs(ctx)
		if err != nil {
			return pruned, err
		}
		if count <= int64(maxCount) {
			return pruned, nil
		}
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM kp_execution_logs WHERE id IN (
				SELECT id FROM kp_execution_logs ORDER BY timestamp ASC, id ASC LIMIT $1
			)`, batchSize)
		if err != nil {
			return pruned, fmt.Errorf("prune execution logs: %w", err)
		}
		n := tag.RowsAffected()
		pruned += int(n)
		if n == 0 {
			return pruned, nil
		}
	}
}

// ── Rollups ─────────────────────────────────────────────────

func (s *PostgresStore) UpsertRollup(ctx context.Context, rollup *models.AnalyticsRollup) error {
	if rollup.ID == "" {
		rollup.ID = uuid.NewString()
	}
	payload, err := json.Marshal(rollup)
	if err != nil {
		return fmt.Errorf("marshal rollup: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO kp_rollups (id, period, window_start, window_end, payload, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (period, window_start, window_end)
		DO UPDATE SET payload = EXCLUDED.payload, computed_at = EXCLUDED.computed_at`,
		rollup.ID, string(rollup.Period), rollup.WindowStart, rollup.WindowEnd,
		payload, rollup.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert rollup: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRollup(ctx context.Context, period models.RollupPeriod, start, end time.Time) (*models.AnalyticsRollup, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT payload FROM kp_rollups
		WHERE period = $1 AND window_start = $2 AND window_end = $3`,
		string(period), start, end).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "rollup", Key: string(period)}
	}
	if err != nil {
		return nil, fmt.Errorf("get rollup: %w", err)
	}
	var rollup models.AnalyticsRollup
	if err := json.Unmarshal(payload, &rollup); err != nil {
		return nil, fmt.Errorf("unmarshal rollup: %w", err)
	}
	return &rollup, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
