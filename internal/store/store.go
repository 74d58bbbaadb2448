// Package store provides the persistence layer for the KiraPilot AI engine:
// tasks, time sessions, execution logs, and analytics rollups.
//
// Three implementations exist: SQLite (desktop default), PostgreSQL (hosted
// sync), and an in-memory store for tests and ephemeral runs. All engine
// code depends only on the Store interface.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/vietanhdev/kirapilot-engine/internal/config"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// Store is the engine's storage interface.
type Store interface {
	TaskStore
	TimerStore
	ExecutionLogStore
	RollupStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Task Store ──────────────────────────────────────────────

type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)

	// UpdateTask applies the given field updates (title, description,
	// status, priority, due_date, estimate_mins, tags) and returns the
	// updated task.
	UpdateTask(ctx context.Context, id string, fields map[string]any) (*models.Task, error)
}

// ── Timer Store ─────────────────────────────────────────────

type TimerStore interface {
	// StartTimer begins a time session for the task. Any running session
	// is stopped first; a task may only be timed by one session at a time.
	StartTimer(ctx context.Context, taskID string) (*models.TimeSession, error)

	// StopTimer ends the running session. ErrNotFound if none is running.
	StopTimer(ctx context.Context) (*models.TimeSession, error)

	// ActiveTimer returns the running session, or ErrNotFound.
	ActiveTimer(ctx context.Context) (*models.TimeSession, error)

	// ProductivityAnalytics aggregates focused time per day over [start, end).
	ProductivityAnalytics(ctx context.Context, start, end time.Time) ([]models.ProductivityStat, error)
}

// ── Execution Log Store ─────────────────────────────────────

type ExecutionLogStore interface {
	// InsertExecutionLog appends one log record. Logs are write-once.
	InsertExecutionLog(ctx context.Context, rec *models.ExecutionLog) error

	// ListExecutionLogs returns logs matching the filter, oldest first.
	ListExecutionLogs(ctx context.Context, filter models.LogFilter) ([]models.ExecutionLog, error)

	// CountExecutionLogs returns the total number of stored logs.
	CountExecutionLogs(ctx context.Context) (int64, error)

	// PruneExecutionLogs deletes the oldest logs in batches of batchSize
	// until at most maxCount remain. Returns the number deleted.
	PruneExecutionLogs(ctx context.Context, maxCount, batchSize int) (int, error)
}

// ── Rollup Store ────────────────────────────────────────────

type RollupStore interface {
	// UpsertRollup replaces the rollup for its (period, window) key.
	UpsertRollup(ctx context.Context, rollup *models.AnalyticsRollup) error

	// GetRollup returns the rollup for the given window, or ErrNotFound.
	GetRollup(ctx context.Context, period models.RollupPeriod, start, end time.Time) (*models.AnalyticsRollup, error)
}

// Open selects a backend by cfg.Driver: "sqlite" (default), "postgres",
// or "memory".
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("store: postgres driver selected but no connection url configured")
		}
		return NewPostgresStore(ctx, cfg.PostgresURL)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
