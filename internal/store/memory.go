// In-memory Store implementation, used in tests and as a zero-config
// fallback driver.
// Used when no database is configured (local dev, tests).
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*models.Task        // key: id
	sessions map[string]*models.TimeSession // key: id
	logs     []*models.ExecutionLog         // oldest first
	rollups  map[string]*models.AnalyticsRollup // key: period:start:end
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*models.Task),
		sessions: make(map[string]*models.TimeSession),
		rollups:  make(map[string]*models.AnalyticsRollup),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// ── Tasks ───────────────────────────────────────────────────

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := []models.Task{}
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.Tag != "" && !hasTag(t.Tags, filter.Tag) {
			continue
		}
		if filter.DueBy != nil {
			if t.DueDate == nil || t.DueDate.After(*filter.DueBy) {
				continue
			}
		}
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id string, fields map[string]any) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}

	for k, v := range fields {
		switch k {
		case "title":
			t.Title = fmt.Sprint(v)
		case "description":
			t.Description = fmt.Sprint(v)
		case "status":
			t.Status = models.TaskStatus(fmt.Sprint(v))
		case "priority":
			t.Priority = models.TaskPriority(fmt.Sprint(v))
		case "estimate_mins":
			switch n := v.(type) {
			case int:
				t.EstimateMins = n
			case int64:
				t.EstimateMins = int(n)
			case float64:
				t.EstimateMins = int(n)
			}
		case "due_date":
			switch d := v.(type) {
			case time.Time:
				dd := d.UTC()
				t.DueDate = &dd
			case *time.Time:
				t.DueDate = d
			case nil:
				t.DueDate = nil
			}
		case "tags":
			if tags, ok := v.([]string); ok {
				t.Tags = tags
			}
		}
	}
	t.UpdatedAt = time.Now().UTC()

	cp := *t
	return &cp, nil
}

// ── Timers ──────────────────────────────────────────────────

func (s *MemoryStore) StartTimer(ctx context.Context, taskID string) (*models.TimeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, &ErrNotFound{Entity: "task", Key: taskID}
	}

	now := time.Now().UTC()
	for _, sess := range s.sessions {
		if sess.EndedAt == nil {
			end := now
			sess.EndedAt = &end
		}
	}

	sess := &models.TimeSession{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		StartedAt: now,
	}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) StopTimer(ctx context.Context) (*models.TimeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeLocked()
	if active == nil {
		return nil, &ErrNotFound{Entity: "active timer", Key: "current"}
	}
	now := time.Now().UTC()
	active.EndedAt = &now
	cp := *active
	return &cp, nil
}

func (s *MemoryStore) ActiveTimer(ctx context.Context) (*models.TimeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := s.activeLocked()
	if active == nil {
		return nil, &ErrNotFound{Entity: "active timer", Key: "current"}
	}
	cp := *active
	return &cp, nil
}

func (s *MemoryStore) activeLocked() *models.TimeSession {
	var latest *models.TimeSession
	for _, sess := range s.sessions {
		if sess.EndedAt != nil {
			continue
		}
		if latest == nil || sess.StartedAt.After(latest.StartedAt) {
			latest = sess
		}
	}
	return latest
}

func (s *MemoryStore) ProductivityAnalytics(ctx context.Context, start, end time.Time) ([]models.ProductivityStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDay := map[string]*models.ProductivityStat{}
	for _, sess := range s.sessions {
		if sess.EndedAt == nil || sess.StartedAt.Before(start) || !sess.StartedAt.Before(end) {
			continue
		}
		day := sess.StartedAt.UTC().Format("2006-01-02")
		st, ok := byDay[day]
		if !ok {
			st = &models.ProductivityStat{Day: day}
			byDay[day] = st
		}
		st.FocusedSeconds += int64(sess.EndedAt.Sub(sess.StartedAt).Seconds())
		st.Sessions++
	}
	for _, t := range s.tasks {
		if t.Status != models.TaskCompleted || t.UpdatedAt.Before(start) || !t.UpdatedAt.Before(end) {
			continue
		}
		day := t.UpdatedAt.UTC().Format("2006-01-02")
		if st, ok := byDay[day]; ok {
			st.TasksCompleted++
		}
	}

	stats := []models.ProductivityStat{}
	for _, st := range byDay {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Day < stats[j].Day })
	return stats, nil
}

// ── Execution Logs ──────────────────────────────────────────

func (s *MemoryStore) InsertExecutionLog(ctx context.Context, rec *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *MemoryStore) ListExecutionLogs(ctx context.Context, filter models.LogFilter) ([]models.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.ExecutionLog{}
	for _, rec := range s.logs {
		if filter.SessionID != "" && rec.SessionID != filter.SessionID {
			continue
		}
		if filter.ToolName != "" && rec.ToolName != filter.ToolName {
			continue
		}
		if filter.Since != nil && rec.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !rec.Timestamp.Before(*filter.Until) {
			continue
		}
		out = append(out, *rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountExecutionLogs(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.logs)), nil
}

func (s *MemoryStore) PruneExecutionLogs(ctx context.Context, maxCount, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for len(s.logs) > maxCount {
		n := batchSize
		if over := len(s.logs) - maxCount; over < n {
			n = over
		}
		s.logs = s.logs[n:]
		pruned += n
	}
	return pruned, nil
}

// ── Rollups ─────────────────────────────────────────────────

func rollupKey(period models.RollupPeriod, start, end time.Time) string {
	return fmt.Sprintf("%s:%d:%d", period, start.UnixNano(), end.UnixNano())
}

func (s *MemoryStore) UpsertRollup(ctx context.Context, rollup *models.AnalyticsRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rollup.ID == "" {
		rollup.ID = uuid.NewString()
	}
	cp := *rollup
	s.rollups[rollupKey(rollup.Period, rollup.WindowStart, rollup.WindowEnd)] = &cp
	return nil
}

func (s *MemoryStore) GetRollup(ctx context.Context, period models.RollupPeriod, start, end time.Time) (*models.AnalyticsRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rollups[rollupKey(period, start, end)]
	if !ok {
		return nil, &ErrNotFound{Entity: "rollup", Key: string(period)}
	}
	cp := *r
	return &cp, nil
}
