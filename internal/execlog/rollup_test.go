package execlog

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/vietanhdev/kirapilot-engine/internal/store"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

func seedLogs(t *testing.T, s store.Store, logs []*models.ExecutionLog) {
	t.Helper()
	ctx := context.Background()
	for i, rec := range logs {
		if rec.ID == "" {
			rec.ID = time.Now().UTC().Format("20060102") + "-" + string(rune('a'+i%26)) + rec.ToolName
		}
		rec.CreatedAt = rec.Timestamp
		if err := s.InsertExecutionLog(ctx, rec); err != nil {
			t.Fatalf("InsertExecutionLog() error = %v", err)
		}
	}
}

func TestRollupCompute(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var logs []*models.ExecutionLog
	// 6 successful create_task, 6 get_tasks each right after, same session:
	// a correlation above both floors.
	for i := 0; i < 6; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		logs = append(logs,
			record("create_task", "sess-1", ts, true, 50),
			record("get_tasks", "sess-1", ts.Add(time.Second), true, 20))
	}
	// 5 failing update_task: reliability floor met, all failures.
	for i := 0; i < 5; i++ {
		rec := record("update_task", "sess-2", base.Add(time.Duration(i)*time.Minute), false, 30)
		rec.Result = models.Fail(models.FailInvalidParameter, "bad status")
		rec.Error = "bad status"
		logs = append(logs, rec)
	}
	// 2 slow productivity_analytics: below the reliability floor.
	for i := 0; i < 2; i++ {
		logs = append(logs, record("productivity_analytics", "sess-2", base.Add(time.Hour), true, 6000))
	}
	seedLogs(t, s, logs)

	r := NewRollup(s)
	end := base.AddDate(0, 0, 1)
	rollup, err := r.Compute(context.Background(), models.RollupDaily, base, end)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	if rollup.TotalExecutions != 19 {
		t.Errorf("TotalExecutions = %d, want 19", rollup.TotalExecutions)
	}
	if rollup.SuccessfulExecs != 14 {
		t.Errorf("SuccessfulExecs = %d, want 14", rollup.SuccessfulExecs)
	}

	if len(rollup.MostUsed) == 0 || rollup.MostUsed[0].ToolName != "create_task" && rollup.MostUsed[0].ToolName != "get_tasks" {
		t.Errorf("MostUsed[0] = %v, want create_task or get_tasks (6 each)", rollup.MostUsed)
	}

	// Tools below 5 samples must not appear in reliability.
	for _, rel := range rollup.MostReliable {
		if rel.ToolName == "productivity_analytics" {
			t.Error("MostReliable includes a tool with fewer than 5 samples")
		}
		if rel.ToolName == "update_task" && rel.SuccessRate != 0 {
			t.Errorf("update_task SuccessRate = %v, want 0", rel.SuccessRate)
		}
	}

	if len(rollup.ErrorPatterns) != 1 {
		t.Fatalf("ErrorPatterns = %v, want exactly one", rollup.ErrorPatterns)
	}
	ep := rollup.ErrorPatterns[0]
	if ep.ToolName != "update_task" || ep.Kind != models.FailInvalidParameter || ep.Count != 5 {
		t.Errorf("ErrorPatterns[0] = %+v, want update_task/invalid_parameter x5", ep)
	}

	// create_task then get_tasks: 6 occurrences, P = 6/6.
	found := false
	for _, corr := range rollup.Correlations {
		if corr.First == "create_task" && corr.Second == "get_tasks" {
			found = true
			if corr.Occurrences != 6 {
				t.Errorf("correlation occurrences = %d, want 6", corr.Occurrences)
			}
			if corr.Probability != 1.0 {
				t.Errorf("correlation probability = %v, want 1.0", corr.Probability)
			}
		}
	}
	if !found {
		t.Errorf("Correlations = %v, want create_task then get_tasks", rollup.Correlations)
	}

	// Persisted and retrievable.
	stored, err := s.GetRollup(context.Background(), models.RollupDaily, base, end)
	if err != nil {
		t.Fatalf("GetRollup() error = %v", err)
	}
	if stored.TotalExecutions != rollup.TotalExecutions {
		t.Errorf("stored TotalExecutions = %d, want %d", stored.TotalExecutions, rollup.TotalExecutions)
	}
}

func TestRollupBelowCorrelationFloors(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Only 4 A then B pairs: under the occurrence floor.
	var logs []*models.ExecutionLog
	for i := 0; i < 4; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		logs = append(logs,
			record("start_timer", "sess", ts, true, 10),
			record("stop_timer", "sess", ts.Add(time.Second), true, 10))
	}
	seedLogs(t, s, logs)

	rollup, err := NewRollup(s).Compute(context.Background(), models.RollupDaily, base, base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if len(rollup.Correlations) != 0 {
		t.Errorf("Correlations = %v, want none below the occurrence floor", rollup.Correlations)
	}
}

func TestRollupDeterministic(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var logs []*models.ExecutionLog
	for i, tool := range []string{"create_task", "get_tasks", "start_timer", "stop_timer"} {
		for j := 0; j < 6; j++ {
			logs = append(logs, record(tool, "sess", base.Add(time.Duration(i*10+j)*time.Minute), j%2 == 0, int64(10*(i+1))))
		}
	}
	seedLogs(t, s, logs)

	end := base.AddDate(0, 0, 1)
	first, err := NewRollup(s).Compute(context.Background(), models.RollupDaily, base, end)
	if err != nil {
		t.Fatalf("Compute() first error = %v", err)
	}
	second, err := NewRollup(s).Compute(context.Background(), models.RollupDaily, base, end)
	if err != nil {
		t.Fatalf("Compute() second error = %v", err)
	}

	first.ComputedAt, second.ComputedAt = time.Time{}, time.Time{}
	first.ID, second.ID = "", ""
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Compute() not deterministic:\nfirst  = %+v\nsecond = %+v", first, second)
	}
}

func TestRollupEmptyWindow(t *testing.T) {
	s := store.NewMemoryStore()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	rollup, err := NewRollup(s).Compute(context.Background(), models.RollupWeekly, base, base.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if rollup.TotalExecutions != 0 {
		t.Errorf("TotalExecutions = %d, want 0", rollup.TotalExecutions)
	}
	if rollup.AvgDurationMs != 0 {
		t.Errorf("AvgDurationMs = %v, want 0", rollup.AvgDurationMs)
	}
}
