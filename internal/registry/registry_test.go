package registry

import (
	"context"
	"testing"
	"time"

	"github.com/vietanhdev/kirapilot-engine/internal/execlog"
	"github.com/vietanhdev/kirapilot-engine/internal/store"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

func fullAccess() models.PermissionSet {
	return models.PermissionSet{models.PermFullAccess: true}
}

func newTestRegistry(t *testing.T, perms models.PermissionSet) (*Registry, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	r := New(perms, nil)
	if err := RegisterBuiltins(r, s); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}
	return r, s
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New(fullAccess(), nil)
	tool := &Tool{
		ToolDescriptor: models.ToolDescriptor{Name: "noop", Permission: models.PermReadOnly},
		Handler:        func(ctx context.Context, args map[string]any) models.ToolResult { return models.Succeed(nil, "") },
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	before := len(r.List())
	if err := r.Register(tool); err == nil {
		t.Error("Register() duplicate error = nil, want error")
	}
	if got := len(r.List()); got != before {
		t.Errorf("List() after duplicate registration = %d tools, want %d", got, before)
	}
}

func TestListFilteredByPermission(t *testing.T) {
	r, _ := newTestRegistry(t, models.PermissionSet{models.PermReadOnly: true})

	for _, d := range r.List() {
		if d.Permission != models.PermReadOnly {
			t.Errorf("List() includes %q requiring %s under read-only grants", d.Name, d.Permission)
		}
	}

	rFull, _ := newTestRegistry(t, fullAccess())
	if got, want := len(rFull.List()), 8; got != want {
		t.Errorf("List() with full access = %d tools, want %d", got, want)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r, _ := newTestRegistry(t, fullAccess())

	res, _, _ := r.Execute(context.Background(), "no_such_tool", nil, ExecContext{})
	if res.Success {
		t.Fatal("Execute(unknown) Success = true, want false")
	}
	if res.FailureKind != models.FailUnknownTool {
		t.Errorf("FailureKind = %q, want %q", res.FailureKind, models.FailUnknownTool)
	}
}

func TestExecutePermissionDenied(t *testing.T) {
	r, _ := newTestRegistry(t, models.PermissionSet{models.PermReadOnly: true})

	res, _, _ := r.Execute(context.Background(), "create_task", map[string]any{"title": "x"}, ExecContext{})
	if res.Success {
		t.Fatal("Execute() Success = true, want permission denial")
	}
	if res.FailureKind != models.FailPermissionDenied {
		t.Errorf("FailureKind = %q, want %q", res.FailureKind, models.FailPermissionDenied)
	}
}

func TestExecuteMissingParameter(t *testing.T) {
	r, _ := newTestRegistry(t, fullAccess())

	res, _, _ := r.Execute(context.Background(), "create_task", map[string]any{}, ExecContext{})
	if res.FailureKind != models.FailMissingParameter {
		t.Errorf("FailureKind = %q, want %q", res.FailureKind, models.FailMissingParameter)
	}
}

func TestExecuteInfersFromContext(t *testing.T) {
	r, s := newTestRegistry(t, fullAccess())
	ctx := context.Background()

	task := &models.Task{Title: "focus"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	res, resolved, _ := r.Execute(ctx, "start_timer", map[string]any{}, ExecContext{
		Context: map[string]any{"current_task_id": task.ID},
	})
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Message)
	}
	if resolved["task_id"] != task.ID {
		t.Errorf("resolved task_id = %v, want %q (inferred from context)", resolved["task_id"], task.ID)
	}
}

func TestExecuteInfersFromSession(t *testing.T) {
	r, s := newTestRegistry(t, fullAccess())
	ctx := context.Background()

	task := &models.Task{Title: "focus"}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	res, _, _ := r.Execute(ctx, "update_task",
		map[string]any{"status": "completed"},
		ExecContext{Session: &models.Session{ID: "s", LastTaskID: task.ID}})
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Message)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != models.TaskCompleted {
		t.Errorf("task status = %q, want completed via session-inferred task_id", got.Status)
	}
}

func TestExecuteInvalidParameter(t *testing.T) {
	r, _ := newTestRegistry(t, fullAccess())

	res, _, _ := r.Execute(context.Background(), "create_task",
		map[string]any{"title": "x", "priority": "urgent"}, ExecContext{})
	if res.FailureKind != models.FailInvalidParameter {
		t.Errorf("FailureKind = %q, want %q", res.FailureKind, models.FailInvalidParameter)
	}
}

func TestExecutePanicBecomesInternalError(t *testing.T) {
	r := New(fullAccess(), nil)
	err := r.Register(&Tool{
		ToolDescriptor: models.ToolDescriptor{Name: "boom", Permission: models.PermReadOnly, Category: models.CategoryGeneral},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			panic("kaboom")
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res, _, _ := r.Execute(context.Background(), "boom", nil, ExecContext{})
	if res.Success {
		t.Fatal("Execute() Success = true, want internal error")
	}
	if res.FailureKind != models.FailInternal {
		t.Errorf("FailureKind = %q, want %q", res.FailureKind, models.FailInternal)
	}
	if len(res.RecoverySuggestions) == 0 {
		t.Error("internal error carries no recovery suggestions")
	}
}

func TestCreateAndListRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t, fullAccess())
	ctx := context.Background()

	res, _, _ := r.Execute(ctx, "create_task", map[string]any{
		"title":    "  write tests  ",
		"due_date": "2026-09-01",
	}, ExecContext{})
	if !res.Success {
		t.Fatalf("create_task failed: %s", res.Message)
	}
	created, ok := res.Payload.(*models.Task)
	if !ok {
		t.Fatalf("create_task payload = %T, want *models.Task", res.Payload)
	}
	if created.Title != "write tests" {
		t.Errorf("title = %q, want trimmed %q", created.Title, "write tests")
	}
	if created.DueDate == nil || !created.DueDate.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("due date = %v, want 2026-09-01 UTC", created.DueDate)
	}

	listRes, _, _ := r.Execute(ctx, "get_tasks", map[string]any{}, ExecContext{})
	if !listRes.Success {
		t.Fatalf("get_tasks failed: %s", listRes.Message)
	}
	tasks, ok := listRes.Payload.([]models.Task)
	if !ok || len(tasks) != 1 {
		t.Errorf("get_tasks payload = %v, want one task", listRes.Payload)
	}
}

func TestTimerStatusWhenIdle(t *testing.T) {
	r, _ := newTestRegistry(t, fullAccess())

	res, _, _ := r.Execute(context.Background(), "get_timer_status", nil, ExecContext{})
	if !res.Success {
		t.Fatalf("get_timer_status failed: %s", res.Message)
	}
	payload, ok := res.Payload.(map[string]any)
	if !ok || payload["running"] != false {
		t.Errorf("payload = %v, want running=false", res.Payload)
	}
}

func TestSmartSessionPrefersHighPriority(t *testing.T) {
	r, s := newTestRegistry(t, fullAccess())
	ctx := context.Background()

	low := &models.Task{Title: "tidy", Priority: models.PriorityLow}
	high := &models.Task{Title: "ship", Priority: models.PriorityHigh, EstimateMins: 30}
	for _, task := range []*models.Task{low, high} {
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
	}

	res, _, _ := r.Execute(ctx, "smart_session", nil, ExecContext{})
	if !res.Success {
		t.Fatalf("smart_session failed: %s", res.Message)
	}
	sg, ok := res.Payload.(*models.SmartSessionSuggestion)
	if !ok {
		t.Fatalf("payload = %T, want *SmartSessionSuggestion", res.Payload)
	}
	if sg.TaskID != high.ID {
		t.Errorf("suggested task = %q, want high-priority %q", sg.TaskID, high.ID)
	}
	if sg.DurationMins != 30 {
		t.Errorf("suggested duration = %d, want estimate-capped 30", sg.DurationMins)
	}
}

func TestExecuteReportsDuration(t *testing.T) {
	r := New(fullAccess(), nil)
	err := r.Register(&Tool{
		ToolDescriptor: models.ToolDescriptor{Name: "slow", Permission: models.PermReadOnly, Category: models.CategoryGeneral},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			time.Sleep(15 * time.Millisecond)
			return models.Succeed(nil, "")
		},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	res, _, elapsed := r.Execute(context.Background(), "slow", nil, ExecContext{})
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Message)
	}
	if elapsed < 15*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 15ms", elapsed)
	}
}

func TestUnknownToolNotLogged(t *testing.T) {
	s := store.NewMemoryStore()
	logger := execlog.New(s, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	logger.Start(ctx)

	r := New(fullAccess(), logger)
	if err := RegisterBuiltins(r, s); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}

	r.Execute(context.Background(), "made_up_tool", nil, ExecContext{SessionID: "s1"})
	r.Execute(context.Background(), "get_tasks", nil, ExecContext{SessionID: "s1"})

	cancel()
	logger.Close()

	logs, err := s.ListExecutionLogs(context.Background(), models.LogFilter{})
	if err != nil {
		t.Fatalf("ListExecutionLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1 (unknown tool invocations are not recorded)", len(logs))
	}
	if logs[0].ToolName != "get_tasks" {
		t.Errorf("logged tool = %q, want get_tasks", logs[0].ToolName)
	}
}
