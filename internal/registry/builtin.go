package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/vietanhdev/kirapilot-engine/internal/store"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// RegisterBuiltins installs the task, timer, and analytics tools backed by
// the persistence layer.
func RegisterBuiltins(r *Registry, s store.Store) error {
	tools := []*Tool{
		createTaskTool(s),
		getTasksTool(s),
		updateTaskTool(s),
		startTimerTool(s),
		stopTimerTool(s),
		timerStatusTool(s),
		productivityTool(s),
		smartSessionTool(s),
	}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func createTaskTool(s store.Store) *Tool {
	return &Tool{
		ToolDescriptor: models.ToolDescriptor{
			Name:        "create_task",
			Description: "Create a new task with a title and optional details.",
			Permission:  models.PermModifyTasks,
			Category:    models.CategoryTaskManagement,
			Parameters: []models.ParameterSpec{
				{Name: "title", Type: models.ParamString, Required: true, Description: "short task title"},
				{Name: "description", Type: models.ParamString, Description: "longer free-form details"},
				{Name: "priority", Type: models.ParamEnum, EnumValues: []string{"low", "medium", "high"}, Default: "medium", Description: "task priority"},
				{Name: "due_date", Type: models.ParamDate, Description: "due date, ISO-8601"},
				{Name: "estimate_mins", Type: models.ParamInt, Description: "estimated effort in minutes"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			title, _ := args["title"].(string)
			if title == "" {
				return models.Fail(models.FailInvalidParameter, "title must not be empty")
			}
			task := &models.Task{Title: title}
			if d, ok := args["description"].(string); ok {
				task.Description = d
			}
			if p, ok := args["priority"].(string); ok {
				task.Priority = models.TaskPriority(p)
			}
			if due, ok := args["due_date"].(time.Time); ok {
				task.DueDate = &due
			}
			if est, ok := args["estimate_mins"].(int64); ok {
				task.EstimateMins = int(est)
			}
			if err := s.CreateTask(ctx, task); err != nil {
				return storeFailure("create task", err)
			}
			return models.Succeed(task, fmt.Sprintf("created task %q (%s)", task.Title, task.ID))
		},
	}
}

func getTasksTool(s store.Store) *Tool {
	return &Tool{
		ToolDescriptor: models.ToolDescriptor{
			Name:        "get_tasks",
			Description: "List tasks, optionally filtered by status, priority, or tag.",
			Permission:  models.PermReadOnly,
			Category:    models.CategoryTaskManagement,
			Parameters: []models.ParameterSpec{
				{Name: "status", Type: models.ParamEnum, EnumValues: []string{"pending", "in_progress", "completed"}, Description: "filter by status"},
				{Name: "priority", Type: models.ParamEnum, EnumValues: []string{"low", "medium", "high"}, Description: "filter by priority"},
				{Name: "tag", Type: models.ParamString, Description: "filter by tag"},
				{Name: "limit", Type: models.ParamInt, Description: "max tasks to return"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			filter := models.TaskFilter{}
			if v, ok := args["status"].(string); ok {
				filter.Status = models.TaskStatus(v)
			}
			if v, ok := args["priority"].(string); ok {
				filter.Priority = models.TaskPriority(v)
			}
			if v, ok := args["tag"].(string); ok {
				filter.Tag = v
			}
			if v, ok := args["limit"].(int64); ok {
				filter.Limit = int(v)
			}
			tasks, err := s.GetTasks(ctx, filter)
			if err != nil {
				return storeFailure("list tasks", err)
			}
			return models.Succeed(tasks, "")
		},
	}
}

func updateTaskTool(s store.Store) *Tool {
	return &Tool{
		ToolDescriptor: models.ToolDescriptor{
			Name:        "update_task",
			Description: "Update an existing task's fields. Unset parameters are left unchanged.",
			Permission:  models.PermModifyTasks,
			Category:    models.CategoryTaskManagement,
			Parameters: []models.ParameterSpec{
				{Name: "task_id", Type: models.ParamString, Required: true, Description: "id of the task to update"},
				{Name: "title", Type: models.ParamString, Description: "new title"},
				{Name: "description", Type: models.ParamString, Description: "new description"},
				{Name: "status", Type: models.ParamEnum, EnumValues: []string{"pending", "in_progress", "completed"}, Description: "new status"},
				{Name: "priority", Type: models.ParamEnum, EnumValues: []string{"low", "medium", "high"}, Description: "new priority"},
				{Name: "due_date", Type: models.ParamDate, Description: "new due date, ISO-8601"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			id, _ := args["task_id"].(string)
			fields := map[string]any{}
			for _, k := range []string{"title", "description", "status", "priority", "due_date"} {
				if v, ok := args[k]; ok {
					fields[k] = v
				}
			}
			if len(fields) == 0 {
				return models.Fail(models.FailMissingParameter,
					"no fields to update",
					"provide at least one of title, description, status, priority, due_date")
			}
			task, err := s.UpdateTask(ctx, id, fields)
			if err != nil {
				return storeFailure("update task", err)
			}
			return models.Succeed(task, fmt.Sprintf("updated task %s", task.ID))
		},
	}
}

func startTimerTool(s store.Store) *Tool {
	return &Tool{
		ToolDescriptor: models.ToolDescriptor{
			Name:        "start_timer",
			Description: "Start a focus timer for a task. Any running timer is stopped first.",
			Permission:  models.PermTimerControl,
			Category:    models.CategoryTimeTracking,
			Parameters: []models.ParameterSpec{
				{Name: "task_id", Type: models.ParamString, Required: true, Description: "id of the task to time"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			id, _ := args["task_id"].(string)
			sess, err := s.StartTimer(ctx, id)
			if err != nil {
				return storeFailure("start timer", err)
			}
			return models.Succeed(sess, fmt.Sprintf("timer started for task %s", id))
		},
	}
}

func stopTimerTool(s store.Store) *Tool {
	return &Tool{
		ToolDescriptor: models.ToolDescriptor{
			Name:        "stop_timer",
			Description: "Stop the currently running focus timer.",
			Permission:  models.PermTimerControl,
			Category:    models.CategoryTimeTracking,
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			sess, err := s.StopTimer(ctx)
			if err != nil {
				if _, ok := err.(*store.ErrNotFound); ok {
					return models.Fail(models.FailExecution,
						"no timer is running",
						"use start_timer to begin a session")
				}
				return storeFailure("stop timer", err)
			}
			return models.Succeed(sess, fmt.Sprintf("timer stopped for task %s", sess.TaskID))
		},
	}
}

func timerStatusTool(s store.Store) *Tool {
	return &Tool{
		ToolDescriptor: models.ToolDescriptor{
			Name:        "get_timer_status",
			Description: "Report whether a focus timer is running and for which task.",
			Permission:  models.PermReadOnly,
			Category:    models.CategoryTimeTracking,
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			sess, err := s.ActiveTimer(ctx)
			if err != nil {
				if _, ok := err.(*store.ErrNotFound); ok {
					return models.Succeed(map[string]any{"running": false}, "")
				}
				return storeFailure("timer status", err)
			}
			return models.Succeed(map[string]any{
				"running":    true,
				"task_id":    sess.TaskID,
				"started_at": sess.StartedAt,
				"elapsed_s":  int64(time.Since(sess.StartedAt).Seconds()),
			}, "")
		},
	}
}

func productivityTool(s store.Store) *Tool {
	return &Tool{
		ToolDescriptor: models.ToolDescriptor{
			Name:        "productivity_analytics",
			Description: "Summarize focused time and completed tasks per day over a recent window.",
			Permission:  models.PermReadOnly,
			Category:    models.CategoryAnalytics,
			Parameters: []models.ParameterSpec{
				{Name: "days", Type: models.ParamInt, Default: 7, Description: "window length in days"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			days := int64(7)
			if v, ok := args["days"].(int64); ok && v > 0 {
				days = v
			}
			end := time.Now().UTC()
			start := end.AddDate(0, 0, -int(days))
			stats, err := s.ProductivityAnalytics(ctx, start, end)
			if err != nil {
				return storeFailure("productivity analytics", err)
			}
			return models.Succeed(stats, "")
		},
	}
}

func smartSessionTool(s store.Store) *Tool {
	return &Tool{
		ToolDescriptor: models.ToolDescriptor{
			Name:        "smart_session",
			Description: "Suggest which task to work on next and for how long.",
			Permission:  models.PermReadOnly,
			Category:    models.CategoryAnalytics,
			Parameters: []models.ParameterSpec{
				{Name: "max_duration_mins", Type: models.ParamInt, Default: 50, Description: "longest acceptable session"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) models.ToolResult {
			maxMins := int64(50)
			if v, ok := args["max_duration_mins"].(int64); ok && v > 0 {
				maxMins = v
			}
			suggestion, err := suggestSession(ctx, s, int(maxMins))
			if err != nil {
				return storeFailure("smart session", err)
			}
			return models.Succeed(suggestion, "")
		},
	}
}

// suggestSession picks the highest-priority pending task, due-soonest
// first, and sizes the session from the task's estimate.
func suggestSession(ctx context.Context, s store.Store, maxMins int) (*models.SmartSessionSuggestion, error) {
	tasks, err := s.GetTasks(ctx, models.TaskFilter{Status: models.TaskPending})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return &models.SmartSessionSuggestion{
			DurationMins: maxMins,
			Reason:       "no pending tasks; use the time for planning",
		}, nil
	}

	rank := map[models.TaskPriority]int{
		models.PriorityHigh:   0,
		models.PriorityMedium: 1,
		models.PriorityLow:    2,
	}
	best := tasks[0]
	for _, t := range tasks[1:] {
		if rank[t.Priority] < rank[best.Priority] {
			best = t
			continue
		}
		if rank[t.Priority] == rank[best.Priority] && earlierDue(t, best) {
			best = t
		}
	}

	mins := maxMins
	if best.EstimateMins > 0 && best.EstimateMins < mins {
		mins = best.EstimateMins
	}
	return &models.SmartSessionSuggestion{
		TaskID:       best.ID,
		TaskTitle:    best.Title,
		DurationMins: mins,
		Reason:       fmt.Sprintf("%s priority pending task", best.Priority),
	}, nil
}

func earlierDue(a, b models.Task) bool {
	if a.DueDate == nil {
		return false
	}
	if b.DueDate == nil {
		return true
	}
	return a.DueDate.Before(*b.DueDate)
}

func storeFailure(op string, err error) models.ToolResult {
	if nf, ok := err.(*store.ErrNotFound); ok {
		return models.Fail(models.FailExecution,
			fmt.Sprintf("%s: %s", op, nf.Error()),
			"check the id with get_tasks")
	}
	return models.Fail(models.FailExecution, fmt.Sprintf("%s: %v", op, err))
}
