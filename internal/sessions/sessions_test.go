package sessions

import (
	"fmt"
	"testing"
	"time"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

func TestGetOrCreate(t *testing.T) {
	m := NewManager(10)

	sess := m.GetOrCreate("s1")
	if sess.ID != "s1" {
		t.Errorf("GetOrCreate().ID = %q, want %q", sess.ID, "s1")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	again := m.GetOrCreate("s1")
	if !again.CreatedAt.Equal(sess.CreatedAt) {
		t.Error("GetOrCreate() created a new session for an existing id")
	}
}

func TestAppendTurnUpdatesContext(t *testing.T) {
	m := NewManager(10)
	m.GetOrCreate("s1")

	turn := models.SessionTurn{
		UserMessage: "create a task",
		Assistant:   "done",
		CreatedAt:   time.Now().UTC(),
	}
	m.AppendTurn("s1", turn, map[string]any{"current_project": "alpha"}, "task-123")

	sess := m.Get("s1")
	if sess == nil {
		t.Fatal("Get() = nil after AppendTurn")
	}
	if len(sess.Turns) != 1 {
		t.Fatalf("Turns = %d, want 1", len(sess.Turns))
	}
	if sess.Turns[0].UserMessage != "create a task" {
		t.Errorf("Turns[0].UserMessage = %q", sess.Turns[0].UserMessage)
	}
	if sess.LastTaskID != "task-123" {
		t.Errorf("LastTaskID = %q, want %q", sess.LastTaskID, "task-123")
	}
	if sess.Context["current_project"] != "alpha" {
		t.Errorf("Context[current_project] = %v, want alpha", sess.Context["current_project"])
	}

	// Later turns without a task keep the previous LastTaskID.
	m.AppendTurn("s1", turn, nil, "")
	if got := m.Get("s1").LastTaskID; got != "task-123" {
		t.Errorf("LastTaskID after second turn = %q, want task-123 retained", got)
	}
}

func TestHistoryCapFIFO(t *testing.T) {
	m := NewManager(3)
	m.GetOrCreate("s1")

	for i := 0; i < 10; i++ {
		m.AppendTurn("s1", models.SessionTurn{UserMessage: fmt.Sprintf("msg-%d", i)}, nil, "")
	}

	sess := m.Get("s1")
	if len(sess.Turns) != 3 {
		t.Fatalf("Turns = %d, want 3 (cap)", len(sess.Turns))
	}
	// Oldest turns are evicted first; the newest three survive.
	for i, want := range []string{"msg-7", "msg-8", "msg-9"} {
		if got := sess.Turns[i].UserMessage; got != want {
			t.Errorf("Turns[%d].UserMessage = %q, want %q", i, got, want)
		}
	}
}

func TestHistoryNeverExceedsCap(t *testing.T) {
	m := NewManager(100)
	m.GetOrCreate("s1")

	for i := 0; i < 150; i++ {
		m.AppendTurn("s1", models.SessionTurn{UserMessage: fmt.Sprintf("msg-%d", i)}, nil, "")
	}

	if got := len(m.Get("s1").Turns); got > 100 {
		t.Errorf("Turns = %d, want <= 100", got)
	}
}

func TestSessionFIFOEviction(t *testing.T) {
	m := NewManager(10)
	m.maxSessions = 3

	for i := 0; i < 5; i++ {
		m.GetOrCreate(fmt.Sprintf("s%d", i))
	}

	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}
	if m.Get("s0") != nil || m.Get("s1") != nil {
		t.Error("oldest sessions not evicted")
	}
	for _, id := range []string{"s2", "s3", "s4"} {
		if m.Get(id) == nil {
			t.Errorf("Get(%q) = nil, want retained", id)
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	m := NewManager(10)
	m.GetOrCreate("s1")
	m.AppendTurn("s1", models.SessionTurn{UserMessage: "hi"}, map[string]any{"k": "v"}, "")

	sess := m.Get("s1")
	sess.Context["k"] = "mutated"
	sess.Turns[0].UserMessage = "mutated"

	fresh := m.Get("s1")
	if fresh.Context["k"] != "v" {
		t.Error("caller mutation leaked into stored session context")
	}
	if fresh.Turns[0].UserMessage != "hi" {
		t.Error("caller mutation leaked into stored session turns")
	}
}

func TestDelete(t *testing.T) {
	m := NewManager(10)
	m.GetOrCreate("s1")
	m.Delete("s1")
	if m.Get("s1") != nil {
		t.Error("Get() after Delete() returned a session")
	}
	// Deleting twice is a no-op.
	m.Delete("s1")
}
