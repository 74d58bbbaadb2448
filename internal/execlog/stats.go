package execlog

import (
	"sort"
	"sync"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

// maxDurationSamples bounds per-session latency memory. Older samples are
// discarded once the window is full.
const maxDurationSamples = 512

type sessionStats struct {
	countByTool map[string]int64
	failures    int64
	total       int64
	durations   []int64 // ms, most recent maxDurationSamples
}

// SessionTracker keeps in-memory per-session tool statistics. It is fed by
// the Logger on every record and read by the status and stats endpoints.
type SessionTracker struct {
	mu       sync.RWMutex
	sessions map[string]*sessionStats
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[string]*sessionStats)}
}

// Observe folds one execution record into the session's stats.
func (t *SessionTracker) Observe(rec *models.ExecutionLog) {
	if rec.SessionID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.sessions[rec.SessionID]
	if !ok {
		st = &sessionStats{countByTool: make(map[string]int64)}
		t.sessions[rec.SessionID] = st
	}
	st.countByTool[rec.ToolName]++
	st.total++
	if !rec.Success {
		st.failures++
	}
	st.durations = append(st.durations, rec.DurationMs)
	if len(st.durations) > maxDurationSamples {
		st.durations = st.durations[len(st.durations)-maxDurationSamples:]
	}
}

// Stats returns a snapshot for one session; ok is false if the session has
// no recorded executions.
func (t *SessionTracker) Stats(sessionID string) (models.SessionToolStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.sessions[sessionID]
	if !ok {
		return models.SessionToolStats{}, false
	}

	out := models.SessionToolStats{
		SessionID:   sessionID,
		CountByTool: make(map[string]int64, len(st.countByTool)),
		Failures:    st.failures,
		Total:       st.total,
	}
	for k, v := range st.countByTool {
		out.CountByTool[k] = v
	}
	if st.total > 0 {
		out.FailureRate = float64(st.failures) / float64(st.total)
	}
	out.P50Ms, out.P95Ms = percentiles(st.durations)
	return out, true
}

// Forget drops the tracker state for a session.
func (t *SessionTracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// percentiles returns the p50 and p95 of the samples (nearest-rank).
func percentiles(samples []int64) (p50, p95 int64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := func(p float64) int64 {
		idx := int(p*float64(len(sorted))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return rank(0.50), rank(0.95)
}
