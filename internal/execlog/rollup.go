package execlog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vietanhdev/kirapilot-engine/internal/store"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

const (
	// correlationMinOccurrences is the floor below which an A then B pair
	// is noise, not a pattern.
	correlationMinOccurrences = 5

	// correlationMinProbability is the minimum P(B | A) to report.
	correlationMinProbability = 0.40

	// reliabilityMinSamples is the floor below which a tool has no
	// meaningful success rate.
	reliabilityMinSamples = 5

	// topN caps each ranked rollup list.
	topN = 10
)

// Rollup aggregates execution logs into AnalyticsRollup windows and
// persists them through the store.
type Rollup struct {
	store store.Store
}

func NewRollup(s store.Store) *Rollup {
	return &Rollup{store: s}
}

// Compute builds the rollup for [start, end), upserts it, and returns it.
// The computation is deterministic: equal inputs produce identical output
// ordering.
func (r *Rollup) Compute(ctx context.Context, period models.RollupPeriod, start, end time.Time) (*models.AnalyticsRollup, error) {
	logs, err := r.store.ListExecutionLogs(ctx, models.LogFilter{Since: &start, Until: &end})
	if err != nil {
		return nil, fmt.Errorf("rollup list logs: %w", err)
	}

	rollup := aggregate(logs)
	rollup.Period = period
	rollup.WindowStart = start
	rollup.WindowEnd = end
	rollup.ComputedAt = time.Now().UTC()

	if err := r.store.UpsertRollup(ctx, rollup); err != nil {
		return nil, fmt.Errorf("rollup upsert: %w", err)
	}

	log.Info().
		Str("period", string(period)).
		Time("start", start).
		Time("end", end).
		Int64("executions", rollup.TotalExecutions).
		Msg("analytics rollup computed")
	return rollup, nil
}

type toolAgg struct {
	count     int64
	successes int64
	durations []int64
	slow      int64
}

func aggregate(logs []models.ExecutionLog) *models.AnalyticsRollup {
	rollup := &models.AnalyticsRollup{
		MostUsed:      []models.ToolUsage{},
		MostReliable:  []models.ToolReliability{},
		PerfStats:     []models.ToolPerfStats{},
		ErrorPatterns: []models.ErrorPattern{},
		Correlations:  []models.ToolCorrelation{},
	}

	byTool := map[string]*toolAgg{}
	type errKey struct {
		tool string
		kind models.FailureKind
	}
	errCounts := map[errKey]int64{}
	errSamples := map[errKey]string{}
	bySession := map[string][]string{} // tool names in timestamp order

	var totalDuration int64
	for _, rec := range logs {
		agg, ok := byTool[rec.ToolName]
		if !ok {
			agg = &toolAgg{}
			byTool[rec.ToolName] = agg
		}
		agg.count++
		if rec.Success {
			agg.successes++
			rollup.SuccessfulExecs++
		} else {
			key := errKey{rec.ToolName, rec.Result.FailureKind}
			errCounts[key]++
			if errSamples[key] == "" {
				errSamples[key] = rec.Error
			}
		}
		agg.durations = append(agg.durations, rec.DurationMs)
		if rec.Performance == models.PerfSlow || rec.Performance == models.PerfVerySlow {
			agg.slow++
		}
		totalDuration += rec.DurationMs
		rollup.TotalExecutions++

		if rec.SessionID != "" {
			bySession[rec.SessionID] = append(bySession[rec.SessionID], rec.ToolName)
		}
	}

	if rollup.TotalExecutions > 0 {
		rollup.AvgDurationMs = float64(totalDuration) / float64(rollup.TotalExecutions)
	}

	// Stable tool iteration for deterministic output.
	tools := make([]string, 0, len(byTool))
	for name := range byTool {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	for _, name := range tools {
		agg := byTool[name]
		rollup.MostUsed = append(rollup.MostUsed, models.ToolUsage{ToolName: name, Count: agg.count})
		if agg.count >= reliabilityMinSamples {
			rollup.MostReliable = append(rollup.MostReliable, models.ToolReliability{
				ToolName:    name,
				SuccessRate: float64(agg.successes) / float64(agg.count),
				Samples:     agg.count,
			})
		}
		p50, p95 := percentiles(agg.durations)
		var sum int64
		for _, d := range agg.durations {
			sum += d
		}
		rollup.PerfStats = append(rollup.PerfStats, models.ToolPerfStats{
			ToolName:      name,
			AvgDurationMs: float64(sum) / float64(agg.count),
			P50DurationMs: p50,
			P95DurationMs: p95,
			SlowCount:     agg.slow,
		})
	}

	sort.SliceStable(rollup.MostUsed, func(i, j int) bool {
		return rollup.MostUsed[i].Count > rollup.MostUsed[j].Count
	})
	sort.SliceStable(rollup.MostReliable, func(i, j int) bool {
		return rollup.MostReliable[i].SuccessRate > rollup.MostReliable[j].SuccessRate
	})
	rollup.MostUsed = capList(rollup.MostUsed, topN)
	rollup.MostReliable = capList(rollup.MostReliable, topN)

	// Error patterns, descending by count.
	errKeys := make([]errKey, 0, len(errCounts))
	for k := range errCounts {
		errKeys = append(errKeys, k)
	}
	sort.Slice(errKeys, func(i, j int) bool {
		if errCounts[errKeys[i]] != errCounts[errKeys[j]] {
			return errCounts[errKeys[i]] > errCounts[errKeys[j]]
		}
		if errKeys[i].tool != errKeys[j].tool {
			return errKeys[i].tool < errKeys[j].tool
		}
		return errKeys[i].kind < errKeys[j].kind
	})
	for _, k := range errKeys {
		rollup.ErrorPatterns = append(rollup.ErrorPatterns, models.ErrorPattern{
			ToolName: k.tool,
			Kind:     k.kind,
			Count:    errCounts[k],
			Sample:   errSamples[k],
		})
	}
	rollup.ErrorPatterns = capList(rollup.ErrorPatterns, topN)

	rollup.Correlations = correlations(bySession, byTool)
	rollup.Recommendations = recommendations(rollup)
	return rollup
}

// correlations finds tool pairs where B immediately follows A within a
// session often enough to suggest a workflow.
func correlations(bySession map[string][]string, byTool map[string]*toolAgg) []models.ToolCorrelation {
	type pair struct{ first, second string }
	pairCounts := map[pair]int64{}
	for _, seq := range bySession {
		for i := 0; i+1 < len(seq); i++ {
			if seq[i] == seq[i+1] {
				continue
			}
			pairCounts[pair{seq[i], seq[i+1]}]++
		}
	}

	out := []models.ToolCorrelation{}
	for p, n := range pairCounts {
		if n < correlationMinOccurrences {
			continue
		}
		firstTotal := byTool[p.first].count
		prob := float64(n) / float64(firstTotal)
		if prob < correlationMinProbability {
			continue
		}
		out = append(out, models.ToolCorrelation{
			First:       p.first,
			Second:      p.second,
			Occurrences: n,
			Probability: prob,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		if out[i].First != out[j].First {
			return out[i].First < out[j].First
		}
		return out[i].Second < out[j].Second
	})
	return capList(out, topN)
}

// recommendations derives plain-language hints from the aggregates.
func recommendations(rollup *models.AnalyticsRollup) []string {
	recs := []string{}
	for _, rel := range rollup.MostReliable {
		if rel.SuccessRate < 0.5 {
			recs = append(recs, fmt.Sprintf(
				"%s fails more than half the time (%d samples); review its inputs",
				rel.ToolName, rel.Samples))
		}
	}
	for _, perf := range rollup.PerfStats {
		if perf.P95DurationMs >= 5000 {
			recs = append(recs, fmt.Sprintf(
				"%s p95 latency is %dms; consider narrowing its queries",
				perf.ToolName, perf.P95DurationMs))
		}
	}
	for _, corr := range rollup.Correlations {
		recs = append(recs, fmt.Sprintf(
			"%s is usually followed by %s (%.0f%%); they may belong in one step",
			corr.First, corr.Second, corr.Probability*100))
	}
	return recs
}

func capList[T any](list []T, n int) []T {
	if len(list) > n {
		return list[:n]
	}
	return list
}
