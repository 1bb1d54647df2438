// Package monitoring observes reconciliation health: task outcomes,
// match coverage, conflict volume, and circuit breaker state.
package monitoring

import (
	"time"

	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Task metrics (tasks created within the lookback window).
	TasksTotal     int     `json:"tasks_total"`
	TasksSucceeded int     `json:"tasks_succeeded"`
	TasksFailed    int     `json:"tasks_failed"`
	TasksInFlight  int     `json:"tasks_in_flight"`
	TaskFailRate   float64 `json:"task_fail_rate"`

	// Reconciliation metrics (whole ledger, not windowed: match state
	// is cumulative).
	RecordsTotal     int     `json:"records_total"`
	RecordsMatched   int     `json:"records_matched"`
	MatchRate        float64 `json:"match_rate"`
	ConflictTies     int     `json:"conflict_ties"`
	ConflictRelinks  int     `json:"conflict_relinks"`
	ConflictSplits   int     `json:"conflict_splits"`
	UnmatchedPayouts int     `json:"unmatched_payouts"`

	// Per-source circuit state.
	Breakers map[string]string `json:"breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// TaskLister is the scheduler surface the collector reads.
type TaskLister interface {
	List(filter model.TaskFilter) []model.ScrapeTask
	BreakerStates() map[string]resilience.CircuitState
}

// LedgerReader is the ledger surface the collector reads.
type LedgerReader interface {
	Records() []model.UnifiedTripRecord
	Payouts() []model.Payout
}

// Collector gathers metrics from the scheduler and the ledger.
type Collector struct {
	tasks  TaskLister
	ledger LedgerReader
}

// NewCollector creates a metrics collector.
func NewCollector(tasks TaskLister, ledger LedgerReader) *Collector {
	return &Collector{tasks: tasks, ledger: ledger}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(lookbackHours int) *MetricsSnapshot {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := snap.CollectedAt.Add(-time.Duration(lookbackHours) * time.Hour)

	for _, t := range c.tasks.List(model.TaskFilter{}) {
		// Fan-out parents duplicate their children's outcomes.
		if len(t.ChildIDs) > 0 {
			continue
		}
		if t.CreatedAt.Before(cutoff) {
			continue
		}
		snap.TasksTotal++
		switch t.Status {
		case model.TaskStatusSucceeded:
			snap.TasksSucceeded++
		case model.TaskStatusFailed:
			snap.TasksFailed++
		default:
			snap.TasksInFlight++
		}
	}
	if finished := snap.TasksSucceeded + snap.TasksFailed; finished > 0 {
		snap.TaskFailRate = float64(snap.TasksFailed) / float64(finished)
	}

	for _, rec := range c.ledger.Records() {
		snap.RecordsTotal++
		if rec.Matched() {
			snap.RecordsMatched++
		}
		for _, conflict := range rec.UnresolvedConflicts {
			switch conflict.Kind {
			case model.ConflictTie:
				snap.ConflictTies++
			case model.ConflictRelink:
				snap.ConflictRelinks++
			case model.ConflictSplitPayout:
				snap.ConflictSplits++
			}
		}
	}
	if snap.RecordsTotal > 0 {
		snap.MatchRate = float64(snap.RecordsMatched) / float64(snap.RecordsTotal)
	}

	for _, p := range c.ledger.Payouts() {
		if len(p.LinkedTripIDs) == 0 {
			snap.UnmatchedPayouts++
		}
	}

	states := c.tasks.BreakerStates()
	if len(states) > 0 {
		snap.Breakers = make(map[string]string, len(states))
		for src, state := range states {
			snap.Breakers[src] = state.String()
		}
	}

	return snap
}
