package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/resilience"
)

type fakeTasks struct {
	tasks    []model.ScrapeTask
	breakers map[string]resilience.CircuitState
}

func (f *fakeTasks) List(model.TaskFilter) []model.ScrapeTask { return f.tasks }
func (f *fakeTasks) BreakerStates() map[string]resilience.CircuitState {
	return f.breakers
}

type fakeLedger struct {
	records []model.UnifiedTripRecord
	payouts []model.Payout
}

func (f *fakeLedger) Records() []model.UnifiedTripRecord { return f.records }
func (f *fakeLedger) Payouts() []model.Payout            { return f.payouts }

func task(status model.TaskStatus, age time.Duration, childIDs ...string) model.ScrapeTask {
	return model.ScrapeTask{
		ID:        "task-" + string(status),
		Kind:      model.TaskKindTrips,
		Status:    status,
		ChildIDs:  childIDs,
		CreatedAt: time.Now().UTC().Add(-age),
	}
}

func matchedRecord(conflicts ...model.Conflict) model.UnifiedTripRecord {
	po := model.Payout{PayoutID: "po-1", Net: model.Money{Amount: 100, Currency: "USD"}}
	return model.UnifiedTripRecord{
		Trip:                model.Trip{Identity: model.TripIdentity{Source: model.SourceScrape, TripID: "t1"}},
		MatchedPayout:       &po,
		UnresolvedConflicts: conflicts,
	}
}

func TestCollectTaskMetrics(t *testing.T) {
	t.Parallel()

	c := NewCollector(&fakeTasks{tasks: []model.ScrapeTask{
		task(model.TaskStatusSucceeded, time.Hour),
		task(model.TaskStatusSucceeded, 2*time.Hour),
		task(model.TaskStatusFailed, time.Hour),
		task(model.TaskStatusRunning, time.Minute),
		task(model.TaskStatusFailed, 48*time.Hour),                  // outside lookback
		task(model.TaskStatusSucceeded, time.Hour, "child-1", "c2"), // fan-out parent
	}}, &fakeLedger{})

	snap := c.Collect(24)
	assert.Equal(t, 4, snap.TasksTotal)
	assert.Equal(t, 2, snap.TasksSucceeded)
	assert.Equal(t, 1, snap.TasksFailed)
	assert.Equal(t, 1, snap.TasksInFlight)
	assert.InDelta(t, 1.0/3.0, snap.TaskFailRate, 1e-9)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollectReconciliationMetrics(t *testing.T) {
	t.Parallel()

	c := NewCollector(&fakeTasks{}, &fakeLedger{
		records: []model.UnifiedTripRecord{
			matchedRecord(),
			matchedRecord(model.Conflict{Kind: model.ConflictTie}, model.Conflict{Kind: model.ConflictSplitPayout}),
			{Trip: model.Trip{Identity: model.TripIdentity{Source: model.SourceScrape, TripID: "t3"}},
				UnresolvedConflicts: []model.Conflict{{Kind: model.ConflictRelink}}},
			{Trip: model.Trip{Identity: model.TripIdentity{Source: model.SourceScrape, TripID: "t4"}}},
		},
		payouts: []model.Payout{
			{PayoutID: "po-1", LinkedTripIDs: []string{"t1"}},
			{PayoutID: "po-2"},
			{PayoutID: "po-3"},
		},
	})

	snap := c.Collect(24)
	assert.Equal(t, 4, snap.RecordsTotal)
	assert.Equal(t, 2, snap.RecordsMatched)
	assert.InDelta(t, 0.5, snap.MatchRate, 1e-9)
	assert.Equal(t, 1, snap.ConflictTies)
	assert.Equal(t, 1, snap.ConflictRelinks)
	assert.Equal(t, 1, snap.ConflictSplits)
	assert.Equal(t, 2, snap.UnmatchedPayouts)
}

func TestCollectBreakerStates(t *testing.T) {
	t.Parallel()

	c := NewCollector(&fakeTasks{breakers: map[string]resilience.CircuitState{
		"scrape":    resilience.CircuitClosed,
		"ledger":    resilience.CircuitOpen,
		"telemetry": resilience.CircuitHalfOpen,
	}}, &fakeLedger{})

	snap := c.Collect(24)
	assert.Equal(t, map[string]string{
		"scrape":    "closed",
		"ledger":    "open",
		"telemetry": "half-open",
	}, snap.Breakers)
}

func TestCollectEmpty(t *testing.T) {
	t.Parallel()

	snap := NewCollector(&fakeTasks{}, &fakeLedger{}).Collect(24)
	assert.Zero(t, snap.TasksTotal)
	assert.Zero(t, snap.TaskFailRate)
	assert.Zero(t, snap.MatchRate)
	assert.Nil(t, snap.Breakers)
	assert.False(t, snap.CollectedAt.IsZero())
}
