package model

import (
	"time"
)

// TaskKind identifies which source dataset a scrape task targets.
type TaskKind string

const (
	TaskKindVehicles  TaskKind = "vehicles"
	TaskKindTrips     TaskKind = "trips"
	TaskKindEarnings  TaskKind = "earnings"
	TaskKindReviews   TaskKind = "reviews"
	TaskKindTelemetry TaskKind = "telemetry"
	TaskKindBank      TaskKind = "bank"
	// TaskKindAll fans out into one child task per concrete kind.
	TaskKindAll TaskKind = "all"
)

// SubKinds returns the concrete kinds a TaskKindAll submission expands into.
func (k TaskKind) SubKinds() []TaskKind {
	if k != TaskKindAll {
		return []TaskKind{k}
	}
	return []TaskKind{TaskKindVehicles, TaskKindTrips, TaskKindEarnings, TaskKindReviews, TaskKindTelemetry, TaskKindBank}
}

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskKindVehicles, TaskKindTrips, TaskKindEarnings, TaskKindReviews, TaskKindTelemetry, TaskKindBank, TaskKindAll:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a scrape task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether s is a terminal state. Terminal tasks are
// immutable: no transition leaves succeeded or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// CanTransition reports whether the state machine permits moving from s
// to next. Transitions only go forward: queued → running →
// {succeeded | retrying → running | failed}.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusSucceeded || next == TaskStatusRetrying || next == TaskStatusFailed
	case TaskStatusRetrying:
		return next == TaskStatusRunning || next == TaskStatusFailed
	}
	return false
}

// ScrapeTask tracks one scrape/ingest job through its lifecycle.
// Owned exclusively by the scheduler; callers see copies.
type ScrapeTask struct {
	ID         string     `json:"id"`
	Kind       TaskKind   `json:"kind"`
	Status     TaskStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	ParentID   string     `json:"parent_id,omitempty"`
	ChildIDs   []string   `json:"child_ids,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Kind   TaskKind   `json:"kind,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}
