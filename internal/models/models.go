// Package models defines the entities stored in the relational database.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Project groups jobs. Unique by name.
type Project struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Job groups tasks and triggers. A paused job is excluded from scheduling.
// RawDefinition is the canonical JSON source of truth used by clients.
type Job struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	ProjectID     uuid.UUID `json:"project_id"`
	Paused        bool      `json:"paused"`
	RawDefinition string    `json:"raw_definition"`
}

// Task is a node in the dataflow graph.
type Task struct {
	ID    uuid.UUID `json:"id"`
	JobID uuid.UUID `json:"job_id"`
	Name  string    `json:"name"`
	Image *string   `json:"image,omitempty"`
	Args  []string  `json:"args"`
	Env   []string  `json:"env,omitempty"`
}

// EdgeKind selects which child edges activate when the parent completes
// with that result.
type EdgeKind string

const (
	EdgeSuccess EdgeKind = "success"
	EdgeFailure EdgeKind = "failure"
)

// TaskEdge connects a parent task to a child task.
type TaskEdge struct {
	ParentTaskID uuid.UUID `json:"parent_task_id"`
	ChildTaskID  uuid.UUID `json:"child_task_id"`
	Kind         EdgeKind  `json:"kind"`
}

// Catchup controls how missed trigger firings are backfilled.
type Catchup string

const (
	CatchupNone     Catchup = "none"
	CatchupEarliest Catchup = "earliest"
	CatchupLatest   Catchup = "latest"
	CatchupRandom   Catchup = "random"
)

// Trigger is a recurring schedule attached to a job. Either Period
// (seconds) or Cron is set, never both. The watermark columns bracket
// every datetime for which tokens have ever been emitted.
type Trigger struct {
	ID                      uuid.UUID  `json:"id"`
	JobID                   uuid.UUID  `json:"job_id"`
	Name                    string     `json:"name"`
	StartDatetime           time.Time  `json:"start_datetime"`
	EndDatetime             *time.Time `json:"end_datetime,omitempty"`
	EarliestTriggerDatetime *time.Time `json:"earliest_trigger_datetime,omitempty"`
	LatestTriggerDatetime   *time.Time `json:"latest_trigger_datetime,omitempty"`
	Period                  *int64     `json:"period,omitempty"`
	Cron                    *string    `json:"cron,omitempty"`
	TriggerOffset           *int64     `json:"trigger_offset,omitempty"`
	Catchup                 Catchup    `json:"catchup"`
}

// TriggerEdge wires a trigger to a task. A firing produces one token per
// edge, with the child token's trigger datetime offset by EdgeOffset
// seconds.
type TriggerEdge struct {
	TriggerID  uuid.UUID `json:"trigger_id"`
	TaskID     uuid.UUID `json:"task_id"`
	EdgeOffset *int64    `json:"edge_offset,omitempty"`
}

// TokenState is the lifecycle state of a token row.
type TokenState string

const (
	TokenWaiting TokenState = "waiting"
	TokenActive  TokenState = "active"
	TokenRunning TokenState = "running"
	TokenSuccess TokenState = "success"
	TokenFailure TokenState = "failure"
)

// Terminal reports whether the state is final for its trigger datetime.
func (s TokenState) Terminal() bool {
	return s == TokenSuccess || s == TokenFailure
}

// TokenRow is the persisted dataflow state for a (task, trigger_datetime)
// pair. Count accumulates prerequisite completions; Threshold is the
// static in-degree of the task.
type TokenRow struct {
	TaskID          uuid.UUID  `json:"task_id"`
	TriggerDatetime time.Time  `json:"trigger_datetime"`
	Count           int        `json:"count"`
	Threshold       int        `json:"threshold"`
	State           TokenState `json:"state"`
}

// TaskDetail is the task definition served to workers, joined with its
// job and project for logging and isolation on the worker side.
type TaskDetail struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	JobID       uuid.UUID `json:"job_id"`
	JobName     string    `json:"job_name"`
	ProjectID   uuid.UUID `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Image       *string   `json:"image,omitempty"`
	Args        []string  `json:"args"`
	Env         []string  `json:"env,omitempty"`
}

// Worker is the last known heartbeat state of a worker process.
type Worker struct {
	ID               uuid.UUID `json:"id"`
	Addr             string    `json:"addr"`
	LastSeenDatetime time.Time `json:"last_seen_datetime"`
	RunningTasks     int       `json:"running_tasks"`
	TotalTasks       int       `json:"total_tasks"`
	Version          string    `json:"version"`
}
