// Package messages defines the wire messages exchanged with workers over
// the bus and the in-process messages passed between server components.
package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Token identifies one task instance at one logical time. It is the unit
// of dataflow progress.
type Token struct {
	TaskID          uuid.UUID `json:"task_id"`
	TriggerDatetime time.Time `json:"trigger_datetime"`
}

func (t Token) String() string {
	return fmt.Sprintf("%s @ %s", t.TaskID, t.TriggerDatetime.UTC().Format(time.RFC3339))
}

// TaskPriority selects which bus queue a dispatched task lands on.
// Workers consume in priority order.
type TaskPriority int

const (
	BackFill TaskPriority = iota
	Low
	Normal
	High
)

var priorityNames = map[TaskPriority]string{
	BackFill: "backfill",
	Low:      "low",
	Normal:   "normal",
	High:     "high",
}

// Priorities lists all priorities from lowest to highest.
func Priorities() []TaskPriority {
	return []TaskPriority{BackFill, Low, Normal, High}
}

func (p TaskPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// MarshalJSON serializes the priority as its lowercase name.
func (p TaskPriority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses a lowercase priority name.
func (p *TaskPriority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for prio, n := range priorityNames {
		if n == name {
			*p = prio
			return nil
		}
	}
	return fmt.Errorf("unknown task priority %q", name)
}

// TaskOutcome is the result a worker reports for a task run.
type TaskOutcome string

const (
	OutcomeSuccess TaskOutcome = "success"
	OutcomeFailure TaskOutcome = "failure"
)

// Valid reports whether the outcome is one of the two known values.
func (o TaskOutcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// TaskRequest is published to waterwheel.tasks.<priority> for workers to
// execute.
type TaskRequest struct {
	TaskRunID       uuid.UUID    `json:"task_run_id"`
	TaskID          uuid.UUID    `json:"task_id"`
	TaskName        string       `json:"task_name"`
	JobID           uuid.UUID    `json:"job_id"`
	JobName         string       `json:"job_name"`
	ProjectID       uuid.UUID    `json:"project_id"`
	ProjectName     string       `json:"project_name"`
	TriggerDatetime time.Time    `json:"trigger_datetime"`
	Image           *string      `json:"image,omitempty"`
	Args            []string     `json:"args"`
	Env             []string     `json:"env,omitempty"`
	Priority        TaskPriority `json:"priority"`
}

// TaskResult is published by workers to waterwheel.results when a task
// run completes.
type TaskResult struct {
	TaskID          uuid.UUID   `json:"task_id"`
	TriggerDatetime time.Time   `json:"trigger_datetime"`
	Result          TaskOutcome `json:"result"`
	WorkerID        uuid.UUID   `json:"worker_id"`
}

// Token returns the parent token the result refers to.
func (r TaskResult) Token() Token {
	return Token{TaskID: r.TaskID, TriggerDatetime: r.TriggerDatetime}
}

// WorkerHeartbeat is posted by workers to the heartbeat endpoint.
type WorkerHeartbeat struct {
	UUID             uuid.UUID `json:"uuid"`
	Addr             string    `json:"addr"`
	LastSeenDatetime time.Time `json:"last_seen_datetime"`
	RunningTasks     int       `json:"running_tasks"`
	TotalTasks       int       `json:"total_tasks"`
	Version          string    `json:"version"`
}

// TriggerUpdate notifies the scheduler that a trigger was created, edited
// or had its job paused or unpaused.
type TriggerUpdate uuid.UUID

// TokenOp selects what the token processor should do with a token.
type TokenOp int

const (
	// OpIncrement reports that the token's count was incremented in the
	// database and its threshold should be checked.
	OpIncrement TokenOp = iota
	// OpActivate explicitly activates the token (manual re-run).
	OpActivate
	// OpClear resets the token to waiting with count zero.
	OpClear
)

// ProcessToken asks the token processor to act on a token. The message
// only requests a check; the database row is the source of truth.
type ProcessToken struct {
	Op       TokenOp
	Token    Token
	Priority TaskPriority
}
