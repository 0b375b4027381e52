package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when the requested row is missing.
var ErrNotFound = errors.New("not found")

// ErrUnknownDependency is returned when a job definition references a
// task or trigger name it does not define.
var ErrUnknownDependency = errors.New("unknown dependency")

// TriggerDep wires a task to a trigger defined in the same job.
type TriggerDep struct {
	TriggerName string
	EdgeOffset  *int64
}

// TaskSpec is one task in a parsed job definition. Depends lists are
// parent task names within the same job.
type TaskSpec struct {
	Name           string
	Image          *string
	Args           []string
	Env            []string
	DependsSuccess []string
	DependsFailure []string
	TriggerDeps    []TriggerDep
}

// TriggerSpec is one trigger in a parsed job definition.
type TriggerSpec struct {
	Name          string
	Start         time.Time
	End           *time.Time
	PeriodSeconds *int64
	Cron          *string
	Offset        *int64
	Catchup       Catchup
}

// JobDefinition is a job upsert parsed from the client's raw JSON. Raw
// is stored verbatim as the canonical source of truth.
type JobDefinition struct {
	JobID       uuid.UUID
	ProjectName string
	JobName     string
	Raw         string
	Tasks       []TaskSpec
	Triggers    []TriggerSpec
}
