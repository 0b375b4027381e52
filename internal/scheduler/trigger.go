package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/waterwheel-org/waterwheel/internal/models"
)

// ErrBadSchedule marks a trigger whose period or cron expression cannot
// be used. The trigger is skipped; its job is not paused.
var ErrBadSchedule = errors.New("malformed trigger schedule")

// Period advances a trigger datetime to its successor. It is either a
// fixed duration or a cron schedule, never both.
type Period struct {
	duration time.Duration
	schedule cron.Schedule
}

// periodOf parses the trigger's period or cron column.
func periodOf(trigger *models.Trigger) (Period, error) {
	if trigger.Cron != nil {
		schedule, err := cron.ParseStandard(*trigger.Cron)
		if err != nil {
			return Period{}, fmt.Errorf("%w: cron %q: %v", ErrBadSchedule, *trigger.Cron, err)
		}
		return Period{schedule: schedule}, nil
	}
	if trigger.Period == nil {
		return Period{}, fmt.Errorf("%w: trigger %s has neither period nor cron", ErrBadSchedule, trigger.ID)
	}
	if *trigger.Period <= 0 {
		return Period{}, fmt.Errorf("%w: non-positive period %d", ErrBadSchedule, *trigger.Period)
	}
	return Period{duration: time.Duration(*trigger.Period) * time.Second}, nil
}

// Next returns the successor of the given trigger datetime.
func (p Period) Next(datetime time.Time) time.Time {
	if p.schedule != nil {
		return p.schedule.Next(datetime)
	}
	return datetime.Add(p.duration)
}

// offsetDuration returns the trigger's scheduling offset; nil means zero.
func offsetDuration(trigger *models.Trigger) time.Duration {
	if trigger.TriggerOffset == nil {
		return 0
	}
	return time.Duration(*trigger.TriggerOffset) * time.Second
}

// triggerAt builds the TriggerTime for firing the trigger at the given
// nominal datetime.
func triggerAt(trigger *models.Trigger, datetime time.Time) TriggerTime {
	return TriggerTime{
		TriggerID:         trigger.ID,
		TriggerDatetime:   datetime,
		ScheduledDatetime: datetime.Add(offsetDuration(trigger)),
	}
}
