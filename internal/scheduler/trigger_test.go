package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterwheel-org/waterwheel/internal/models"
)

func TestPeriodOfSeconds(t *testing.T) {
	trigger := fixedTrigger(time.Now(), 3600, models.CatchupEarliest)

	period, err := periodOf(trigger)
	require.NoError(t, err)

	base := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(time.Hour), period.Next(base))
}

func TestPeriodOfCron(t *testing.T) {
	cron := "30 * * * *"
	trigger := &models.Trigger{ID: uuid.New(), Cron: &cron}

	period, err := periodOf(trigger)
	require.NoError(t, err)

	base := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2021, 6, 1, 0, 30, 0, 0, time.UTC), period.Next(base))
	assert.Equal(t, time.Date(2021, 6, 1, 1, 30, 0, 0, time.UTC), period.Next(base.Add(30*time.Minute)))
}

func TestPeriodOfRejectsMalformedSchedules(t *testing.T) {
	badCron := "not a cron"
	for name, trigger := range map[string]*models.Trigger{
		"bad cron":    {ID: uuid.New(), Cron: &badCron},
		"no schedule": {ID: uuid.New()},
		"zero period": {ID: uuid.New(), Period: seconds(0)},
		"negative":    {ID: uuid.New(), Period: seconds(-60)},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := periodOf(trigger)
			assert.ErrorIs(t, err, ErrBadSchedule)
		})
	}
}

func TestTriggerAtAppliesOffset(t *testing.T) {
	base := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	trigger := fixedTrigger(base, 60, models.CatchupEarliest)
	trigger.TriggerOffset = seconds(300)

	tt := triggerAt(trigger, base)
	assert.Equal(t, base, tt.TriggerDatetime)
	assert.Equal(t, base.Add(5*time.Minute), tt.ScheduledDatetime)
}

func TestTriggerAtNilOffsetMeansZero(t *testing.T) {
	base := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	trigger := fixedTrigger(base, 60, models.CatchupEarliest)

	tt := triggerAt(trigger, base)
	assert.Equal(t, base, tt.ScheduledDatetime)
}
