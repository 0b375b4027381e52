package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/waterwheel-org/waterwheel/internal/logger"
	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/models"
)

// catchup backfills firings the trigger missed while the scheduler was
// offline or that appeared because the definition changed, then queues
// the first future firing. Backfilled tokens are published at backfill
// priority in the order chosen by the trigger's catchup policy.
func (s *Scheduler) catchup(ctx context.Context, trigger *models.Trigger) error {
	logger.Debug(ctx, "checking trigger for catchup", "trigger_id", trigger.ID)

	period, err := periodOf(trigger)
	if err != nil {
		return err
	}

	var datetimes []time.Time

	// The start date may have moved backwards: walk from the new start
	// up to the earliest datetime ever fired.
	if trigger.Catchup != models.CatchupNone && trigger.EarliestTriggerDatetime != nil &&
		trigger.StartDatetime.Before(*trigger.EarliestTriggerDatetime) {
		logger.Debug(ctx, "start date has moved backwards",
			"trigger_id", trigger.ID,
			"earliest", trigger.EarliestTriggerDatetime.Format(time.RFC3339),
			"start", trigger.StartDatetime.Format(time.RFC3339))

		for next := trigger.StartDatetime; next.Before(*trigger.EarliestTriggerDatetime); next = period.Next(next) {
			datetimes = append(datetimes, next)
		}
	}

	// Catch up any periods since the last firing.
	now := s.clock()

	var next time.Time
	if trigger.LatestTriggerDatetime != nil {
		next = period.Next(*trigger.LatestTriggerDatetime)
	} else {
		next = trigger.StartDatetime
	}

	last := now
	if trigger.EndDatetime != nil && trigger.EndDatetime.Before(now) {
		last = *trigger.EndDatetime
	}

	for ; next.Before(last); next = period.Next(next) {
		if trigger.Catchup != models.CatchupNone {
			datetimes = append(datetimes, next)
		}
	}

	// Queue one firing in the future.
	if trigger.EndDatetime == nil || next.Before(*trigger.EndDatetime) {
		logger.Debug(ctx, "queueing trigger", "trigger_id", trigger.ID, "at", next.UTC().Format(time.RFC3339))
		s.queue.Push(triggerAt(trigger, next))
	}

	tokens, err := s.store.ActivateTriggerBatch(ctx, trigger.ID, datetimes)
	if err != nil {
		return fmt.Errorf("failed to backfill trigger %s: %w", trigger.ID, err)
	}

	switch trigger.Catchup {
	case models.CatchupNone:
		if len(tokens) != 0 {
			return fmt.Errorf("catchup policy none emitted %d tokens for trigger %s", len(tokens), trigger.ID)
		}
	case models.CatchupEarliest:
		sort.Slice(tokens, func(i, j int) bool {
			return tokens[i].TriggerDatetime.Before(tokens[j].TriggerDatetime)
		})
	case models.CatchupLatest:
		sort.Slice(tokens, func(i, j int) bool {
			return tokens[j].TriggerDatetime.Before(tokens[i].TriggerDatetime)
		})
	case models.CatchupRandom:
		tokens = lo.Shuffle(tokens)
	}

	s.publish(tokens, messages.BackFill)
	return nil
}
