// Package scheduler owns the future-time min-heap of trigger firings.
// A single scheduler loop decides when each recurring trigger fires,
// activates it inside a database transaction, and posts the resulting
// tokens to the token processor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waterwheel-org/waterwheel/internal/logger"
	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/metrics"
	"github.com/waterwheel-org/waterwheel/internal/models"
	"github.com/waterwheel-org/waterwheel/internal/postoffice"
)

// ErrTriggerGone is returned by the store when a trigger no longer
// exists or its job is paused.
var ErrTriggerGone = errors.New("trigger is gone or paused")

// Store is the database surface the scheduler needs. Activation methods
// run in one transaction each and return the tokens whose counts were
// incremented, so the scheduler can publish them after commit.
type Store interface {
	// UnpausedTriggers loads every trigger whose job is not paused.
	UnpausedTriggers(ctx context.Context) ([]*models.Trigger, error)

	// UnpausedTrigger loads one trigger, reporting ErrTriggerGone when
	// it is missing or its job is paused.
	UnpausedTrigger(ctx context.Context, id uuid.UUID) (*models.Trigger, error)

	// Trigger loads one trigger regardless of the job's paused state.
	Trigger(ctx context.Context, id uuid.UUID) (*models.Trigger, error)

	// ActivateTrigger emits one token per trigger edge for the given
	// datetime and advances the trigger's watermarks, in one transaction.
	ActivateTrigger(ctx context.Context, triggerID uuid.UUID, triggerDatetime time.Time) ([]messages.Token, error)

	// ActivateTriggerBatch activates the trigger for every datetime in
	// one transaction. Used by catchup.
	ActivateTriggerBatch(ctx context.Context, triggerID uuid.UUID, datetimes []time.Time) ([]messages.Token, error)
}

// Scheduler runs the trigger loop. Create with New and run with Run;
// there must be at most one per deployment.
type Scheduler struct {
	store   Store
	updates *postoffice.Mailbox[messages.TriggerUpdate]
	tokens  *postoffice.Mailbox[messages.ProcessToken]
	queue   *queue

	// clock is swapped out in tests.
	clock func() time.Time
}

// New builds a scheduler wired to the given store and post office.
func New(store Store, po *postoffice.PostOffice) *Scheduler {
	return &Scheduler{
		store:   store,
		updates: postoffice.Mail[messages.TriggerUpdate](po),
		tokens:  postoffice.Mail[messages.ProcessToken](po),
		queue:   newQueue(),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the scheduler loop until the context is cancelled. Any
// error returned is a failure the supervisor should restart from.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	for {
		// Drain pending trigger updates before looking at the clock.
		for {
			update, ok := s.updates.TryRecv()
			if !ok {
				break
			}
			if err := s.updateTrigger(ctx, uuid.UUID(update)); err != nil {
				return err
			}
		}

		metrics.TriggersQueued.Set(float64(s.queue.Len()))

		if s.queue.Len() == 0 {
			logger.Debug(ctx, "no triggers queued, waiting for a trigger update")
			update, err := s.updates.Recv(ctx)
			if err != nil {
				return s.recvErr(err)
			}
			if err := s.updateTrigger(ctx, uuid.UUID(update)); err != nil {
				return err
			}
			continue
		}

		next := s.queue.Pop()
		delay := next.ScheduledDatetime.Sub(s.clock())

		if delay > 0 {
			logger.Info(ctx, "sleeping until next trigger",
				"trigger_id", next.TriggerID, "delay", delay.Round(time.Second).String())

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()

			case <-s.updates.Notify():
				timer.Stop()
				// Put the entry we slept on back; the update may delete
				// it, or it may be popped again as the next trigger.
				s.queue.Push(next)

			case <-timer.C:
				if err := s.fireAndRequeue(ctx, next); err != nil {
					return err
				}
			}
		} else {
			logger.Warn(ctx, "overslept trigger", "trigger_id", next.TriggerID, "overslept_by", (-delay).String())
			if err := s.fireAndRequeue(ctx, next); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) recvErr(err error) error {
	if errors.Is(err, postoffice.ErrClosed) {
		// The post office only closes when the process is wedged.
		return fmt.Errorf("trigger update mailbox closed: %w", err)
	}
	return err
}

// restore reloads every unpaused trigger on startup and catches up any
// firings missed while the scheduler was offline.
func (s *Scheduler) restore(ctx context.Context) error {
	logger.Info(ctx, "restoring triggers from database")

	triggers, err := s.store.UnpausedTriggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore triggers: %w", err)
	}
	for _, trigger := range triggers {
		if err := s.catchup(ctx, trigger); err != nil {
			if errors.Is(err, ErrBadSchedule) {
				logger.Error(ctx, "skipping trigger with malformed schedule",
					"trigger_id", trigger.ID, "err", err)
				continue
			}
			return err
		}
	}

	logger.Info(ctx, "done restoring triggers from database", "queued", s.queue.Len())
	return nil
}

// updateTrigger prunes the heap of the trigger's entries and, when the
// trigger still exists and its job is unpaused, runs catchup on the
// reloaded row.
func (s *Scheduler) updateTrigger(ctx context.Context, id uuid.UUID) error {
	logger.Debug(ctx, "updating trigger", "trigger_id", id)

	s.queue.Remove(id)

	trigger, err := s.store.UnpausedTrigger(ctx, id)
	if errors.Is(err, ErrTriggerGone) {
		logger.Debug(ctx, "trigger deleted or paused, removed from the queue", "trigger_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to reload trigger %s: %w", id, err)
	}

	if err := s.catchup(ctx, trigger); err != nil {
		if errors.Is(err, ErrBadSchedule) {
			logger.Error(ctx, "skipping trigger with malformed schedule", "trigger_id", id, "err", err)
			return nil
		}
		return err
	}
	return nil
}

// fireAndRequeue queues the trigger's successor and then activates the
// popped entry at normal priority.
func (s *Scheduler) fireAndRequeue(ctx context.Context, tt TriggerTime) error {
	if err := s.requeue(ctx, tt); err != nil {
		return err
	}

	tokens, err := s.store.ActivateTrigger(ctx, tt.TriggerID, tt.TriggerDatetime)
	if err != nil {
		return fmt.Errorf("failed to activate trigger %s: %w", tt.TriggerID, err)
	}

	logger.Debug(ctx, "activated trigger",
		"trigger_id", tt.TriggerID,
		"trigger_datetime", tt.TriggerDatetime.UTC().Format(time.RFC3339),
		"tokens", len(tokens))

	// Only after the activation transaction commits can the token
	// processor be asked to check thresholds.
	s.publish(tokens, messages.Normal)
	return nil
}

// requeue pushes the successor of the fired entry, unless the end date
// cuts it off.
func (s *Scheduler) requeue(ctx context.Context, tt TriggerTime) error {
	trigger, err := s.store.Trigger(ctx, tt.TriggerID)
	if err != nil {
		return fmt.Errorf("failed to load trigger %s for requeue: %w", tt.TriggerID, err)
	}

	period, err := periodOf(trigger)
	if err != nil {
		logger.Error(ctx, "not requeueing trigger with malformed schedule", "trigger_id", trigger.ID, "err", err)
		return nil
	}

	next := period.Next(tt.TriggerDatetime)
	if trigger.EndDatetime == nil || next.Before(*trigger.EndDatetime) {
		logger.Debug(ctx, "queueing next trigger time",
			"trigger_id", trigger.ID, "next", next.UTC().Format(time.RFC3339))
		s.queue.Push(triggerAt(trigger, next))
	}
	return nil
}

func (s *Scheduler) publish(tokens []messages.Token, priority messages.TaskPriority) {
	for _, token := range tokens {
		s.tokens.Post(messages.ProcessToken{
			Op:       messages.OpIncrement,
			Token:    token,
			Priority: priority,
		})
	}
}
