package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/models"
)

// fakeStore implements Store in memory. Activations return one token
// per configured edge task per datetime, like the real store does.
type fakeStore struct {
	mu        sync.Mutex
	triggers  map[uuid.UUID]*models.Trigger
	paused    map[uuid.UUID]bool
	edgeTasks map[uuid.UUID][]uuid.UUID
	batches   map[uuid.UUID][][]time.Time
}

func newFakeStore(triggers ...*models.Trigger) *fakeStore {
	f := &fakeStore{
		triggers:  make(map[uuid.UUID]*models.Trigger),
		paused:    make(map[uuid.UUID]bool),
		edgeTasks: make(map[uuid.UUID][]uuid.UUID),
		batches:   make(map[uuid.UUID][][]time.Time),
	}
	for _, t := range triggers {
		f.triggers[t.ID] = t
		f.edgeTasks[t.ID] = []uuid.UUID{uuid.New()}
	}
	return f
}

func (f *fakeStore) UnpausedTriggers(context.Context) ([]*models.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Trigger
	for id, t := range f.triggers {
		if !f.paused[id] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) UnpausedTrigger(_ context.Context, id uuid.UUID) (*models.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.triggers[id]
	if !ok || f.paused[id] {
		return nil, ErrTriggerGone
	}
	return t, nil
}

func (f *fakeStore) Trigger(_ context.Context, id uuid.UUID) (*models.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.triggers[id]
	if !ok {
		return nil, fmt.Errorf("no trigger %s", id)
	}
	return t, nil
}

func (f *fakeStore) ActivateTrigger(ctx context.Context, id uuid.UUID, datetime time.Time) ([]messages.Token, error) {
	return f.ActivateTriggerBatch(ctx, id, []time.Time{datetime})
}

func (f *fakeStore) ActivateTriggerBatch(_ context.Context, id uuid.UUID, datetimes []time.Time) ([]messages.Token, error) {
	if len(datetimes) == 0 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[id] = append(f.batches[id], datetimes)

	var tokens []messages.Token
	for _, dt := range datetimes {
		for _, taskID := range f.edgeTasks[id] {
			tokens = append(tokens, messages.Token{TaskID: taskID, TriggerDatetime: dt})
		}
	}
	return tokens, nil
}

// activatedDatetimes flattens every recorded activation for the trigger.
func (f *fakeStore) activatedDatetimes(id uuid.UUID) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Time
	for _, batch := range f.batches[id] {
		out = append(out, batch...)
	}
	return out
}

func (f *fakeStore) pause(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[id] = true
}

func seconds(n int64) *int64 { return &n }

func fixedTrigger(start time.Time, periodSeconds int64, catchup models.Catchup) *models.Trigger {
	return &models.Trigger{
		ID:            uuid.New(),
		JobID:         uuid.New(),
		Name:          "every-n-seconds",
		StartDatetime: start,
		Period:        seconds(periodSeconds),
		Catchup:       catchup,
	}
}
