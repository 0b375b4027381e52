package scheduler

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// TriggerTime is one future firing of a trigger. ScheduledDatetime is
// when the scheduler must wake up: the trigger datetime plus the
// trigger's offset.
type TriggerTime struct {
	TriggerID         uuid.UUID
	TriggerDatetime   time.Time
	ScheduledDatetime time.Time
}

func (t TriggerTime) String() string {
	return t.TriggerID.String() + " @ " + t.TriggerDatetime.UTC().Format(time.RFC3339)
}

// triggerHeap implements heap.Interface ordered by ScheduledDatetime.
type triggerHeap []TriggerTime

func (h triggerHeap) Len() int           { return len(h) }
func (h triggerHeap) Less(i, j int) bool { return h[i].ScheduledDatetime.Before(h[j].ScheduledDatetime) }
func (h triggerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *triggerHeap) Push(x any)        { *h = append(*h, x.(TriggerTime)) }
func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// queue is the min-heap of pending trigger times. It is owned exclusively
// by the scheduler loop and never touched from outside.
type queue struct {
	items triggerHeap
}

func newQueue() *queue {
	return &queue{}
}

func (q *queue) Len() int {
	return len(q.items)
}

func (q *queue) Push(t TriggerTime) {
	heap.Push(&q.items, t)
}

func (q *queue) Pop() TriggerTime {
	return heap.Pop(&q.items).(TriggerTime)
}

// Remove drops every entry for the given trigger and reheapifies.
func (q *queue) Remove(triggerID uuid.UUID) {
	kept := q.items[:0]
	for _, t := range q.items {
		if t.TriggerID != triggerID {
			kept = append(kept, t)
		}
	}
	q.items = kept
	heap.Init(&q.items)
}
