package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/postoffice"
)

// fakeResultStore records applied results. The first application of a
// token propagates its configured children; repeats lose the swap.
type fakeResultStore struct {
	mu       sync.Mutex
	children map[messages.Token][]messages.Token
	applied  map[messages.Token]int
	err      error
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{
		children: make(map[messages.Token][]messages.Token),
		applied:  make(map[messages.Token]int),
	}
}

func (f *fakeResultStore) ApplyResult(_ context.Context, result messages.TaskResult) ([]messages.Token, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	parent := result.Token()
	f.applied[parent]++
	if f.applied[parent] > 1 {
		return nil, false, nil
	}
	return f.children[parent], true, nil
}

func newTestIngester(store Store) (*Ingester, *postoffice.Mailbox[messages.ProcessToken]) {
	po := postoffice.New()
	return NewIngester(store, nil, po), postoffice.Mail[messages.ProcessToken](po)
}

func drain(mailbox *postoffice.Mailbox[messages.ProcessToken]) []messages.ProcessToken {
	var out []messages.ProcessToken
	for {
		msg, ok := mailbox.TryRecv()
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func result(outcome messages.TaskOutcome) messages.TaskResult {
	return messages.TaskResult{
		TaskID:          uuid.New(),
		TriggerDatetime: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		Result:          outcome,
		WorkerID:        uuid.New(),
	}
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandlePropagatesToChildren(t *testing.T) {
	store := newFakeResultStore()
	ingester, mailbox := newTestIngester(store)

	res := result(messages.OutcomeSuccess)
	childA := messages.Token{TaskID: uuid.New(), TriggerDatetime: res.TriggerDatetime}
	childB := messages.Token{TaskID: uuid.New(), TriggerDatetime: res.TriggerDatetime}
	store.children[res.Token()] = []messages.Token{childA, childB}

	require.NoError(t, ingester.Handle(context.Background(), encode(t, res)))

	posted := drain(mailbox)
	require.Len(t, posted, 2)
	for _, msg := range posted {
		assert.Equal(t, messages.OpIncrement, msg.Op)
		assert.Equal(t, messages.Normal, msg.Priority)
	}
	assert.Equal(t, childA, posted[0].Token)
	assert.Equal(t, childB, posted[1].Token)
}

func TestHandleRedeliveryDoesNotPropagateTwice(t *testing.T) {
	store := newFakeResultStore()
	ingester, mailbox := newTestIngester(store)

	res := result(messages.OutcomeSuccess)
	child := messages.Token{TaskID: uuid.New(), TriggerDatetime: res.TriggerDatetime}
	store.children[res.Token()] = []messages.Token{child}

	data := encode(t, res)
	require.NoError(t, ingester.Handle(context.Background(), data))
	// The broker redelivers the same message after an ack got lost.
	require.NoError(t, ingester.Handle(context.Background(), data))

	assert.Len(t, drain(mailbox), 1, "redelivery must not re-increment children")
}

func TestHandleAcksPoisonMessage(t *testing.T) {
	store := newFakeResultStore()
	ingester, mailbox := newTestIngester(store)

	// A nil error acks the message so it cannot wedge the queue.
	require.NoError(t, ingester.Handle(context.Background(), []byte("not json")))
	assert.Empty(t, drain(mailbox))
	assert.Empty(t, store.applied)
}

func TestHandleDropsUnknownOutcome(t *testing.T) {
	store := newFakeResultStore()
	ingester, mailbox := newTestIngester(store)

	res := result(messages.TaskOutcome("exploded"))
	require.NoError(t, ingester.Handle(context.Background(), encode(t, res)))
	assert.Empty(t, drain(mailbox))
	assert.Empty(t, store.applied)
}

func TestHandleLeavesMessageUnackedOnStoreError(t *testing.T) {
	store := newFakeResultStore()
	store.err = errors.New("database is down")
	ingester, mailbox := newTestIngester(store)

	err := ingester.Handle(context.Background(), encode(t, result(messages.OutcomeFailure)))
	assert.Error(t, err, "store failures must nack for redelivery")
	assert.Empty(t, drain(mailbox))
}

func TestHandleFailureOutcomeReachesStore(t *testing.T) {
	store := newFakeResultStore()
	ingester, mailbox := newTestIngester(store)

	res := result(messages.OutcomeFailure)
	child := messages.Token{TaskID: uuid.New(), TriggerDatetime: res.TriggerDatetime}
	store.children[res.Token()] = []messages.Token{child}

	require.NoError(t, ingester.Handle(context.Background(), encode(t, res)))

	// The store decides which edge kind matches the outcome; the
	// ingester just forwards whatever children it returns.
	posted := drain(mailbox)
	require.Len(t, posted, 1)
	assert.Equal(t, child, posted[0].Token)
	assert.Equal(t, 1, store.applied[res.Token()])
}
