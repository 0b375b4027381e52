// Package progress consumes task results from the bus and propagates
// completions along the task graph.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/waterwheel-org/waterwheel/internal/logger"
	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/metrics"
	"github.com/waterwheel-org/waterwheel/internal/postoffice"
)

// Store applies a task result to the database. ApplyResult runs in one
// transaction: it compare-and-swaps the parent token's state from
// non-terminal to the result, and only when that succeeds increments the
// matching children. It returns the child tokens to notify and whether
// the swap won. A lost swap means the result is a bus redelivery and
// must not propagate again.
type Store interface {
	ApplyResult(ctx context.Context, result messages.TaskResult) (children []messages.Token, propagated bool, err error)
}

// Consumer delivers raw messages from the results queue. The handler's
// return value decides the fate of the message: nil acknowledges it,
// an error leaves it unacked for redelivery.
type Consumer interface {
	ConsumeResults(ctx context.Context, handle func(ctx context.Context, data []byte) error) error
}

// Ingester is the progress ingester component.
type Ingester struct {
	store    Store
	consumer Consumer
	tokens   *postoffice.Mailbox[messages.ProcessToken]
}

// NewIngester builds the progress ingester.
func NewIngester(store Store, consumer Consumer, po *postoffice.PostOffice) *Ingester {
	return &Ingester{
		store:    store,
		consumer: consumer,
		tokens:   postoffice.Mail[messages.ProcessToken](po),
	}
}

// Run consumes the results queue until the context is cancelled.
func (i *Ingester) Run(ctx context.Context) error {
	return i.consumer.ConsumeResults(ctx, i.Handle)
}

// Handle processes one result message. Undecodable messages are dropped
// with a log so poison messages cannot block the queue.
func (i *Ingester) Handle(ctx context.Context, data []byte) error {
	var result messages.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Warn(ctx, "dropping undecodable task result", "err", err)
		return nil
	}
	if !result.Result.Valid() {
		logger.Warn(ctx, "dropping task result with unknown outcome", "result", string(result.Result))
		return nil
	}

	logger.Info(ctx, "received task result",
		"result", string(result.Result),
		"token", result.Token().String(),
		"worker_id", result.WorkerID)
	metrics.ResultsReceived.WithLabelValues(string(result.Result)).Inc()

	children, propagated, err := i.store.ApplyResult(ctx, result)
	if err != nil {
		return fmt.Errorf("failed to apply task result for %s: %w", result.Token(), err)
	}

	if !propagated {
		// The parent token was already terminal: this is a redelivery,
		// the children have been incremented before.
		logger.Debug(ctx, "task result already recorded, not propagating", "token", result.Token().String())
		return nil
	}

	// The transaction has committed; ask the token processor to check
	// thresholds for each child.
	for _, child := range children {
		i.tokens.Post(messages.ProcessToken{
			Op:       messages.OpIncrement,
			Token:    child,
			Priority: messages.Normal,
		})
	}
	return nil
}
