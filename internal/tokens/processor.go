// Package tokens implements the dataflow engine: it counts prerequisite
// completions per (task, trigger_datetime) pair and emits ready tasks
// onto the bus priority queues.
package tokens

import (
	"context"
	"fmt"

	"github.com/waterwheel-org/waterwheel/internal/logger"
	"github.com/waterwheel-org/waterwheel/internal/messages"
	"github.com/waterwheel-org/waterwheel/internal/metrics"
	"github.com/waterwheel-org/waterwheel/internal/postoffice"
)

// Store is the database surface the token processor needs. The database
// row is the source of truth; ProcessToken messages only ask for checks.
type Store interface {
	// CheckThreshold transitions the token from waiting to active when
	// its count has reached the threshold. It reports true when this
	// call performed the transition; concurrent checks activate at most
	// once.
	CheckThreshold(ctx context.Context, token messages.Token) (bool, error)

	// ActivateToken forces the token into the active state regardless
	// of its count (manual re-run).
	ActivateToken(ctx context.Context, token messages.Token) error

	// ClearToken resets the token to waiting with count zero.
	ClearToken(ctx context.Context, token messages.Token) error

	// TaskRequest packages the task definition for dispatch, minting a
	// fresh task run id.
	TaskRequest(ctx context.Context, token messages.Token, priority messages.TaskPriority) (*messages.TaskRequest, error)
}

// Publisher publishes task requests onto the bus priority queues.
type Publisher interface {
	PublishTask(ctx context.Context, req messages.TaskRequest) error
}

// Processor consumes ProcessToken messages posted by the scheduler, the
// progress ingester and the HTTP layer.
type Processor struct {
	store     Store
	publisher Publisher
	mailbox   *postoffice.Mailbox[messages.ProcessToken]
}

// NewProcessor builds the token processor.
func NewProcessor(store Store, publisher Publisher, po *postoffice.PostOffice) *Processor {
	return &Processor{
		store:     store,
		publisher: publisher,
		mailbox:   postoffice.Mail[messages.ProcessToken](po),
	}
}

// Run consumes the ProcessToken mailbox until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		msg, err := p.mailbox.Recv(ctx)
		if err != nil {
			return err
		}
		if err := p.process(ctx, msg); err != nil {
			return err
		}
		metrics.TokensProcessed.Inc()
	}
}

func (p *Processor) process(ctx context.Context, msg messages.ProcessToken) error {
	switch msg.Op {
	case messages.OpIncrement:
		// The count was already incremented inside the producer's
		// transaction; the message only asks for a threshold check.
		activated, err := p.store.CheckThreshold(ctx, msg.Token)
		if err != nil {
			return fmt.Errorf("failed to check threshold for token %s: %w", msg.Token, err)
		}
		if activated {
			return p.dispatch(ctx, msg.Token, msg.Priority)
		}
		return nil

	case messages.OpActivate:
		logger.Info(ctx, "token activated manually", "token", msg.Token.String())
		if err := p.store.ActivateToken(ctx, msg.Token); err != nil {
			return fmt.Errorf("failed to activate token %s: %w", msg.Token, err)
		}
		return p.dispatch(ctx, msg.Token, msg.Priority)

	case messages.OpClear:
		logger.Info(ctx, "token cleared", "token", msg.Token.String())
		if err := p.store.ClearToken(ctx, msg.Token); err != nil {
			return fmt.Errorf("failed to clear token %s: %w", msg.Token, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown token op: %v", msg.Op)
	}
}

// dispatch packages the task definition and publishes it to the queue
// for the given priority.
func (p *Processor) dispatch(ctx context.Context, token messages.Token, priority messages.TaskPriority) error {
	req, err := p.store.TaskRequest(ctx, token, priority)
	if err != nil {
		return fmt.Errorf("failed to build task request for %s: %w", token, err)
	}

	if err := p.publisher.PublishTask(ctx, *req); err != nil {
		return fmt.Errorf("failed to publish task %s: %w", token, err)
	}

	logger.Info(ctx, "task dispatched",
		"task_id", req.TaskID,
		"task_run_id", req.TaskRunID,
		"priority", priority.String())
	metrics.TasksDispatched.WithLabelValues(priority.String()).Inc()
	return nil
}
