// Package bus connects the server to the message bus. Tasks go out on
// one durable work queue per priority; results come back on a durable
// queue with explicit acknowledgement, so unacked messages are
// redelivered by the broker.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/waterwheel-org/waterwheel/internal/logger"
	"github.com/waterwheel-org/waterwheel/internal/messages"
)

const (
	tasksStream  = "WATERWHEEL_TASKS"
	tasksSubject = "waterwheel.tasks.*"

	resultsStream   = "WATERWHEEL_RESULTS"
	resultsSubject  = "waterwheel.results"
	resultsConsumer = "waterwheel-server"

	// resultsPrefetch keeps the in-flight result window small so a
	// stalled server does not hoard deliveries.
	resultsPrefetch = 8
)

// TaskSubject returns the queue subject for the given priority.
func TaskSubject(priority messages.TaskPriority) string {
	return "waterwheel.tasks." + priority.String()
}

// Bus wraps the NATS connection and its JetStream context.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials the broker and declares the task and result streams.
func Connect(ctx context.Context, url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("waterwheel-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	b := &Bus{nc: nc, js: js}
	if err := b.declareStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) declareStreams(ctx context.Context) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      tasksStream,
		Subjects:  []string{tasksSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to declare tasks stream: %w", err)
	}

	_, err = b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      resultsStream,
		Subjects:  []string{resultsSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to declare results stream: %w", err)
	}
	return nil
}

// PublishTask publishes a task request onto the queue for its priority.
// Messages are persisted by the broker before the publish returns.
func (b *Bus) PublishTask(ctx context.Context, req messages.TaskRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode task request: %w", err)
	}
	if _, err := b.js.Publish(ctx, TaskSubject(req.Priority), data); err != nil {
		return fmt.Errorf("failed to publish task request: %w", err)
	}
	return nil
}

// PublishResult publishes a task result. The server itself never calls
// this in normal operation; it exists for workers built on this module
// and for smoke tests.
func (b *Bus) PublishResult(ctx context.Context, result messages.TaskResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}
	if _, err := b.js.Publish(ctx, resultsSubject, data); err != nil {
		return fmt.Errorf("failed to publish task result: %w", err)
	}
	return nil
}

// ConsumeResults delivers results to the handler one at a time. A nil
// return acknowledges the message; an error nacks it for redelivery.
func (b *Bus) ConsumeResults(ctx context.Context, handle func(ctx context.Context, data []byte) error) error {
	stream, err := b.js.Stream(ctx, resultsStream)
	if err != nil {
		return fmt.Errorf("failed to look up results stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       resultsConsumer,
		FilterSubject: resultsSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxAckPending: resultsPrefetch,
	})
	if err != nil {
		return fmt.Errorf("failed to create results consumer: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("failed to fetch from results queue: %w", err)
		}

		for msg := range batch.Messages() {
			if err := handle(ctx, msg.Data()); err != nil {
				logger.Error(ctx, "failed to process task result, leaving unacked", "err", err)
				if nakErr := msg.Nak(); nakErr != nil {
					logger.Error(ctx, "failed to nack task result", "err", nakErr)
				}
				continue
			}
			if err := msg.Ack(); err != nil {
				// The broker will redeliver; the handler is idempotent.
				logger.Error(ctx, "failed to ack task result", "err", err)
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			logger.Warn(ctx, "results fetch ended with error", "err", err)
		}
	}
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
