package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/runharvest/runharvest/internal/capture"
)

// PubSubConfig captures the parameters for the Pub/Sub task queue.
type PubSubConfig struct {
	ProjectID    string
	Topic        string
	Subscription string
	// Buffer bounds tasks decoded ahead of the consumer. Defaults to 64.
	Buffer int
}

// PubSubQueue distributes capture tasks through a Pub/Sub topic. Messages are
// acked once handed to the consumer; the recovery sweep backstops tasks lost
// between handoff and capture.
type PubSubQueue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	tasks  chan capture.Task
	logger *zap.Logger

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
}

// NewPubSubQueue connects to Pub/Sub and verifies the topic exists. The
// subscription may be empty for enqueue-only processes.
func NewPubSubQueue(ctx context.Context, cfg PubSubConfig, logger *zap.Logger) (*PubSubQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Buffer < 1 {
		cfg.Buffer = 64
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.Topic, err)
	}
	if !ok {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID)
	}

	q := &PubSubQueue{
		client: client,
		topic:  topic,
		tasks:  make(chan capture.Task, cfg.Buffer),
		logger: logger.Named("pubsub_queue"),
		done:   make(chan struct{}),
	}
	if cfg.Subscription != "" {
		sub := client.Subscription(cfg.Subscription)
		ok, err := sub.Exists(ctx)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("check pubsub subscription %q: %w", cfg.Subscription, err)
		}
		if !ok {
			_ = client.Close()
			return nil, fmt.Errorf("pubsub subscription %q does not exist in project %q", cfg.Subscription, cfg.ProjectID)
		}
		q.sub = sub
	}
	return q, nil
}

// NewPubSubQueueWithClient wraps an existing client, for tests and custom
// connection options. It does not verify topic or subscription existence.
func NewPubSubQueueWithClient(client *pubsub.Client, topic, subscription string, buffer int, logger *zap.Logger) *PubSubQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 1 {
		buffer = 64
	}
	q := &PubSubQueue{
		client: client,
		topic:  client.Topic(topic),
		tasks:  make(chan capture.Task, buffer),
		logger: logger.Named("pubsub_queue"),
		done:   make(chan struct{}),
	}
	if subscription != "" {
		q.sub = client.Subscription(subscription)
	}
	return q
}

// Enqueue publishes the task and waits for the server ack so a lost task
// surfaces as an error instead of disappearing.
func (q *PubSubQueue) Enqueue(ctx context.Context, task capture.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal capture task: %w", err)
	}
	res := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish capture task: %w", err)
	}
	return nil
}

// Dequeue returns the next task from the subscription. The first call starts
// the receive loop; it runs until Close.
func (q *PubSubQueue) Dequeue(ctx context.Context) (capture.Task, error) {
	if q.sub == nil {
		return capture.Task{}, errors.New("pubsub queue has no subscription configured")
	}
	q.startOnce.Do(q.start)
	select {
	case <-ctx.Done():
		return capture.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.tasks:
		if !ok {
			return capture.Task{}, ErrClosed
		}
		return task, nil
	}
}

func (q *PubSubQueue) start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.started.Store(true)
	go func() {
		defer close(q.done)
		defer close(q.tasks)
		err := q.sub.Receive(ctx, func(_ context.Context, m *pubsub.Message) {
			var task capture.Task
			if err := json.Unmarshal(m.Data, &task); err != nil {
				q.logger.Warn("discarding malformed capture task", zap.Error(err))
				m.Ack()
				return
			}
			select {
			case q.tasks <- task:
				m.Ack()
			case <-ctx.Done():
				m.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

// Close stops the receive loop, flushes pending publishes and closes the
// client. Undelivered tasks remain on the subscription.
func (q *PubSubQueue) Close() {
	q.closeOnce.Do(func() {
		if q.started.Load() {
			q.cancel()
			<-q.done
		}
		q.topic.Stop()
		if err := q.client.Close(); err != nil {
			q.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	})
}
