package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/internal/mq"
	"github.com/taskhub/apiserver/internal/storage"
	"github.com/taskhub/apiserver/types"
)

// Subscriber receives messages from a broker channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler mq.Handler) error
}

const (
	defaultConsumerBatch = 1000
	consumerPutTimeout   = 30 * time.Second
)

// Consumer is the worker-side half of the event pipeline: it subscribes
// to the security-event channel and archives received events to object
// storage in JSON-lines batches, so archiving can run in a separate
// process from the API server.
type Consumer struct {
	broker    Subscriber
	storage   *storage.Storage
	channel   string
	batchSize int
	interval  time.Duration
	log       logging.Logger

	mu      sync.Mutex
	pending []types.SecurityEvent
}

// NewConsumer constructs a Consumer. batchSize and interval fall back
// to 1000 events and 5 minutes when zero.
func NewConsumer(broker Subscriber, store *storage.Storage, channel string, batchSize int, interval time.Duration, log logging.Logger) *Consumer {
	if batchSize <= 0 {
		batchSize = defaultConsumerBatch
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Consumer{
		broker:    broker,
		storage:   store,
		channel:   channel,
		batchSize: batchSize,
		interval:  interval,
		log:       log,
	}
}

// Run subscribes and blocks until ctx is canceled, then writes a final
// batch for whatever is still buffered. Cancellation is a clean exit.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.flush()
			}
		}
	}()

	err := c.broker.Subscribe(ctx, c.channel, c.handle)
	c.flush()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// handle buffers one delivered event. Malformed payloads are dropped
// and acked; there is no point redelivering them.
func (c *Consumer) handle(ctx context.Context, msg mq.Message) error {
	var event types.SecurityEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.log.Warn(ctx, "dropping malformed security event",
			"message_id", msg.ID, "error", err)
		return nil
	}

	c.mu.Lock()
	c.pending = append(c.pending, event)
	full := len(c.pending) >= c.batchSize
	c.mu.Unlock()

	if full {
		c.flush()
	}
	return nil
}

func (c *Consumer) flush() {
	c.mu.Lock()
	events := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerPutTimeout)
	defer cancel()

	buf, err := encodeBatch(events)
	if err != nil {
		c.log.Warn(ctx, "failed to encode security events for archive", "error", err)
		return
	}
	key := archiveKey(time.Now().UTC())
	if err := c.storage.Put(ctx, key, buf, int64(buf.Len()), "application/x-ndjson"); err != nil {
		// The deliveries were already acked; keep the batch buffered for
		// the next flush instead of losing it.
		c.mu.Lock()
		c.pending = append(events, c.pending...)
		c.mu.Unlock()
		c.log.Warn(ctx, "failed to archive security events", "key", key, "error", err)
		return
	}
	c.log.Info(ctx, "archived security events", "key", key, "count", len(events))
}
