// Package audit implements the security-event pipeline: auth outcomes
// are persisted to the database, optionally fanned out to a message
// broker, and periodically archived to object storage.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/types"
)

// EventStore persists security events.
type EventStore interface {
	Record(ctx context.Context, event types.SecurityEvent) error
}

// Publisher fans events out to a broker channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

const recordTimeout = 3 * time.Second

// Recorder accepts security events without blocking the caller. Events
// are queued on a buffered channel and written by a background worker;
// when the queue is full the event is dropped and a warning logged.
// A failure to record never affects the login outcome.
type Recorder struct {
	store     EventStore
	publisher Publisher
	channel   string
	log       logging.Logger

	queue chan types.SecurityEvent
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewRecorder constructs a Recorder. publisher may be nil to disable
// broker fanout.
func NewRecorder(store EventStore, publisher Publisher, channel string, bufferSize int, log logging.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Recorder{
		store:     store,
		publisher: publisher,
		channel:   channel,
		log:       log,
		queue:     make(chan types.SecurityEvent, bufferSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background writer. It returns once the worker is
// running; the worker exits when Close is called.
func (r *Recorder) Start() {
	go r.run()
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case event := <-r.queue:
			r.write(event)
		case <-r.stop:
			// Drain what is already queued, then exit.
			for {
				select {
				case event := <-r.queue:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event types.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := r.store.Record(ctx, event); err != nil {
		r.log.Warn(ctx, "failed to persist security event",
			"type", event.Type, "error", err)
	}

	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.log.Warn(ctx, "failed to encode security event", "error", err)
		return
	}
	if _, err := r.publisher.Publish(ctx, r.channel, data, map[string]string{
		"type": event.Type,
	}); err != nil {
		r.log.Warn(ctx, "failed to publish security event",
			"type", event.Type, "error", err)
	}
}

// Record enqueues an event. It never blocks and never panics: a full
// queue drops the event with a warning, and events arriving after Close
// are dropped the same way.
func (r *Recorder) Record(event types.SecurityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	select {
	case <-r.stop:
		r.log.Warn(context.Background(), "recorder closed, dropping event",
			"type", event.Type)
		return
	default:
	}
	select {
	case r.queue <- event:
	default:
		r.log.Warn(context.Background(), "security event queue full, dropping event",
			"type", event.Type)
	}
}

// Close stops accepting events and drains the queue.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.stop)
	})
	<-r.done
}
