package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/internal/storage"
	"github.com/taskhub/apiserver/types"
)

// EventSource lists persisted events for batching.
type EventSource interface {
	ListSince(ctx context.Context, since time.Time, limit int) ([]types.SecurityEvent, error)
}

const (
	archiveBatchLimit = 1000
	archiveTimeout    = 30 * time.Second
)

// Archiver periodically snapshots recent security events to object
// storage as JSON-lines batches under audit/YYYY/MM/DD/<id>.jsonl.
type Archiver struct {
	source   EventSource
	storage  *storage.Storage
	interval time.Duration
	log      logging.Logger

	stop chan struct{}
	done chan struct{}
}

func NewArchiver(source EventSource, store *storage.Storage, interval time.Duration, log logging.Logger) *Archiver {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Archiver{
		source:   source,
		storage:  store,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (a *Archiver) Start() {
	go a.run()
}

func (a *Archiver) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-a.stop:
			a.flush(last)
			return
		case now := <-ticker.C:
			if a.flush(last) {
				last = now
			}
		}
	}
}

// flush writes one batch covering events since the given time. Returns
// true when the batch was written (or there was nothing to write).
func (a *Archiver) flush(since time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	events, err := a.source.ListSince(ctx, since, archiveBatchLimit)
	if err != nil {
		a.log.Warn(ctx, "failed to list security events for archive", "error", err)
		return false
	}
	if len(events) == 0 {
		return true
	}

	buf, err := encodeBatch(events)
	if err != nil {
		a.log.Warn(ctx, "failed to encode security events for archive", "error", err)
		return false
	}

	key := archiveKey(time.Now().UTC())
	if err := a.storage.Put(ctx, key, buf, int64(buf.Len()), "application/x-ndjson"); err != nil {
		a.log.Warn(ctx, "failed to archive security events", "key", key, "error", err)
		return false
	}

	a.log.Info(ctx, "archived security events", "key", key, "count", len(events))
	return true
}

// archiveKey names one batch object, partitioned by day.
func archiveKey(now time.Time) string {
	return fmt.Sprintf("audit/%04d/%02d/%02d/%s.jsonl",
		now.Year(), now.Month(), now.Day(), uuid.NewString())
}

// encodeBatch renders events as JSON lines.
func encodeBatch(events []types.SecurityEvent) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, err
		}
	}
	return &buf, nil
}

// Close stops the flush loop after a final flush.
func (a *Archiver) Close() {
	close(a.stop)
	<-a.done
}
