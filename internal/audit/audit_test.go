package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/internal/storage"
	"github.com/taskhub/apiserver/types"
)

type memEventStore struct {
	mu     sync.Mutex
	events []types.SecurityEvent
	err    error
}

func (m *memEventStore) Record(ctx context.Context, event types.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *memEventStore) ListSince(ctx context.Context, since time.Time, limit int) ([]types.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.SecurityEvent
	for _, event := range m.events {
		if !event.OccurredAt.Before(since) {
			out = append(out, event)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memEventStore) all() []types.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.SecurityEvent(nil), m.events...)
}

type memPublisher struct {
	mu       sync.Mutex
	messages [][]byte
	attrs    []map[string]string
}

func (m *memPublisher) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, data)
	m.attrs = append(m.attrs, attrs)
	return "msg-1", nil
}

type memObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStorage() *memObjectStorage {
	return &memObjectStorage{objects: make(map[string][]byte)}
}

func (m *memObjectStorage) EnsureBucket(ctx context.Context) error { return nil }

func (m *memObjectStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjectStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return io.NopCloser(bytes.NewReader(m.objects[key])), nil
}

func (m *memObjectStorage) Delete(ctx context.Context, key string) error { return nil }

func (m *memObjectStorage) Bucket() string { return "test-bucket" }

func (m *memObjectStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.objects {
		keys = append(keys, key)
	}
	return keys
}

func TestRecorderPersistsAndPublishes(t *testing.T) {
	eventStore := &memEventStore{}
	publisher := &memPublisher{}
	recorder := NewRecorder(eventStore, publisher, "security-events", 16, logging.Nop())
	recorder.Start()

	recorder.Record(types.SecurityEvent{Type: types.EventLoginFailure, Email: "a@x.com"})
	recorder.Record(types.SecurityEvent{Type: types.EventLoginSuccess, Email: "a@x.com"})
	recorder.Close()

	events := eventStore.all()
	require.Len(t, events, 2)
	assert.Equal(t, types.EventLoginFailure, events[0].Type)
	assert.False(t, events[0].OccurredAt.IsZero())

	require.Len(t, publisher.messages, 2)
	var decoded types.SecurityEvent
	require.NoError(t, json.Unmarshal(publisher.messages[1], &decoded))
	assert.Equal(t, types.EventLoginSuccess, decoded.Type)
	assert.Equal(t, types.EventLoginSuccess, publisher.attrs[1]["type"])
}

func TestRecorderWithoutPublisher(t *testing.T) {
	eventStore := &memEventStore{}
	recorder := NewRecorder(eventStore, nil, "", 16, logging.Nop())
	recorder.Start()

	recorder.Record(types.SecurityEvent{Type: types.EventAccountLocked})
	recorder.Close()

	require.Len(t, eventStore.all(), 1)
}

func TestRecordNeverBlocks(t *testing.T) {
	// Worker not started: the queue fills and further records must drop
	// instead of blocking.
	recorder := NewRecorder(&memEventStore{}, nil, "", 4, logging.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			recorder.Record(types.SecurityEvent{Type: types.EventLoginFailure})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}

func TestRecordAfterCloseIsSafe(t *testing.T) {
	eventStore := &memEventStore{}
	recorder := NewRecorder(eventStore, nil, "", 16, logging.Nop())
	recorder.Start()

	recorder.Record(types.SecurityEvent{Type: types.EventLoginSuccess})
	recorder.Close()

	// A login in flight during shutdown may still try to record; that
	// must drop the event, never panic.
	for i := 0; i < 3; i++ {
		recorder.Record(types.SecurityEvent{Type: types.EventLoginFailure})
	}
	assert.Len(t, eventStore.all(), 1)

	// Close is idempotent.
	recorder.Close()
}

func TestRecorderCloseDrains(t *testing.T) {
	eventStore := &memEventStore{}
	recorder := NewRecorder(eventStore, nil, "", 64, logging.Nop())

	// Queue before the worker starts so Close has something to drain.
	for i := 0; i < 50; i++ {
		recorder.Record(types.SecurityEvent{Type: types.EventLoginFailure})
	}
	recorder.Start()
	recorder.Close()

	assert.Len(t, eventStore.all(), 50)
}

func TestArchiverFlushWritesBatch(t *testing.T) {
	eventStore := &memEventStore{}
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, eventStore.Record(context.Background(), types.SecurityEvent{
			Type:       types.EventLoginFailure,
			Email:      "a@x.com",
			OccurredAt: now,
		}))
	}

	backend := newMemObjectStorage()
	archiver := NewArchiver(eventStore, storage.NewStorage(backend), time.Minute, logging.Nop())

	require.True(t, archiver.flush(now.Add(-time.Hour)))

	keys := backend.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "audit/"))
	assert.True(t, strings.HasSuffix(keys[0], ".jsonl"))

	reader, err := storage.NewStorage(backend).Get(context.Background(), keys[0])
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	var decoded types.SecurityEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, types.EventLoginFailure, decoded.Type)
}

func TestArchiverFlushSkipsEmptyBatch(t *testing.T) {
	backend := newMemObjectStorage()
	archiver := NewArchiver(&memEventStore{}, storage.NewStorage(backend), time.Minute, logging.Nop())

	assert.True(t, archiver.flush(time.Now()))
	assert.Empty(t, backend.keys())
}

func TestArchiverCloseFlushes(t *testing.T) {
	eventStore := &memEventStore{}
	// Stamped ahead of the loop's start so the shutdown flush picks it up.
	require.NoError(t, eventStore.Record(context.Background(), types.SecurityEvent{
		Type:       types.EventMFAEnrolled,
		OccurredAt: time.Now().Add(time.Minute),
	}))

	backend := newMemObjectStorage()
	archiver := NewArchiver(eventStore, storage.NewStorage(backend), time.Hour, logging.Nop())
	archiver.Start()
	archiver.Close()

	assert.Len(t, backend.keys(), 1)
}
