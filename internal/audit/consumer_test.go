package audit

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/internal/mq"
	"github.com/taskhub/apiserver/internal/storage"
	"github.com/taskhub/apiserver/types"
)

// scriptedSubscriber delivers a fixed set of messages to the handler,
// then reports the subscription as canceled.
type scriptedSubscriber struct {
	messages []mq.Message
	handled  []error
}

func (s *scriptedSubscriber) Subscribe(ctx context.Context, channel string, handler mq.Handler) error {
	for _, msg := range s.messages {
		s.handled = append(s.handled, handler(ctx, msg))
	}
	return context.Canceled
}

func eventMessage(t *testing.T, id string, event types.SecurityEvent) mq.Message {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	return mq.Message{ID: id, Data: data}
}

func TestConsumerArchivesReceivedEvents(t *testing.T) {
	subscriber := &scriptedSubscriber{messages: []mq.Message{
		eventMessage(t, "m1", types.SecurityEvent{Type: types.EventLoginFailure, Email: "a@x.com"}),
		eventMessage(t, "m2", types.SecurityEvent{Type: types.EventLoginSuccess, Email: "a@x.com"}),
		eventMessage(t, "m3", types.SecurityEvent{Type: types.EventAccountLocked, Email: "a@x.com"}),
	}}
	backend := newMemObjectStorage()
	consumer := NewConsumer(subscriber, storage.NewStorage(backend), "security-events", 100, time.Hour, logging.Nop())

	require.NoError(t, consumer.Run(context.Background()))

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
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &decoded))
	assert.Equal(t, types.EventAccountLocked, decoded.Type)
}

func TestConsumerDropsMalformedPayloads(t *testing.T) {
	subscriber := &scriptedSubscriber{messages: []mq.Message{
		{ID: "m1", Data: []byte("not json")},
		eventMessage(t, "m2", types.SecurityEvent{Type: types.EventLoginFailure}),
	}}
	backend := newMemObjectStorage()
	consumer := NewConsumer(subscriber, storage.NewStorage(backend), "security-events", 100, time.Hour, logging.Nop())

	require.NoError(t, consumer.Run(context.Background()))

	// Malformed payloads are acked, not redelivered.
	require.Len(t, subscriber.handled, 2)
	assert.NoError(t, subscriber.handled[0])

	keys := backend.keys()
	require.Len(t, keys, 1)
	reader, err := storage.NewStorage(backend).Get(context.Background(), keys[0])
	require.NoError(t, err)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 1)
}

func TestConsumerFlushesFullBatches(t *testing.T) {
	var messages []mq.Message
	for i := 0; i < 4; i++ {
		messages = append(messages, eventMessage(t, "m", types.SecurityEvent{Type: types.EventLoginFailure}))
	}
	backend := newMemObjectStorage()
	consumer := NewConsumer(&scriptedSubscriber{messages: messages}, storage.NewStorage(backend), "security-events", 2, time.Hour, logging.Nop())

	require.NoError(t, consumer.Run(context.Background()))

	// Two full batches of two, nothing left for the final flush.
	assert.Len(t, backend.keys(), 2)
}
