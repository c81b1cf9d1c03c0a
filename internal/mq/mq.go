// Package mq carries security events between the API server and the
// audit worker. The server publishes each event to a named channel;
// workers subscribe to the same channel and archive what they receive.
// RabbitMQ and Google Cloud Pub/Sub backends are provided.
package mq

import (
	"context"
	"fmt"

	"github.com/taskhub/apiserver/config"
)

// Message is one delivered event payload. Data holds the JSON-encoded
// security event; Attributes carry routing metadata such as the event
// type.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes one delivered message. Returning an error nacks the
// message so the broker redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Backend is the broker-specific half of the event channel.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API.
type MQ struct {
	backend Backend
}

// New constructs an MQ wrapper for the provided backend.
func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// Open constructs the broker selected by kind ("rabbitmq" or "pubsub").
// An empty kind returns nil with no error, meaning fanout is disabled.
func Open(ctx context.Context, kind string, cfg config.Config) (*MQ, error) {
	switch kind {
	case "":
		return nil, nil
	case "rabbitmq":
		backend, err := NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	case "pubsub":
		backend, err := NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", kind)
	}
}

// Publish sends a message to the named channel.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// Subscribe consumes messages from the named channel until ctx is done.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}
