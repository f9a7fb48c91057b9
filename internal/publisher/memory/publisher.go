// Package memory is an in-process publisher used by tests and by deployments
// without Pub/Sub.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one recorded publish, encoded the same way the Pub/Sub
// publisher encodes it.
type Message struct {
	Topic string
	Data  []byte
}

// Publisher keeps every published payload in memory.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish JSON-encodes payload and records it under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{Topic: topic, Data: data})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}
