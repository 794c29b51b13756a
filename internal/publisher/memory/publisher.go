// Package memory provides an in-memory publisher for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Message is one published payload, captured for inspection.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher records published messages in memory.
type Publisher struct {
	mu       sync.Mutex
	nextID   int64
	messages []Message
}

// New constructs a Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish marshals the payload and appends it to the captured message list.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.messages = append(p.messages, Message{Topic: topic, Payload: data})
	return fmt.Sprintf("msg-%d", p.nextID), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
