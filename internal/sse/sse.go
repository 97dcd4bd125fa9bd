// Package sse broadcasts runtime events to Server-Sent-Events
// subscribers, collapsed from the teacher's per-org broadcast to a
// single process-wide stream (this module has no multi-tenancy
// concept).
package sse

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Broker fans out formatted SSE events to every active subscriber.
// Grounded on internal/server/broker.go's Subscribe/Unsubscribe/
// broadcast shape, adapted from per-org filtering to unconditional
// delivery.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker constructs a Broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, subscribers: make(map[chan []byte]struct{})}
}

// Subscribe returns a channel that receives SSE-formatted events.
// Buffered to avoid blocking the broadcast loop on a slow client.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Broadcast sends event to every subscriber. A subscriber whose buffer
// is full is skipped rather than allowed to block the others.
func (b *Broker) Broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("sse: dropped event for slow subscriber", "buffer_cap", cap(ch), "event_size", len(event))
		}
	}
}

// PublishJSON marshals payload as JSON and broadcasts it under
// eventType. Marshal errors are logged, never propagated — a
// diagnostics-stream failure must never affect the orchestrator.
func (b *Broker) PublishJSON(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("sse: marshal event", "event", eventType, "error", err)
		return
	}
	b.Broadcast(FormatSSE(eventType, string(data)))
}

// FormatSSE formats a notification as a Server-Sent Events message.
// Per the SSE spec, each line of a multi-line data field must be
// prefixed with "data: " to avoid desynchronizing the client parser.
func FormatSSE(eventType, data string) []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(eventType)
	buf.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
