package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/arrwarden/arrwarden/internal/agent"
)

// subscriberBuffer is the per-subscriber event backlog. Events beyond it are
// dropped for that subscriber rather than blocking the broadcast path.
const subscriberBuffer = 64

// Broker fans out monitor events to SSE subscribers. It is fed by a monitor
// event hook, so every event recorded anywhere in the process reaches every
// connected stream.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates an SSE broker. Register Publish as a monitor hook.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Publish formats one monitor event as SSE and broadcasts it.
// Safe to call from any goroutine; never blocks.
func (b *Broker) Publish(e agent.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Warn("broker: encode event", "error", err)
		return
	}
	b.broadcast(formatSSE(string(e.Type), string(payload)))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers with a full
// buffer have this event dropped so one slow client cannot block the rest.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
