package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned when subscribing to a closed bus.
var ErrClosed = errors.New("bus closed")

// Message is one payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus fans payloads out to every subscriber of a topic. Delivery is at most
// once: a subscriber whose buffer is full misses the message.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) (*Subscription, error)
	Close() error
}

// Subscription receives the messages of one topic until closed.
type Subscription struct {
	ID    string
	Topic string

	ch      chan Message
	hub     *Hub
	dropped atomic.Uint64
	once    sync.Once
}

// C yields messages. It is closed when the subscription or bus closes.
func (s *Subscription) C() <-chan Message { return s.ch }

// Dropped counts messages lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Hub is the in-process bus.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscription
	buffer int
	closed bool
	log    logrus.FieldLogger
}

var _ Bus = (*Hub)(nil)

// NewHub constructs a hub whose subscribers buffer up to buffer messages.
func NewHub(buffer int, log logrus.FieldLogger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{topics: make(map[string]map[string]*Subscription), buffer: buffer, log: log}
}

// Publish delivers payload to the local subscribers of topic.
func (h *Hub) Publish(_ context.Context, topic string, payload []byte) error {
	h.deliver(topic, payload)
	return nil
}

// deliver never blocks; it returns the number of subscribers reached.
func (h *Hub) deliver(topic string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.topics[topic] {
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
			delivered++
		default:
			if sub.dropped.Add(1) == 1 {
				h.log.WithFields(logrus.Fields{"topic": topic, "subscriber": sub.ID}).Warn("subscriber buffer full, dropping messages")
			}
		}
	}
	return delivered
}

// Subscribe registers a new subscriber on topic.
func (h *Hub) Subscribe(topic string) (*Subscription, error) {
	id, err := gonanoid.Generate(idAlphabet, 12)
	if err != nil {
		return nil, fmt.Errorf("subscriber id: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{ID: id, Topic: topic, ch: make(chan Message, h.buffer), hub: h}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		h.topics[topic] = subs
	}
	subs[id] = sub
	return sub, nil
}

// Subscribers reports how many subscribers topic has.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := subs[sub.ID]; !ok {
		return
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(h.topics, sub.Topic)
	}
	close(sub.ch)
}

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for topic, subs := range h.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(h.topics, topic)
	}
	return nil
}
