package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/rs/zerolog/log"
)

const queueSize = 1024

type Option func(*Broker)

// WithDuplicates delivers every message twice.
func WithDuplicates() Option {
	return func(b *Broker) { b.duplicates = true }
}

// Broker is an in-process pub/sub broker. Each endpoint receives messages on
// its own goroutine, in publish order.
type Broker struct {
	mu         sync.RWMutex
	endpoints  map[*Endpoint]struct{}
	duplicates bool
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		endpoints: make(map[*Endpoint]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect returns a new endpoint implementing port.Transport.
func (b *Broker) Connect(name string) *Endpoint {
	e := &Endpoint{
		name:      name,
		broker:    b,
		connected: true,
		handlers:  make(map[string]port.MessageHandler),
		queue:     make(chan delivery, queueSize),
		quit:      make(chan struct{}),
	}
	b.mu.Lock()
	b.endpoints[e] = struct{}{}
	b.mu.Unlock()
	go e.run()
	return e
}

func (b *Broker) route(topic string, body []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for e := range b.endpoints {
		if !e.subscribed(topic) {
			continue
		}
		e.push(delivery{topic: topic, body: body})
		if b.duplicates {
			e.push(delivery{topic: topic, body: body})
		}
	}
}

type delivery struct {
	topic string
	body  []byte
}

type Endpoint struct {
	name   string
	broker *Broker

	mu        sync.RWMutex
	connected bool
	handlers  map[string]port.MessageHandler

	queue     chan delivery
	quit      chan struct{}
	closeOnce sync.Once
}

func (e *Endpoint) Subscribe(ctx context.Context, topic string, handler port.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return domain.ErrTransportUnavailable
	}
	e.handlers[topic] = handler
	return nil
}

func (e *Endpoint) Unsubscribe(topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, topic)
	return nil
}

func (e *Endpoint) Publish(destination string, body any) error {
	e.mu.RLock()
	connected := e.connected
	e.mu.RUnlock()
	if !connected {
		return domain.ErrTransportUnavailable
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	e.broker.route(domain.TopicForDestination(destination), data)
	return nil
}

// SetConnected simulates losing or regaining the broker connection.
// Subscriptions survive a disconnect.
func (e *Endpoint) SetConnected(connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = connected
}

// Topics returns the topics currently subscribed.
func (e *Endpoint) Topics() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		out = append(out, t)
	}
	return out
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.broker.mu.Lock()
		delete(e.broker.endpoints, e)
		e.broker.mu.Unlock()
		close(e.quit)
	})
	return nil
}

func (e *Endpoint) subscribed(topic string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.connected {
		return false
	}
	_, ok := e.handlers[topic]
	return ok
}

func (e *Endpoint) push(d delivery) {
	select {
	case e.queue <- d:
	default:
		log.Warn().Str("endpoint", e.name).Str("topic", d.topic).Msg("Endpoint queue full, dropping message")
	}
}

func (e *Endpoint) run() {
	for {
		select {
		case <-e.quit:
			return
		case d := <-e.queue:
			e.mu.RLock()
			h := e.handlers[d.topic]
			e.mu.RUnlock()
			if h != nil {
				h(d.body)
			}
		}
	}
}
