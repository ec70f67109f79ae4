package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultPublishTimeout bounds one publish round trip. Signaling is fire and
// forget, so a stalled server must not hold up a leave.
const DefaultPublishTimeout = 500 * time.Millisecond

type Option func(*Transport)

// WithPublishTimeout overrides DefaultPublishTimeout. It needs a client with
// ContextTimeoutEnabled, as returned by the persistence Dial.
func WithPublishTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.publishTimeout = d
		}
	}
}

// Transport maps topics onto Redis pub/sub channels. go-redis restores
// subscriptions after a reconnect.
type Transport struct {
	rdb            *redis.Client
	logger         zerolog.Logger
	publishTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func NewTransport(rdb *redis.Client, logger zerolog.Logger, opts ...Option) *Transport {
	t := &Transport{
		rdb:            rdb,
		logger:         logger.With().Str("component", "redis-transport").Logger(),
		publishTimeout: DefaultPublishTimeout,
		subs:           make(map[string]*redis.PubSub),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Subscribe(ctx context.Context, topic string, handler port.MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[topic]; ok {
		return nil
	}

	ps := t.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return errors.Join(domain.ErrTransportUnavailable, err)
	}
	t.subs[topic] = ps

	go func() {
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
		t.logger.Debug().Str("topic", topic).Msg("Subscription closed")
	}()
	return nil
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	ps, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return ps.Close()
}

func (t *Transport) Publish(destination string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.publishTimeout)
	defer cancel()
	if err := t.rdb.Publish(ctx, domain.TopicForDestination(destination), data).Err(); err != nil {
		return errors.Join(domain.ErrTransportUnavailable, err)
	}
	return nil
}

// Close drops every subscription. The Redis client is owned by the caller.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*redis.PubSub)
	t.mu.Unlock()

	var errs []error
	for _, ps := range subs {
		errs = append(errs, ps.Close())
	}
	return errors.Join(errs...)
}
