package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus relays topics across processes through Redis pub/sub. Each
// process holds one pattern subscription and fans incoming messages into
// its local hub.
type RedisBus struct {
	hub    *Hub
	client *redis.Client
	prefix string
	pubsub *redis.PubSub
	done   chan struct{}
	log    logrus.FieldLogger
}

var _ Bus = (*RedisBus)(nil)

// NewRedis subscribes to prefix* and starts the relay loop.
func NewRedis(ctx context.Context, client *redis.Client, hub *Hub, prefix string, log logrus.FieldLogger) (*RedisBus, error) {
	if prefix == "" {
		prefix = "reports:"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	ps := client.PSubscribe(ctx, prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("psubscribe %s*: %w", prefix, err)
	}

	b := &RedisBus{hub: hub, client: client, prefix: prefix, pubsub: ps, done: make(chan struct{}), log: log}
	go b.relay()
	return b, nil
}

// Dial connects to url and builds a bridge over a fresh hub.
func Dial(ctx context.Context, url string, buffer int, log logrus.FieldLogger) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	b, err := NewRedis(ctx, client, NewHub(buffer, log), "reports:", log)
	if err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

func (b *RedisBus) relay() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		topic := strings.TrimPrefix(msg.Channel, b.prefix)
		b.hub.deliver(topic, []byte(msg.Payload))
	}
}

// Publish sends payload through Redis; on failure it is delivered to local
// subscribers only.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("redis publish failed, delivering locally")
		b.hub.deliver(topic, payload)
	}
	return nil
}

// Subscribe registers a local subscriber.
func (b *RedisBus) Subscribe(topic string) (*Subscription, error) {
	return b.hub.Subscribe(topic)
}

// Hub exposes the local fan-out.
func (b *RedisBus) Hub() *Hub { return b.hub }

// Close stops the relay, closes local subscriptions and the client.
func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	b.hub.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
