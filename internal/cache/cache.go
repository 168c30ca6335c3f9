package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"finamreports/internal/report"
)

// Backend is a raw key-value store. Errors are reported, not hidden.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
	Name() string
}

// Options selects and sizes the backend.
type Options struct {
	RedisURL    string
	Prefix      string
	Size        int
	DialTimeout time.Duration
}

// Cache turns backend failures into misses and collapses concurrent
// GetOrSet misses per key.
type Cache struct {
	backend Backend
	group   singleflight.Group
	log     logrus.FieldLogger
}

var _ report.Cache = (*Cache)(nil)

// New connects to Redis when configured and falls back to the in-process
// LRU when Redis is unset or unreachable.
func New(ctx context.Context, opts Options, log logrus.FieldLogger) (*Cache, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Prefix == "" {
		opts.Prefix = "finamreports:"
	}

	if opts.RedisURL != "" {
		backend, err := dialRedis(ctx, opts)
		if err == nil {
			log.WithField("backend", "redis").Info("cache connected")
			return NewWithBackend(backend, log), nil
		}
		log.WithError(err).Warn("redis unavailable, caching in process memory")
	}

	mem, err := NewMemory(opts.Size)
	if err != nil {
		return nil, err
	}
	return NewWithBackend(mem, log), nil
}

func dialRedis(ctx context.Context, opts Options) (*Redis, error) {
	ropts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout > 0 {
		ropts.DialTimeout = opts.DialTimeout
	}
	client := redis.NewClient(ropts)

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, opts.Prefix), nil
}

// NewWithBackend wraps an explicit backend.
func NewWithBackend(b Backend, log logrus.FieldLogger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{backend: b, log: log.WithField("cache", b.Name())}
}

// Backend returns the active backend name.
func (c *Cache) Backend() string { return c.backend.Name() }

// Get returns the cached value. Backend errors count as misses.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache get failed")
		return nil, false
	}
	return val, ok
}

// Set stores value for ttl. Backend errors are logged and dropped.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache set failed")
	}
}

// Delete removes keys. Backend errors are logged and dropped.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.log.WithError(err).WithField("keys", keys).Warn("cache delete failed")
	}
}

// GetOrSet returns the cached value or runs factory once for all concurrent
// callers of key and caches its result. Factory errors are returned and not
// cached.
func (c *Cache) GetOrSet(ctx context.Context, key string, factory func(context.Context) ([]byte, error), ttl time.Duration) ([]byte, error) {
	if val, ok := c.Get(ctx, key); ok {
		return val, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if val, ok := c.Get(ctx, key); ok {
			return val, nil
		}
		val, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, val, ttl)
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}
