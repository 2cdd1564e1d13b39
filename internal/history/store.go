// Package history stores conversation turns keyed by conversation id.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMaxTurns = 20
	DefaultTTL      = 24 * time.Hour

	keyPrefix = "rohlik_voice:history:"
)

var (
	ErrInvalidStoreType = errors.New("invalid history store type")
	ErrInvalidConfig    = errors.New("invalid history store configuration")
	ErrClosed           = errors.New("history store is closed")
)

// Turn is one stored message of a conversation
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store holds conversation history.
type Store interface {
	// Get returns the stored turns, oldest first. An unknown id yields nil.
	Get(ctx context.Context, id string) ([]Turn, error)

	// Append adds turns, drops the oldest beyond the store's cap and returns
	// the stored history.
	Append(ctx context.Context, id string, turns ...Turn) ([]Turn, error)

	// Delete forgets a conversation.
	Delete(ctx context.Context, id string) error

	// Ping reports whether the store is usable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}

// StoreType selects a Store implementation
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

type storeConfig struct {
	redisClient *redis.Client
	ttl         time.Duration
	maxTurns    int
}

// StoreOption configures NewStore
type StoreOption func(*storeConfig)

// WithRedisClient sets the client used by the redis store
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithTTL sets how long an idle redis conversation is kept
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.ttl = ttl
	}
}

// WithMaxTurns caps the stored turns per conversation
func WithMaxTurns(n int) StoreOption {
	return func(c *storeConfig) {
		c.maxTurns = n
	}
}

// NewStore creates a Store of the given type. The redis store requires
// WithRedisClient.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.maxTurns <= 0 {
		cfg.maxTurns = DefaultMaxTurns
	}

	switch storeType {
	case StoreTypeMemory, "":
		return &memoryStore{
			conversations: make(map[string][]Turn),
			maxTurns:      cfg.maxTurns,
		}, nil

	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		ttl := cfg.ttl
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		return &redisStore{
			client:   cfg.redisClient,
			ttl:      ttl,
			maxTurns: cfg.maxTurns,
		}, nil

	default:
		return nil, ErrInvalidStoreType
	}
}

// NewRedisClient creates a client from a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Truncate keeps the most recent max turns
func Truncate(turns []Turn, max int) []Turn {
	if max <= 0 || len(turns) <= max {
		return turns
	}
	out := make([]Turn, max)
	copy(out, turns[len(turns)-max:])
	return out
}

// memoryStore keeps history in process memory.
type memoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]Turn
	maxTurns      int
}

func (s *memoryStore) Get(ctx context.Context, id string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conversations == nil {
		return nil, ErrClosed
	}
	turns, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *memoryStore) Append(ctx context.Context, id string, turns ...Turn) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversations == nil {
		return nil, ErrClosed
	}
	stored := append(s.conversations[id], turns...)
	stored = Truncate(stored, s.maxTurns)
	s.conversations[id] = stored

	out := make([]Turn, len(stored))
	copy(out, stored)
	return out, nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, id)
	return nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.conversations == nil {
		return ErrClosed
	}
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = nil
	return nil
}

// redisStore keeps each conversation as one JSON value with a sliding TTL.
type redisStore struct {
	client   *redis.Client
	ttl      time.Duration
	maxTurns int
}

func (s *redisStore) key(id string) string {
	return keyPrefix + id
}

func (s *redisStore) Get(ctx context.Context, id string) ([]Turn, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var turns []Turn
	if err := json.Unmarshal(val, &turns); err != nil {
		return nil, err
	}

	// Refresh TTL on read
	_ = s.client.Expire(ctx, key, s.ttl).Err()

	return turns, nil
}

// Append uses WATCH/MULTI/EXEC so concurrent appends to one conversation
// fail instead of losing turns.
func (s *redisStore) Append(ctx context.Context, id string, turns ...Turn) ([]Turn, error) {
	key := s.key(id)
	var stored []Turn

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored = nil
		val, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if err := json.Unmarshal(val, &stored); err != nil {
				return err
			}
		}

		stored = Truncate(append(stored, turns...), s.maxTurns)
		newVal, err := json.Marshal(stored)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}

	return stored, nil
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
