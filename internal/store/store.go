// Package store is the Redis-backed key/value store holding credentials,
// channel/device mappings, channel status and the task queue.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/developer-mesh/integration-manager/pkg/observability"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key holds no value
var ErrNotFound = errors.New("key not found")

const (
	indexPrefix   = "index/"
	scanBatchSize = 200

	deviceCacheSize = 4096
	deviceCacheTTL  = time.Minute
)

// Config holds the Redis connection settings
type Config struct {
	Address     string
	Password    string
	Namespace   string
	DialTimeout time.Duration
	PoolSize    int
}

// Entry is one key/value pair returned by Scan
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Store is a namespaced JSON key/value store on Redis
type Store struct {
	client    redis.UniversalClient
	namespace string
	logger    observability.Logger

	// serialises compound queue operations
	queueMu sync.Mutex

	// channel -> device, read on every command
	devices   *lru.Cache[string, cachedDevice]
	devicesMu sync.Mutex
	devGen    uint64
}

// New connects to Redis and verifies the connection
func New(ctx context.Context, cfg Config, logger observability.Logger) (*Store, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return NewWithClient(client, cfg.Namespace, logger), nil
}

// NewWithClient wraps an existing Redis client
func NewWithClient(client redis.UniversalClient, namespace string, logger observability.Logger) *Store {
	// lru.New only fails on a non-positive size
	devices, _ := lru.New[string, cachedDevice](deviceCacheSize)
	return &Store{
		client:    client,
		namespace: namespace,
		logger:    logger.WithPrefix("store"),
		devices:   devices,
	}
}

// Close closes the underlying client
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) fullKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

func (s *Store) shortKey(full string) string {
	if s.namespace == "" {
		return full
	}
	return strings.TrimPrefix(full, s.namespace+":")
}

// Put stores value as JSON under key. With indexByValue the stringified
// value also maps back to key, see Lookup.
func (s *Store) Put(ctx context.Context, key string, value interface{}, indexByValue bool) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store put %s: %w", key, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.fullKey(key), data, 0)
		if indexByValue {
			pipe.Set(ctx, s.fullKey(indexPrefix+indexValue(data)), key, 0)
		}
		return nil
	})
	s.forgetDevice(key)
	if err != nil {
		return fmt.Errorf("store put %s: %w", key, err)
	}
	return nil
}

// GetRaw returns the JSON stored under key
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get %s: %w", key, err)
	}
	return data, nil
}

// Get decodes the value under key into dest
func (s *Store) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := s.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("store decode %s: %w", key, err)
	}
	return nil
}

// Has reports whether key exists
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.fullKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("store exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes key together with the reverse index entry that points at it
func (s *Store) Delete(ctx context.Context, key string) error {
	data, err := s.GetRaw(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.forgetDevice(key)
		return nil
	}
	if err != nil {
		return err
	}

	indexKey := s.fullKey(indexPrefix + indexValue(data))
	owner, err := s.client.Get(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store delete %s: %w", key, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.fullKey(key))
		if owner == key {
			pipe.Del(ctx, indexKey)
		}
		return nil
	})
	s.forgetDevice(key)
	if err != nil {
		return fmt.Errorf("store delete %s: %w", key, err)
	}
	return nil
}

// Expire sets a time to live on key
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, s.fullKey(key), ttl).Result()
	s.forgetDevice(key)
	if err != nil {
		return fmt.Errorf("store expire %s: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Lookup returns the key a value was indexed under by Put
func (s *Store) Lookup(ctx context.Context, value string) (string, error) {
	key, err := s.client.Get(ctx, s.fullKey(indexPrefix+value)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store lookup %s: %w", value, err)
	}
	return key, nil
}

// Scan returns every entry whose key matches the glob pattern
func (s *Store) Scan(ctx context.Context, pattern string) ([]Entry, error) {
	var (
		cursor  uint64
		entries []Entry
	)
	match := s.fullKey(pattern)

	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("store scan %s: %w", pattern, err)
		}

		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("store scan %s: %w", pattern, err)
			}
			for i, v := range values {
				str, ok := v.(string)
				if !ok {
					// expired or deleted between SCAN and MGET
					continue
				}
				entries = append(entries, Entry{Key: s.shortKey(keys[i]), Value: json.RawMessage(str)})
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return entries, nil
}

// indexValue is the string form of a JSON value used as reverse index key
func indexValue(data []byte) string {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return str
	}
	return string(data)
}

// EscapeGlob quotes the Redis glob metacharacters in s
func EscapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
