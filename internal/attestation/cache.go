package attestation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Store is a byte-level cache backend with per-entry expiry.
type Store interface {
	// Get retrieves data from cache
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores data in cache with TTL
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes data from cache
	Delete(ctx context.Context, key string) error

	// Size returns the number of entries in cache
	Size(ctx context.Context) int64

	// Close closes the cache
	Close() error
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client redis.UniversalClient
	logger *logrus.Logger
	prefix string
}

// NewRedisStore creates a Redis-backed store. The client may be a single
// node, sentinel or cluster client.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *logrus.Logger) *RedisStore {
	if prefix == "" {
		prefix = "trust:result:"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisStore{client: client, logger: logger, prefix: prefix}
}

// DialRedisStore connects to addrs and verifies the connection.
func DialRedisStore(ctx context.Context, addrs []string, password string, db int, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           addrs,
		Password:        password,
		DB:              db,
		MaxRetries:      3,
		MaxRetryBackoff: 500 * time.Millisecond,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		PoolTimeout:     30 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, "", logger), nil
}

func (c *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	result, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		c.logger.WithError(err).WithField("key", key).Error("Failed to get from cache")
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return result, true, nil
}

func (c *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Error("Failed to set cache")
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

func (c *RedisStore) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}

// Size counts keys under the prefix with SCAN.
func (c *RedisStore) Size(ctx context.Context) int64 {
	var count int64
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		c.logger.WithError(err).Warn("Failed to scan cache keys")
	}
	return count
}

func (c *RedisStore) Close() error {
	return c.client.Close()
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	data   map[string]*cacheEntry
	mutex  sync.RWMutex
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store that sweeps expired entries
// every sweep interval. A zero interval disables the sweeper.
func NewMemoryStore(sweep time.Duration) *MemoryStore {
	s := &MemoryStore{
		data:   make(map[string]*cacheEntry),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if sweep > 0 {
		go s.cleanup(sweep)
	}
	return s
}

func (c *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, ok := c.data[key]
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (c *MemoryStore) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key] = &cacheEntry{data: data, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryStore) Delete(_ context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.data, key)
	return nil
}

func (c *MemoryStore) Size(context.Context) int64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return int64(len(c.data))
}

func (c *MemoryStore) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return nil
}

func (c *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryStore) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, entry := range c.data {
		if !now.Before(entry.expiresAt) {
			delete(c.data, key)
		}
	}
}

// TieredStore reads a fast local tier before a shared one.
type TieredStore struct {
	l1    Store
	l2    Store
	l1TTL time.Duration
	log   *logrus.Logger
}

// NewTieredStore creates a two-tier store. Entries found only in l2 are
// promoted to l1 for at most l1TTL.
func NewTieredStore(l1, l2 Store, l1TTL time.Duration, logger *logrus.Logger) *TieredStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &TieredStore{l1: l1, l2: l2, l1TTL: l1TTL, log: logger}
}

func (c *TieredStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if data, ok, err := c.l1.Get(ctx, key); err == nil && ok {
		return data, true, nil
	}

	data, ok, err := c.l2.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := c.l1.Set(ctx, key, data, c.l1TTL); err != nil {
		c.log.WithError(err).Warn("Failed to promote cache entry to L1")
	}
	return data, true, nil
}

// Set writes both tiers. Only an L2 failure is returned.
func (c *TieredStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	l1TTL := ttl
	if c.l1TTL > 0 && c.l1TTL < ttl {
		l1TTL = c.l1TTL
	}
	if err := c.l1.Set(ctx, key, data, l1TTL); err != nil {
		c.log.WithError(err).Error("Failed to set L1 cache")
	}
	return c.l2.Set(ctx, key, data, ttl)
}

func (c *TieredStore) Delete(ctx context.Context, key string) error {
	_ = c.l1.Delete(ctx, key)
	return c.l2.Delete(ctx, key)
}

func (c *TieredStore) Size(ctx context.Context) int64 {
	return c.l2.Size(ctx)
}

func (c *TieredStore) Close() error {
	return errors.Join(c.l1.Close(), c.l2.Close())
}

// cbor encoding keeps timestamps at nanosecond precision.
var (
	decisionEncMode cbor.EncMode
	decisionDecMode cbor.DecMode
)

func init() {
	var err error
	decisionEncMode, err = cbor.EncOptions{
		Sort: cbor.SortCoreDeterministic,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decisionDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ResultCache stores CachedDecisions keyed by host ID. Freshness is judged
// against the decision's evaluation time, not the backend's expiry, so
// every backend honours the same window. Concurrent writes for a host are
// last-writer-wins.
type ResultCache struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	metrics *Metrics
	logger  *logrus.Logger
}

// ResultCacheConfig configures a ResultCache.
type ResultCacheConfig struct {
	Store   Store
	TTL     time.Duration
	Now     func() time.Time
	Metrics *Metrics
	Logger  *logrus.Logger
}

// NewResultCache creates a ResultCache. TTL defaults to DefaultCacheTTL.
func NewResultCache(cfg ResultCacheConfig) *ResultCache {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore(time.Minute)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &ResultCache{
		store:   cfg.Store,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// TTL returns the validity window.
func (c *ResultCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the decision for hostID if one exists and is still fresh.
// Backend and decoding failures are logged and reported as a miss.
func (c *ResultCache) Get(ctx context.Context, hostID string) (*CachedDecision, bool) {
	data, ok, err := c.store.Get(ctx, hostID)
	if err != nil {
		c.logger.WithError(err).WithField("host_id", hostID).Warn("Result cache read failed")
		c.metrics.cacheLookup("error")
		return nil, false
	}
	if !ok {
		c.metrics.cacheLookup("miss")
		return nil, false
	}

	var d CachedDecision
	if err := decisionDecMode.Unmarshal(data, &d); err != nil {
		c.logger.WithError(err).WithField("host_id", hostID).Warn("Discarding undecodable cache entry")
		c.metrics.cacheLookup("error")
		return nil, false
	}
	if !d.FreshAt(c.now(), c.ttl) {
		c.metrics.cacheLookup("stale")
		return nil, false
	}

	c.metrics.cacheLookup("hit")
	return &d, true
}

// Put replaces the entry for the decision's host.
func (c *ResultCache) Put(ctx context.Context, d *CachedDecision) error {
	data, err := decisionEncMode.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode cached decision: %w", err)
	}
	return c.store.Set(ctx, d.HostID, data, c.ttl)
}

// Invalidate removes the entry for hostID.
func (c *ResultCache) Invalidate(ctx context.Context, hostID string) error {
	return c.store.Delete(ctx, hostID)
}

// Size is the number of entries held by the backend.
func (c *ResultCache) Size(ctx context.Context) int64 {
	return c.store.Size(ctx)
}

// Close closes the backend.
func (c *ResultCache) Close() error {
	return c.store.Close()
}
