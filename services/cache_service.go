package services

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache key naming convention — external invalidation triggers (admin
// refresh, ops tooling) target these by pattern.
const DashboardStatsKey = "dashboard_stats"

func GachaStatsKey(gachaID uint, statsRange string) string {
	return fmt.Sprintf("gacha_stats_%d_%s", gachaID, statsRange)
}

func GachaStatsPattern(gachaID uint) string {
	return fmt.Sprintf("gacha_stats_%d_*", gachaID)
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// CacheService is a two-tier read-through cache: a Redis primary (optional)
// and a capacity-bounded in-process fallback. Every Set writes through to
// both tiers; a Get that fails on the primary is served from the fallback
// instead of propagating the error — the cache is a performance
// optimization, never a correctness dependency.
type CacheService struct {
	rdb      *redis.Client // nil = fallback-only mode
	capacity int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = oldest entry, evicted first

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewCacheService(rdb *redis.Client, capacity int) *CacheService {
	if capacity < 1 {
		capacity = 1024
	}
	c := &CacheService{
		rdb:      rdb,
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stopCh:   make(chan struct{}),
	}
	go c.janitor()
	return c
}

// NewRedisClient dials the primary cache tier. A dial failure is logged,
// not fatal — the service runs fallback-only until Redis comes back.
func NewRedisClient(addr, password string) *redis.Client {
	if addr == "" {
		log.Println("⚠️  REDIS_ADDR not set — statistics cache running in-process only")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️  Redis unreachable at %s (%v) — falling back to in-process cache", addr, err)
	}
	return rdb
}

// Get returns the cached payload, preferring the primary tier.
func (c *CacheService) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			return val, true
		}
		if err != redis.Nil {
			log.Printf("[Cache] primary get failed for %s: %v", key, err)
		}
		// redis miss or error: fall through to the memory tier
	}
	return c.memoryGet(key)
}

// Set writes through to both tiers. Primary failure only logs.
func (c *CacheService) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
			log.Printf("[Cache] primary set failed for %s: %v", key, err)
		}
	}
	c.memorySet(key, value, ttl)
}

// DeletePattern removes every key matching the pattern from both tiers.
// Patterns are exact keys or a prefix with a trailing "*".
func (c *CacheService) DeletePattern(ctx context.Context, pattern string) {
	if c.rdb != nil {
		if err := c.deletePrimary(ctx, pattern); err != nil {
			log.Printf("[Cache] primary delete failed for %s: %v", pattern, err)
		}
	}

	prefix, wildcard := strings.CutSuffix(pattern, "*")
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.items {
		if (wildcard && strings.HasPrefix(key, prefix)) || (!wildcard && key == pattern) {
			c.order.Remove(el)
			delete(c.items, key)
		}
	}
}

func (c *CacheService) deletePrimary(ctx context.Context, pattern string) error {
	if !strings.HasSuffix(pattern, "*") {
		return c.rdb.Del(ctx, pattern).Err()
	}
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Flush empties both tiers.
func (c *CacheService) Flush(ctx context.Context) {
	if c.rdb != nil {
		if err := c.rdb.FlushDB(ctx).Err(); err != nil {
			log.Printf("[Cache] primary flush failed: %v", err)
		}
	}
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// Len reports the fallback tier size (diagnostics and tests).
func (c *CacheService) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *CacheService) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
}

func (c *CacheService) memoryGet(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*memoryEntry)
	if time.Now().After(ent.expiresAt) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	return ent.value, true
}

func (c *CacheService) memorySet(key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*memoryEntry)
		ent.value = value
		ent.expiresAt = time.Now().Add(ttl)
		c.order.MoveToBack(el)
		return
	}

	// Hard capacity bound: evict the oldest entry so a cache-miss storm
	// cannot grow the map without limit.
	for len(c.items) >= c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*memoryEntry).key)
	}

	ent := &memoryEntry{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	c.items[key] = c.order.PushBack(ent)
}

// janitor sweeps expired fallback entries so TTLs hold even for keys that
// are never read again.
func (c *CacheService) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, el := range c.items {
				if now.After(el.Value.(*memoryEntry).expiresAt) {
					c.order.Remove(el)
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
