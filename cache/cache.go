// Package cache 提供带过期时间的进程内缓存，用于避免重复的外部抓取。
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cloudQuant/TradingAgents-CN-sub005/logging"
)

// DefaultTTL 未指定时的过期时间。
const DefaultTTL = 5 * time.Minute

// Entry 缓存条目。
type Entry struct {
	Key       string
	Data      any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Stats 缓存统计；HitRate 为百分比（保留两位小数）。
type Stats struct {
	Size          int     `json:"cache_size"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	HitRate       float64 `json:"hit_rate"`
	TotalRequests int64   `json:"total_requests"`
}

// Cache 线程安全的 TTL 缓存。
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	ttl       time.Duration
	now       func() time.Time
	hits      int64
	misses    int64
	evictions int64
}

// Option 可选项。
type Option func(*Cache)

// WithTTL 设置默认过期时间。
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock 注入时钟（测试用）。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New 创建缓存。
func New(opts ...Option) *Cache {
	c := &Cache{entries: map[string]*Entry{}, ttl: DefaultTTL, now: time.Now}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// Get 读取未过期的数据。
// 未命中计一次 miss；遇到已过期条目时删除，并同时计一次 eviction。
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !c.now().Before(e.ExpiresAt) {
		delete(c.entries, key)
		c.evictions++
		c.misses++
		return nil, false
	}
	c.hits++
	return e.Data, true
}

// Set 使用默认 TTL 写入。
func (c *Cache) Set(key string, data any) { c.SetTTL(key, data, 0) }

// SetTTL 写入并指定 TTL，ttl<=0 使用默认值。
func (c *Cache) SetTTL(key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	c.mu.Lock()
	c.entries[key] = &Entry{Key: key, Data: data, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	c.mu.Unlock()
}

// Invalidate 删除指定键，返回删除数量（0 或 1）。
func (c *Cache) Invalidate(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		return 1
	}
	return 0
}

// InvalidatePattern 删除键中包含 pattern 的所有条目。
func (c *Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.Contains(k, pattern) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear 清空缓存（统计计数保留）。
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = map[string]*Entry{}
	return n
}

// CleanupExpired 清理所有过期条目，每条计一次 eviction。
func (c *Cache) CleanupExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	c.evictions += int64(n)
	return n
}

// Stats 统计快照。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = math.Round(float64(c.hits)/float64(total)*10000) / 100
	}
	return Stats{
		Size:          len(c.entries),
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		HitRate:       rate,
		TotalRequests: total,
	}
}

// StartJanitor 周期性清理过期条目，ctx 取消时退出。
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.CleanupExpired(); n > 0 {
					logging.L().Debug(ctx, "cache cleanup", "evicted", n)
				}
			}
		}
	}()
}

// Key 由数据集名与参数生成确定性的缓存键：collection:md5(参数 JSON)。
// map 编码时键已排序，值经过转义，不同参数组不会拼出相同文本。
func Key(collection string, params map[string]string) string {
	if params == nil {
		params = map[string]string{}
	}
	b, _ := json.Marshal(params)
	sum := md5.Sum(b)
	return collection + ":" + hex.EncodeToString(sum[:])
}
