// Package cache 提供带过期时间的内存缓存
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// TTLCache 固定过期时间的 LRU 缓存，并发加载同一个 key 只执行一次
type TTLCache[K comparable, V any] struct {
	lru   *expirable.LRU[K, V]
	group singleflight.Group
	keyFn func(K) string
}

// New 创建缓存，keyFn 用于并发加载去重
func New[K comparable, V any](size int, ttl time.Duration, keyFn func(K) string) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		lru:   expirable.NewLRU[K, V](size, nil, ttl),
		keyFn: keyFn,
	}
}

// Get 读取缓存
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Set 写入缓存
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// Invalidate 删除缓存
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

// GetOrLoad 未命中时调用 load 并写入缓存，加载失败不缓存
func (c *TTLCache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(c.keyFn(key), func() (interface{}, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}
