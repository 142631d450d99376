package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache 以 JSON 编码存取单一类型的键值缓存。Get 未命中返回 (nil, nil)，
// 对调用方来说未命中不是错误，而是"需要重新获取"的信号。
type Cache[T any] struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewCache 创建带 key 前缀的缓存句柄。
func NewCache[T any](rdb redis.UniversalClient, prefix string) *Cache[T] {
	return &Cache[T]{rdb: rdb, prefix: prefix}
}

func (c *Cache[T]) formatKey(key string) string {
	return c.prefix + "__" + key
}

// Get 读取缓存值，未命中返回 nil。
func (c *Cache[T]) Get(ctx context.Context, key string) (*T, error) {
	raw, err := c.rdb.Get(ctx, c.formatKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.formatKey(key), err)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.formatKey(key), err)
	}
	return &value, nil
}

// Set 写入缓存值。ttl 必须为正，过期由 Redis 负责。
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache set %s: ttl must be positive", c.formatKey(key))
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.formatKey(key), err)
	}
	if err := c.rdb.Set(ctx, c.formatKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", c.formatKey(key), err)
	}
	return nil
}

// Delete 删除缓存项，删除不存在的项是 no-op。
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.formatKey(key)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", c.formatKey(key), err)
	}
	return nil
}

// JitteredTTL 在 [min, max] 区间内随机取一个 TTL。
// 同一时间批量铸造的凭证如果使用固定 TTL，会在同一时刻集体过期，
// 触发全池刷新风暴。
func JitteredTTL(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
