package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMaxWaitExceeded 在最大等待时间内没有拿到名额。
// 与 Redis 本身不可用是两类错误，调用方据此决定重试还是上抛。
var ErrMaxWaitExceeded = errors.New("semaphore: max wait exceeded")

// acquireScript 尝试占用一个名额。计数器首次创建时挂上过期时间，
// 持有者崩溃后名额随 key 过期自动归还。
var acquireScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
    redis.call('DECR', KEYS[1])
    return 0
end
return 1
`)

// releaseScript 归还名额。key 已经过期时什么都不做，
// 避免把计数减成负数。
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('DECR', KEYS[1])
end
return 1
`)

// Semaphore 跨进程的命名计数信号量。capacity 为 1 时退化为互斥锁。
// 所有等待都有上限，超时返回 ErrMaxWaitExceeded 而不是挂起。
type Semaphore struct {
	rdb      redis.UniversalClient
	name     string
	capacity int
	expiry   time.Duration
	maxWait  time.Duration
}

// NewSemaphore 创建信号量句柄。expiry 是单个名额的兜底存活时间，
// maxWait 是 Acquire 的等待上限。
func NewSemaphore(rdb redis.UniversalClient, name string, capacity int, expiry, maxWait time.Duration) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{
		rdb:      rdb,
		name:     name,
		capacity: capacity,
		expiry:   expiry,
		maxWait:  maxWait,
	}
}

// Name 返回信号量的 Redis key。
func (s *Semaphore) Name() string { return s.name }

// Acquire 轮询抢占一个名额，超过 maxWait 返回 ErrMaxWaitExceeded。
func (s *Semaphore) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(s.maxWait)

	for {
		ok, err := acquireScript.Run(ctx, s.rdb,
			[]string{s.name}, s.capacity, s.expiry.Milliseconds()).Int()
		if err != nil {
			return fmt.Errorf("semaphore %s acquire: %w", s.name, err)
		}
		if ok == 1 {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("semaphore %s: %w", s.name, ErrMaxWaitExceeded)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release 归还名额。必须与成功的 Acquire 配对调用。
func (s *Semaphore) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.name}).Err(); err != nil {
		return fmt.Errorf("semaphore %s release: %w", s.name, err)
	}
	return nil
}
