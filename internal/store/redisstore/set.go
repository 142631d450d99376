package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Set 一个跨进程共享的字符串集合。成员资格本身就是信号，
// 所有操作天然幂等。
type Set struct {
	rdb redis.UniversalClient
	key string
}

// NewSet 创建指向指定 key 的集合句柄。
func NewSet(rdb redis.UniversalClient, key string) *Set {
	return &Set{rdb: rdb, key: key}
}

// Key 返回集合的完整 Redis key。
func (s *Set) Key() string { return s.key }

// Add 加入成员，重复加入是 no-op。
func (s *Set) Add(ctx context.Context, member string) error {
	if err := s.rdb.SAdd(ctx, s.key, member).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", s.key, err)
	}
	return nil
}

// Remove 移除成员，移除不存在的成员是 no-op。
func (s *Set) Remove(ctx context.Context, member string) error {
	if err := s.rdb.SRem(ctx, s.key, member).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", s.key, err)
	}
	return nil
}

// Exists 判断成员是否在集合中。
func (s *Set) Exists(ctx context.Context, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", s.key, err)
	}
	return ok, nil
}

// Count 返回集合大小。
func (s *Set) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", s.key, err)
	}
	return int(n), nil
}

// Members 返回全部成员。
func (s *Set) Members(ctx context.Context) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", s.key, err)
	}
	return members, nil
}

// RandomPick 在调用瞬间均匀随机取一个成员，集合为空返回空串。
func (s *Set) RandomPick(ctx context.Context) (string, error) {
	member, err := s.rdb.SRandMember(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("srandmember %s: %w", s.key, err)
	}
	return member, nil
}
