// Package challenge 解析并缓存反爬挑战产物。与凭证刷新使用同一套
// 锁/缓存/重试模式，只是锁的粒度按目标 URL 而不是按账号。
package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/tiankong-lab/multichat/backend/internal/store/redisstore"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
)

// Lock 互斥锁的最小接口，便于测试时替换分布式信号量。
type Lock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// LockFactory 按名字构造容量为 1 的锁。
type LockFactory func(name string) Lock

// Cache 挑战产物缓存的最小接口。
type Cache interface {
	Get(ctx context.Context, key string) (*upstream.Challenge, error)
	Set(ctx context.Context, key string, value upstream.Challenge, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config 解析器配置。
type Config struct {
	// ResolverURL 外部挑战解析服务地址。
	ResolverURL string
	// TTLMin/Max 产物缓存的随机 TTL 区间。
	TTLMin time.Duration
	TTLMax time.Duration
	// Timeout 单次解析请求超时。
	Timeout time.Duration
	// RetryBudget 整个解析操作的重试预算。
	RetryBudget int
}

// Resolver 实现 upstream.ChallengeResolver。
type Resolver struct {
	cache Cache
	locks LockFactory
	cfg   Config

	client *http.Client
}

// NewResolver 创建解析器。
func NewResolver(cache Cache, locks LockFactory, cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	return &Resolver{
		cache:  cache,
		locks:  locks,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func cacheKey(targetURL, proxy string) string {
	return targetURL + "|" + proxy
}

type resolveRequest struct {
	URL     string `json:"url"`
	Proxy   string `json:"proxy,omitempty"`
	Timeout int    `json:"timeout"`
}

// Resolve 返回目标 URL 的挑战产物，缓存命中直接返回，
// 未命中时在锁内向外部服务请求一份并写缓存。
func (r *Resolver) Resolve(ctx context.Context, targetURL, proxy string) (*upstream.Challenge, error) {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.RetryBudget; attempt++ {
		artifact, err := r.cache.Get(ctx, cacheKey(targetURL, proxy))
		if err != nil {
			return nil, err
		}
		if artifact != nil {
			return artifact, nil
		}

		artifact, err = r.resolveLocked(ctx, targetURL, proxy)
		if err == nil {
			return artifact, nil
		}
		lastErr = err

		if errors.Is(err, redisstore.ErrMaxWaitExceeded) {
			// 别人正拿着锁在解析，稍等后重查缓存大概率直接命中。
			log.Printf("[challenge] %s lock busy, retrying (%d/%d)", targetURL, attempt+1, r.cfg.RetryBudget)
		} else {
			log.Printf("[challenge] %s resolve failed, retrying (%d/%d): %v", targetURL, attempt+1, r.cfg.RetryBudget, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	return nil, fmt.Errorf("challenge resolve %s: retries exhausted: %w", targetURL, lastErr)
}

func (r *Resolver) resolveLocked(ctx context.Context, targetURL, proxy string) (*upstream.Challenge, error) {
	lock := r.locks("challenge_resolve:" + cacheKey(targetURL, proxy))
	if err := lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[challenge] release lock: %v", err)
		}
	}()

	// 拿到锁后再查一次，前一个持有者可能已经写好了缓存。
	if artifact, err := r.cache.Get(ctx, cacheKey(targetURL, proxy)); err == nil && artifact != nil {
		return artifact, nil
	}

	artifact, err := r.fetch(ctx, targetURL, proxy)
	if err != nil {
		return nil, err
	}

	ttl := redisstore.JitteredTTL(r.cfg.TTLMin, r.cfg.TTLMax)
	if err := r.cache.Set(ctx, cacheKey(targetURL, proxy), *artifact, ttl); err != nil {
		return nil, err
	}

	log.Printf("[challenge] resolved artifact for %s", targetURL)
	return artifact, nil
}

// fetch 调用外部解析服务，传输层失败做有限次退避重试。
func (r *Resolver) fetch(ctx context.Context, targetURL, proxy string) (*upstream.Challenge, error) {
	body, err := json.Marshal(resolveRequest{
		URL:     targetURL,
		Proxy:   proxy,
		Timeout: 60,
	})
	if err != nil {
		return nil, fmt.Errorf("encode resolve request: %w", err)
	}

	var artifact upstream.Challenge
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.ResolverURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build resolve request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("resolve request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("resolver status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&artifact); err != nil {
			return backoff.Permanent(fmt.Errorf("malformed resolver response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	if !artifact.Success {
		return nil, fmt.Errorf("resolver rejected %s: %s", targetURL, artifact.Msg)
	}
	if _, ok := artifact.Cookies["cf_clearance"]; !ok {
		return nil, fmt.Errorf("resolver response for %s missing clearance cookie", targetURL)
	}
	return &artifact, nil
}

// Evict 删除缓存的挑战产物，上游拒收时由调度层触发。
func (r *Resolver) Evict(ctx context.Context, targetURL, proxy string) error {
	return r.cache.Delete(ctx, cacheKey(targetURL, proxy))
}
