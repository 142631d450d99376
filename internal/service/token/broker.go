// Package token 凭证代理。很多并发请求会竞争同一个小账号池，
// 这里保证：缓存命中走无锁快路径，刷新在分布式锁内全局串行，
// 同一账号同一时刻最多一次铸造。
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	"github.com/tiankong-lab/multichat/backend/internal/service/pool"
	"github.com/tiankong-lab/multichat/backend/internal/store/redisstore"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
)

var (
	// ErrAccountUnavailable 账号被标记不可用且调用方不允许刷新。
	ErrAccountUnavailable = errors.New("account is not available")
	// ErrLockTimeout 刷新锁在重试预算内始终没抢到。
	ErrLockTimeout = errors.New("refresh lock wait retries exhausted")
)

// Availability 可用账号集合的最小接口。
type Availability interface {
	Add(ctx context.Context, email string) error
	Remove(ctx context.Context, email string) error
	Exists(ctx context.Context, email string) (bool, error)
}

// AccountCache 账号凭证缓存的最小接口。
type AccountCache interface {
	Get(ctx context.Context, email string) (*account.Account, error)
	Set(ctx context.Context, email string, acct account.Account, ttl time.Duration) error
}

// Roster 账号清单的最小接口。
type Roster interface {
	Resolve(email string) (account.Account, error)
	UpdateCredential(email, token string, expiry int64) (account.Account, error)
}

// Lock 互斥锁的最小接口。
type Lock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// LockFactory 按名字构造容量为 1 的锁。
type LockFactory func(name string) Lock

// Config 代理配置。
type Config struct {
	// LoginTargetURL 登录页地址，作为挑战产物的缓存键。
	LoginTargetURL string
	// TokenTTLMin/Max 凭证缓存的随机 TTL 区间。
	TokenTTLMin time.Duration
	TokenTTLMax time.Duration
	// RetryBudget 整个 GetToken 操作的重试预算。
	RetryBudget int
}

// Broker 凭证代理。独占凭证的读取与刷新路径，
// 其他组件不允许绕过它直接动缓存。
type Broker struct {
	roster     Roster
	avail      Availability
	cache      AccountCache
	locks      LockFactory
	minter     upstream.Minter
	challenges upstream.ChallengeResolver
	cfg        Config
}

// NewBroker 创建凭证代理。
func NewBroker(roster Roster, avail Availability, cache AccountCache, locks LockFactory, minter upstream.Minter, challenges upstream.ChallengeResolver, cfg Config) *Broker {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	return &Broker{
		roster:     roster,
		avail:      avail,
		cache:      cache,
		locks:      locks,
		minter:     minter,
		challenges: challenges,
		cfg:        cfg,
	}
}

// GetToken 返回账号当前可用的凭证。
//
// 快路径：缓存命中且账号在可用集合里，直接返回，不碰任何锁。
// 缓存命中但账号已被别的 worker 标记不可用时，allowRefresh 为 false
// 直接失败，为 true 则走刷新。刷新失败按分类决定重试还是隔离账号。
func (b *Broker) GetToken(ctx context.Context, email string, allowRefresh bool) (account.Credential, error) {
	var lastErr error

	for attempt := 0; attempt <= b.cfg.RetryBudget; attempt++ {
		cached, err := b.cache.Get(ctx, email)
		if err != nil {
			return account.Credential{}, err
		}
		if cached != nil {
			ok, err := b.avail.Exists(ctx, email)
			if err != nil {
				return account.Credential{}, err
			}
			if ok {
				return cached.Credential(), nil
			}

			log.Printf("[token] %s is not available", email)
			if !allowRefresh {
				return account.Credential{}, fmt.Errorf("%w: %s", ErrAccountUnavailable, email)
			}
		}

		cred, err := b.refresh(ctx, email)
		if err == nil {
			return cred, nil
		}
		lastErr = err

		if errors.Is(err, pool.ErrNotFound) {
			// 配置错误，重试没有意义。
			return account.Credential{}, err
		}

		if errors.Is(err, redisstore.ErrMaxWaitExceeded) {
			log.Printf("[token] %s refresh lock busy, retrying (%d/%d)", email, attempt+1, b.cfg.RetryBudget)
			continue
		}

		if upstream.Classify(err) == upstream.ClassAntiBot {
			// refresh 已清掉失效的挑战产物，下一轮会重新获取。
			log.Printf("[token] %s challenge artifact rejected, retrying (%d/%d)", email, attempt+1, b.cfg.RetryBudget)
			continue
		}

		if allowRefresh && attempt < b.cfg.RetryBudget {
			log.Printf("[token] %s refresh failed, retrying (%d/%d): %v", email, attempt+1, b.cfg.RetryBudget, err)
			continue
		}

		return account.Credential{}, b.quarantine(ctx, email, err)
	}

	if errors.Is(lastErr, redisstore.ErrMaxWaitExceeded) {
		return account.Credential{}, fmt.Errorf("get token %s: %w", email, ErrLockTimeout)
	}
	return account.Credential{}, b.quarantine(ctx, email, lastErr)
}

// refresh 在账号级刷新锁内铸造新凭证并回写缓存与可用集合。
func (b *Broker) refresh(ctx context.Context, email string) (account.Credential, error) {
	lock := b.locks("account_refresh:" + email)
	if err := lock.Acquire(ctx); err != nil {
		return account.Credential{}, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[token] release refresh lock for %s: %v", email, err)
		}
	}()

	acct, err := b.roster.Resolve(email)
	if err != nil {
		return account.Credential{}, err
	}

	artifact, err := b.challenges.Resolve(ctx, b.cfg.LoginTargetURL, acct.Proxy)
	if err != nil {
		return account.Credential{}, fmt.Errorf("resolve login challenge: %w", err)
	}

	tokenStr, expiry, err := b.minter.Mint(ctx, acct, artifact)
	if err != nil {
		if upstream.Classify(err) == upstream.ClassAntiBot {
			if evictErr := b.challenges.Evict(ctx, b.cfg.LoginTargetURL, acct.Proxy); evictErr != nil {
				log.Printf("[token] evict challenge artifact: %v", evictErr)
			}
		}
		return account.Credential{}, err
	}

	updated, err := b.roster.UpdateCredential(email, tokenStr, expiry)
	if err != nil {
		return account.Credential{}, err
	}

	ttl := redisstore.JitteredTTL(b.cfg.TokenTTLMin, b.cfg.TokenTTLMax)
	if err := b.cache.Set(ctx, email, updated, ttl); err != nil {
		return account.Credential{}, err
	}
	if err := b.avail.Add(ctx, email); err != nil {
		return account.Credential{}, err
	}

	log.Printf("[token] %s credential refreshed", email)
	return updated.Credential(), nil
}

// quarantine 把账号移出可用集合并上抛原始错误。账号仍留在清单里，
// 之后的巡检成功会重新放回来。
func (b *Broker) quarantine(ctx context.Context, email string, cause error) error {
	log.Printf("[token] quarantine %s: %v", email, cause)
	if err := b.avail.Remove(context.WithoutCancel(ctx), email); err != nil {
		log.Printf("[token] remove %s from availability: %v", email, err)
	}
	return cause
}
