// Package pool 管理账号清单：启动时整体加载，运行期凭 email 解析，
// 周期性把最新凭证写回清单文件。
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/tiankong-lab/multichat/backend/internal/model/account"
)

// ErrNotFound 清单里没有这个账号。属于配置错误，调用方不应重试。
var ErrNotFound = errors.New("account not found in roster")

// AccountCache 持久化清单时读取各账号的最新缓存副本。
// 其他 worker 刷新出来的凭证只存在于缓存里，写盘时以缓存为准。
type AccountCache interface {
	Get(ctx context.Context, email string) (*account.Account, error)
}

// Manager 账号清单的唯一属主。清单只在启动时读一次，
// 之后的修改全部通过 UpdateCredential 进内存、PersistRoster 落盘。
type Manager struct {
	mu       sync.RWMutex
	accounts []account.Account
	index    map[string]int

	path  string
	cache AccountCache
}

// NewManager 加载清单文件并建立 email → 下标映射。
func NewManager(path string, cache AccountCache) (*Manager, error) {
	accounts, err := account.LoadRoster(path)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("roster %s is empty", path)
	}

	index := make(map[string]int, len(accounts))
	for i, acct := range accounts {
		index[acct.Email] = i
	}

	return &Manager{
		accounts: accounts,
		index:    index,
		path:     path,
		cache:    cache,
	}, nil
}

// Resolve 按 email 取完整账号数据，清单里没有返回 ErrNotFound。
func (m *Manager) Resolve(email string) (account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.index[email]
	if !ok {
		return account.Account{}, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return m.accounts[idx], nil
}

// Emails 按清单顺序返回全部账号 email。
func (m *Manager) Emails() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	emails := make([]string, len(m.accounts))
	for i, acct := range m.accounts {
		emails[i] = acct.Email
	}
	return emails
}

// UpdateCredential 刷新成功后更新内存里的凭证。
func (m *Manager) UpdateCredential(email, token string, expiry int64) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.index[email]
	if !ok {
		return account.Account{}, fmt.Errorf("%w: %s", ErrNotFound, email)
	}

	m.accounts[idx].AccessToken = token
	m.accounts[idx].Expiry = expiry
	return m.accounts[idx], nil
}

// PersistRoster 序列化清单写回文件。逐账号优先取缓存里的副本，
// 缓存是其他 worker 刷新结果的唯一可见渠道；缓存读不到就用内存副本。
func (m *Manager) PersistRoster(ctx context.Context) error {
	m.mu.RLock()
	snapshot := make([]account.Account, len(m.accounts))
	copy(snapshot, m.accounts)
	m.mu.RUnlock()

	for i, acct := range snapshot {
		cached, err := m.cache.Get(ctx, acct.Email)
		if err != nil {
			log.Printf("[pool] cache read for %s failed, keeping in-memory copy: %v", acct.Email, err)
			continue
		}
		if cached != nil {
			snapshot[i] = *cached
		}
	}

	return account.SaveRoster(m.path, snapshot)
}
