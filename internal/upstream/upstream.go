// Package upstream 定义与上游服务交互的窄接口：提交对话、铸造凭证、
// 解析反爬挑战。具体实现在子包中，核心服务只依赖这里的抽象。
package upstream

import (
	"context"

	"github.com/tiankong-lab/multichat/backend/internal/model/account"
)

// Chunk 一次流式回答的增量。Text 携带到当前为止的完整回答，
// 重试重新开始时新 Chunk 直接覆盖旧内容，调用方无需拼接。
type Chunk struct {
	Text     string
	TurnID   string
	ThreadID string
	// Account 实际回答的账号，由调度层填入；重试换号后会变化。
	Account string
}

// Request 一次上游交换的输入。ThreadID/ParentTurnID 为空表示开新对话。
type Request struct {
	Prompt       string
	ThreadID     string
	ParentTurnID string
}

// Exchanger 向上游提交 prompt 并流式取回回答。
type Exchanger interface {
	Submit(ctx context.Context, cred account.Credential, req Request) (*Stream, error)
}

// Minter 用账号机密铸造一个新凭证，失败返回带分类的 *Error。
type Minter interface {
	Mint(ctx context.Context, acct account.Account, artifact *Challenge) (token string, expiry int64, err error)
}

// Challenge 反爬挑战的解析产物，铸造凭证和提交对话时随请求携带。
type Challenge struct {
	Success   bool              `json:"success"`
	Msg       string            `json:"msg"`
	UserAgent string            `json:"user_agent"`
	Cookies   map[string]string `json:"cookies"`
}

// ChallengeResolver 按目标 URL 解析并缓存挑战产物。
// Evict 在上游拒收缓存产物时删除对应条目，让下一次 Resolve 重新获取。
type ChallengeResolver interface {
	Resolve(ctx context.Context, targetURL, proxy string) (*Challenge, error)
	Evict(ctx context.Context, targetURL, proxy string) error
}
