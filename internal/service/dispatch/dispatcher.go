// Package dispatch 调度一次对话交换：选号、取凭证、占并发名额、
// 驱动上游流式回答，并把失败分类后在有限预算内重试。
// 调用方只看到最终结果：要么一条完整的回答流，要么一个终态错误，
// 中间的重试过程对外不可见。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
)

var (
	// ErrNoAccountAvailable 可用集合为空，快速失败而不是排队等待。
	ErrNoAccountAvailable = errors.New("no account available")
	// ErrPromptRequired 空 prompt。
	ErrPromptRequired = errors.New("prompt is required")

	// errAbandoned 调用方关闭了流，静默终止本次调度。
	errAbandoned = errors.New("stream abandoned by caller")
)

// terminalError 标记不参与重试循环的失败。
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// TokenSource 凭证来源的最小接口。
type TokenSource interface {
	GetToken(ctx context.Context, email string, allowRefresh bool) (account.Credential, error)
}

// Availability 可用账号集合的最小接口。
type Availability interface {
	RandomPick(ctx context.Context) (string, error)
	Remove(ctx context.Context, email string) error
}

// Lock 并发名额的最小接口。
type Lock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// LockFactory 按名字构造固定容量的名额信号量。
type LockFactory func(name string) Lock

// Config 调度器配置。
type Config struct {
	// RetryBudget 单次 ask 的重试预算。
	RetryBudget int
	// TransientBackoff 瞬时错误重试前的固定退避。
	TransientBackoff time.Duration
	// ConversationURL 上游对话地址，作为挑战产物的驱逐键。
	ConversationURL string
}

// AskRequest 一次对话请求。AccountEmail 为空时自动选号，
// 非空表示调用方钉死账号，重试不换号。
type AskRequest struct {
	Prompt       string
	Model        string
	AccountEmail string
	ThreadID     string
	ParentTurnID string
}

// Dispatcher 对话调度器。
type Dispatcher struct {
	tokens     TokenSource
	avail      Availability
	exchangers map[upstream.ClientKind]upstream.Exchanger
	challenges upstream.ChallengeResolver
	permits    LockFactory
	cfg        Config
}

// NewDispatcher 创建调度器。exchangers 必须覆盖 KindRelay。
func NewDispatcher(tokens TokenSource, avail Availability, exchangers map[upstream.ClientKind]upstream.Exchanger, challenges upstream.ChallengeResolver, permits LockFactory, cfg Config) *Dispatcher {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = 300 * time.Millisecond
	}
	return &Dispatcher{
		tokens:     tokens,
		avail:      avail,
		exchangers: exchangers,
		challenges: challenges,
		permits:    permits,
		cfg:        cfg,
	}
}

// Ask 发起一次对话交换，返回回答流。流内每个 Chunk 携带到当前为止的
// 完整回答文本，重试换号后 Chunk.Account 会变化。可用集合为空时
// 立即返回 ErrNoAccountAvailable。
func (d *Dispatcher) Ask(ctx context.Context, req AskRequest) (*upstream.Stream, error) {
	if req.Prompt == "" {
		return nil, ErrPromptRequired
	}

	kind := upstream.ParseClientKind(req.Model)
	exchanger, ok := d.exchangers[kind]
	if !ok {
		exchanger = d.exchangers[upstream.KindRelay]
	}
	if exchanger == nil {
		return nil, fmt.Errorf("no exchanger configured for %s", kind)
	}

	email := req.AccountEmail
	if email == "" {
		picked, err := d.avail.RandomPick(ctx)
		if err != nil {
			return nil, err
		}
		if picked == "" {
			return nil, ErrNoAccountAvailable
		}
		email = picked
	}

	writer, stream := upstream.Pipe(8)
	go d.run(ctx, writer, exchanger, req, email, req.AccountEmail != "")
	return stream, nil
}

// run 有限预算的重试循环。每轮失败后按分类决定：认证失效隔离账号并
// （未钉死时）换号重试；瞬时错误退避后原号重试；反爬拒收先驱逐缓存的
// 挑战产物再重试；其余立即终止。
func (d *Dispatcher) run(ctx context.Context, writer *upstream.StreamWriter, exchanger upstream.Exchanger, req AskRequest, email string, pinned bool) {
	var lastErr error
	var lastProxy string

	for attempt := 0; attempt <= d.cfg.RetryBudget; attempt++ {
		if email == "" {
			picked, err := d.avail.RandomPick(ctx)
			if err != nil {
				lastErr = err
				break
			}
			if picked == "" {
				lastErr = ErrNoAccountAvailable
				break
			}
			email = picked
		}

		proxy, err := d.attempt(ctx, writer, exchanger, req, email)
		if proxy != "" {
			lastProxy = proxy
		}
		if err == nil {
			writer.CloseSend(nil)
			return
		}
		if errors.Is(err, errAbandoned) {
			writer.CloseSend(nil)
			return
		}
		lastErr = err

		var terminal *terminalError
		if errors.As(err, &terminal) {
			lastErr = terminal.err
			break
		}

		switch upstream.Classify(err) {
		case upstream.ClassUnauthorized:
			log.Printf("[dispatch] %s credential rejected, quarantining", email)
			if removeErr := d.avail.Remove(context.WithoutCancel(ctx), email); removeErr != nil {
				log.Printf("[dispatch] remove %s from availability: %v", email, removeErr)
			}
			if !pinned {
				// 未钉死账号，下一轮重新选号。
				email = ""
			}
		case upstream.ClassTransient:
			log.Printf("[dispatch] %s transient failure, backing off: %v", email, err)
			select {
			case <-ctx.Done():
				writer.CloseSend(ctx.Err())
				return
			case <-time.After(d.cfg.TransientBackoff):
			}
		case upstream.ClassRateLimited, upstream.ClassAntiBot:
			log.Printf("[dispatch] %s rejected by upstream gate, evicting challenge artifact", email)
			if evictErr := d.challenges.Evict(ctx, d.cfg.ConversationURL, lastProxy); evictErr != nil {
				log.Printf("[dispatch] evict challenge artifact: %v", evictErr)
			}
		default:
			// Fatal：立即上抛。
			writer.CloseSend(lastErr)
			return
		}

		if attempt == d.cfg.RetryBudget {
			log.Printf("[dispatch] %s retry budget exhausted", email)
		}
	}

	writer.CloseSend(lastErr)
}

// attempt 单轮交换：取凭证、占名额、提交、转发增量。
// 凭证获取失败和名额等待超时都是终态，不参与重试。
func (d *Dispatcher) attempt(ctx context.Context, writer *upstream.StreamWriter, exchanger upstream.Exchanger, req AskRequest, email string) (string, error) {
	cred, err := d.tokens.GetToken(ctx, email, true)
	if err != nil {
		return "", &terminalError{err: err}
	}

	permit := d.permits("account_permit:" + email)
	if err := permit.Acquire(ctx); err != nil {
		// 名额等满或上下文取消都是终态，账号的并发名额全忙本身就是结论。
		return cred.Proxy, &terminalError{err: err}
	}
	defer func() {
		if err := permit.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[dispatch] release permit for %s: %v", email, err)
		}
	}()

	log.Printf("[dispatch] ask account=%s thread=%s parent=%s", email, req.ThreadID, req.ParentTurnID)

	stream, err := exchanger.Submit(ctx, cred, upstream.Request{
		Prompt:       req.Prompt,
		ThreadID:     req.ThreadID,
		ParentTurnID: req.ParentTurnID,
	})
	if err != nil {
		return cred.Proxy, err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return cred.Proxy, nil
		}
		if err != nil {
			return cred.Proxy, err
		}

		chunk.Account = email
		if !writer.Send(chunk) {
			return cred.Proxy, errAbandoned
		}
	}
}
