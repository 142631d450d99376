// Package sweep 对名册里的每个账号做一轮探活：钉死账号发一条固定的
// 探测问题，走完整的凭证刷新和问答链路。答得出来的账号留在可用集合，
// 答不出来的被问答链路自己隔离。扫描结束后把最新凭证落回名册文件。
package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/tiankong-lab/multichat/backend/internal/service/dispatch"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
)

// ErrPoolEmpty 扫描后没有任何账号可用，服务失去了回答能力。
var ErrPoolEmpty = errors.New("no account usable after sweep")

// Asker 问答链路的最小接口。
type Asker interface {
	Ask(ctx context.Context, req dispatch.AskRequest) (*upstream.Stream, error)
}

// Roster 账号名册的最小接口。
type Roster interface {
	Emails() []string
	PersistRoster(ctx context.Context) error
}

// Counter 可用集合的计数接口。
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Report 一次扫描的结果。
type Report struct {
	Usable   []string
	Failed   map[string]string
	PoolSize int
}

// Sweeper 账号池扫描器。
type Sweeper struct {
	asker  Asker
	roster Roster
	avail  Counter
	prompt string
}

// NewSweeper 创建扫描器。prompt 是发给每个账号的探测问题。
func NewSweeper(asker Asker, roster Roster, avail Counter, prompt string) *Sweeper {
	if prompt == "" {
		prompt = "1+1=?"
	}
	return &Sweeper{asker: asker, roster: roster, avail: avail, prompt: prompt}
}

// Run 逐个探活名册账号。单个账号失败不中断扫描，全部失败返回
// ErrPoolEmpty。无论成败都把名册落盘，保留扫描中刷新到的凭证。
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	report := Report{Failed: make(map[string]string)}

	for _, email := range s.roster.Emails() {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := s.probe(ctx, email); err != nil {
			log.Printf("[sweep] %s unusable: %v", email, err)
			report.Failed[email] = err.Error()
			continue
		}
		log.Printf("[sweep] %s ok", email)
		report.Usable = append(report.Usable, email)
	}

	if err := s.roster.PersistRoster(ctx); err != nil {
		log.Printf("[sweep] persist roster: %v", err)
	}

	count, err := s.avail.Count(ctx)
	if err != nil {
		return report, fmt.Errorf("count available accounts: %w", err)
	}
	report.PoolSize = count

	if count == 0 {
		return report, ErrPoolEmpty
	}
	return report, nil
}

// probe 钉死单个账号问一次探测问题并读完整个回答流。
func (s *Sweeper) probe(ctx context.Context, email string) error {
	stream, err := s.asker.Ask(ctx, dispatch.AskRequest{
		Prompt:       s.prompt,
		AccountEmail: email,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	var answered bool
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if chunk.Text != "" {
			answered = true
		}
	}
	if !answered {
		return errors.New("empty answer to probe")
	}
	return nil
}
