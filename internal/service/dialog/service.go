// Package dialog 维护对话的连续性：每轮问答先落持久日志再进热缓存。
// 续接最近一轮走缓存快路径，回溯历史轮次走日志精确查找，
// 缓存可以随时整体丢失而不影响续接正确性。
package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tiankong-lab/multichat/backend/internal/model/dialog"
)

const (
	feedbackRankUp   = 10
	feedbackRankDown = -10
)

// TurnLog 持久轮次日志的最小接口。
type TurnLog interface {
	Insert(ctx context.Context, turn dialog.Turn) error
	Find(ctx context.Context, sessionID, turnID string) (*dialog.Turn, error)
	UpdateFeedback(ctx context.Context, sessionID, turnID string, rank int, content string) error
}

// StateCache 会话最近一轮的热缓存，key 是 sessionID。
type StateCache interface {
	Get(ctx context.Context, key string) (*dialog.Turn, error)
	Set(ctx context.Context, key string, value dialog.Turn, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Service 对话连续性服务。
type Service struct {
	turns TurnLog
	cache StateCache
	ttl   time.Duration
}

// NewService 创建服务。ttl 是会话热缓存的存活时间。
func NewService(turns TurnLog, cache StateCache, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{turns: turns, cache: cache, ttl: ttl}
}

// Resolve 找到本轮要续接的前驱轮次。先查会话热缓存：turnID 为空或
// 正好指向缓存中的最近一轮，直接命中；否则按 (sessionID, turnID)
// 精确查日志，覆盖从历史某轮分叉的情况。找不到前驱返回 (nil, nil)，
// 调用方据此开启新线程。
func (s *Service) Resolve(ctx context.Context, sessionID, turnID string) (*dialog.Turn, error) {
	cached, err := s.cache.Get(ctx, sessionID)
	if err != nil {
		log.Printf("[dialog] state cache get %s: %v", sessionID, err)
		cached = nil
	}
	if cached != nil && (turnID == "" || cached.TurnID == turnID) {
		return cached, nil
	}

	if turnID == "" {
		// 缓存失效且调用方没有指定轮次，视为新线程。
		return nil, nil
	}
	return s.turns.Find(ctx, sessionID, turnID)
}

// Record 落一轮问答：分配轮次 id、写日志、刷新会话热缓存。
// 日志写失败本轮作废，缓存写失败只记日志，下轮续接会退化为新线程。
func (s *Service) Record(ctx context.Context, turn dialog.Turn) (dialog.Turn, error) {
	if turn.SessionID == "" {
		return dialog.Turn{}, fmt.Errorf("record turn: session id is required")
	}
	if turn.TurnID == "" {
		// v1 uuid 按时间有序，轮次 id 天然反映落库顺序。
		id, err := uuid.NewUUID()
		if err != nil {
			return dialog.Turn{}, fmt.Errorf("record turn: %w", err)
		}
		turn.TurnID = id.String()
	}
	if turn.AnswerTimestamp == 0 {
		turn.AnswerTimestamp = time.Now().Unix()
	}

	if err := s.turns.Insert(ctx, turn); err != nil {
		return dialog.Turn{}, err
	}
	if err := s.cache.Set(ctx, turn.SessionID, turn, s.ttl); err != nil {
		log.Printf("[dialog] state cache set %s: %v", turn.SessionID, err)
	}
	return turn, nil
}

// Feedback 用户对某轮回答的评价。rating 取 thumbsUp / thumbsDown，
// text 和 tags 合并为内容 JSON 存进日志。被评价的是缓存中的最近
// 一轮时同步刷新缓存，避免读到旧反馈。
func (s *Service) Feedback(ctx context.Context, sessionID, turnID, rating, text string, tags []string) error {
	rank := feedbackRankDown
	if rating == "thumbsUp" {
		rank = feedbackRankUp
	}

	content, err := json.Marshal(map[string]any{
		"text": text,
		"tags": tags,
	})
	if err != nil {
		return fmt.Errorf("encode feedback content: %w", err)
	}

	if err := s.turns.UpdateFeedback(ctx, sessionID, turnID, rank, string(content)); err != nil {
		return err
	}

	cached, err := s.cache.Get(ctx, sessionID)
	if err != nil {
		log.Printf("[dialog] state cache get %s: %v", sessionID, err)
		return nil
	}
	if cached != nil && cached.TurnID == turnID {
		cached.UserFeedbackRank = rank
		cached.UserFeedbackContent = string(content)
		if err := s.cache.Set(ctx, sessionID, *cached, s.ttl); err != nil {
			log.Printf("[dialog] state cache set %s: %v", sessionID, err)
		}
	}
	return nil
}

// Restart 丢弃会话的热缓存，下一轮从新线程开始。
func (s *Service) Restart(ctx context.Context, sessionID string) error {
	return s.cache.Delete(ctx, sessionID)
}
