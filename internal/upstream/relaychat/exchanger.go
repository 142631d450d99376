// Package relaychat 实现账号池承载的上游对话客户端：带 bearer token 的
// SSE POST，逐行取回增量回答。
package relaychat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
)

// Config 对话客户端配置。
type Config struct {
	// ConversationURL 上游对话接口地址。
	ConversationURL string
	// Timeout 整次交换的总超时。
	Timeout time.Duration
}

// Exchanger 实现 upstream.Exchanger。
type Exchanger struct {
	cfg        Config
	challenges upstream.ChallengeResolver
}

// NewExchanger 创建对话客户端。challenges 可以为 nil，
// 此时请求不携带反爬挑战产物。
func NewExchanger(cfg Config, challenges upstream.ChallengeResolver) *Exchanger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Minute
	}
	return &Exchanger{cfg: cfg, challenges: challenges}
}

type conversationContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

type conversationMessage struct {
	ID      string              `json:"id"`
	Role    string              `json:"role"`
	Content conversationContent `json:"content"`
}

type conversationRequest struct {
	Action          string                `json:"action"`
	Messages        []conversationMessage `json:"messages"`
	ConversationID  *string               `json:"conversation_id"`
	ParentMessageID string                `json:"parent_message_id"`
	Model           string                `json:"model"`
}

type conversationEvent struct {
	Message struct {
		ID      string `json:"id"`
		Content struct {
			Parts []string `json:"parts"`
		} `json:"content"`
	} `json:"message"`
	ConversationID string `json:"conversation_id"`
}

// Submit 提交 prompt 并流式取回回答。每行事件携带到当前为止的完整文本。
func (e *Exchanger) Submit(ctx context.Context, cred account.Credential, req upstream.Request) (*upstream.Stream, error) {
	parentID := req.ParentTurnID
	if parentID == "" {
		parentID = uuid.NewString()
	}

	var threadID *string
	if req.ThreadID != "" {
		threadID = &req.ThreadID
	}

	body, err := json.Marshal(conversationRequest{
		Action: "variant",
		Messages: []conversationMessage{{
			ID:   uuid.NewString(),
			Role: "user",
			Content: conversationContent{
				ContentType: "text",
				Parts:       []string{req.Prompt},
			},
		}},
		ConversationID:  threadID,
		ParentMessageID: parentID,
		Model:           "text-davinci-002-render",
	})
	if err != nil {
		return nil, fmt.Errorf("encode conversation request: %w", err)
	}

	client, err := newHTTPClient(cred.Proxy, e.cfg.Timeout)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.ConversationURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build conversation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+cred.Token)

	if e.challenges != nil {
		// 挑战产物拿不到也照常发请求，上游 403 时由调度层驱逐重试。
		if artifact, err := e.challenges.Resolve(ctx, e.cfg.ConversationURL, cred.Proxy); err == nil && artifact != nil {
			if artifact.UserAgent != "" {
				httpReq.Header.Set("User-Agent", artifact.UserAgent)
			}
			for name, value := range artifact.Cookies {
				httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
			}
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, upstream.NewError(upstream.ClassTransient, "conversation request failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, upstream.NewError(
			upstream.ClassifyStatus(resp.StatusCode),
			fmt.Sprintf("status %d: %s", resp.StatusCode, string(raw)),
			nil,
		)
	}

	writer, stream := upstream.Pipe(8)
	go e.pump(resp.Body, writer)
	return stream, nil
}

// pump 逐行读取 SSE 事件并投递增量，直到 [DONE] 或连接断开。
func (e *Exchanger) pump(body io.ReadCloser, writer *upstream.StreamWriter) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")
		if line == "[DONE]" {
			writer.CloseSend(nil)
			return
		}

		var event conversationEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			writer.CloseSend(upstream.NewError(upstream.ClassFatal, "malformed stream event", err))
			return
		}
		if len(event.Message.Content.Parts) == 0 {
			continue
		}

		ok := writer.Send(upstream.Chunk{
			Text:     event.Message.Content.Parts[0],
			TurnID:   event.Message.ID,
			ThreadID: event.ConversationID,
		})
		if !ok {
			// 消费方放弃了，丢弃剩余输出并断开上游连接。
			writer.CloseSend(nil)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		writer.CloseSend(upstream.NewError(upstream.ClassTransient, "stream interrupted", err))
		return
	}
	writer.CloseSend(nil)
}

// newHTTPClient 按账号的代理配置构造 HTTP 客户端。
func newHTTPClient(proxy string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
