// Package completion 实现走补全接口的上游客户端。与中继客户端不同，
// 它不依赖账号池的浏览器会话，直接拿凭证 token 当 API key 使用，
// 上游侧没有会话概念，续接靠调用方携带的上下文。
package completion

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/google/uuid"
	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
)

const defaultPreamble = "I am a highly intelligent question answering bot. " +
	"If you ask me a question that is rooted in truth, I will give you the answer."

// Config 补全客户端配置。
type Config struct {
	// Model 补全模型名。
	Model string
	// BaseURL 为空时用官方地址。
	BaseURL string
	// MaxTokens 单次回答长度上限。
	MaxTokens int
}

// Exchanger 实现 upstream.Exchanger。
type Exchanger struct {
	cfg Config
}

// NewExchanger 创建补全客户端。
func NewExchanger(cfg Config) *Exchanger {
	if cfg.Model == "" {
		cfg.Model = "text-davinci-003"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Exchanger{cfg: cfg}
}

// Submit 提交 prompt 并流式取回回答。回答文本按累计方式投递，
// 与中继客户端的语义保持一致。补全接口没有服务端会话，续接上下文
// 就是累计的问答转写本：req.ThreadID 携带上一轮转写本，返回的
// Chunk.ThreadID 携带追加了本轮问答的新转写本。
func (e *Exchanger) Submit(ctx context.Context, cred account.Credential, req upstream.Request) (*upstream.Stream, error) {
	clientCfg := openai.DefaultConfig(cred.Token)
	if e.cfg.BaseURL != "" {
		clientCfg.BaseURL = e.cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	preamble := req.ThreadID
	if preamble == "" {
		preamble = defaultPreamble
	}
	prompt := preamble + "\n\nQ: " + req.Prompt + "\nA: "

	completionStream, err := client.CreateCompletionStream(ctx, openai.CompletionRequest{
		Model:       e.cfg.Model,
		Prompt:      prompt,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: 0.9,
		TopP:        0.1,
		N:           1,
		Stream:      true,
		Stop:        []string{"\n\n"},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}

	writer, stream := upstream.Pipe(8)
	turnID := uuid.NewString()

	go func() {
		defer completionStream.Close()

		answer := ""
		for {
			recv, err := completionStream.Recv()
			if errors.Is(err, io.EOF) {
				writer.CloseSend(nil)
				return
			}
			if err != nil {
				writer.CloseSend(classifyAPIError(err))
				return
			}
			if len(recv.Choices) == 0 || recv.Choices[0].Text == "" {
				continue
			}

			answer += recv.Choices[0].Text
			chunk := upstream.Chunk{
				Text:     answer,
				TurnID:   turnID,
				ThreadID: prompt + answer,
			}
			if !writer.Send(chunk) {
				writer.CloseSend(nil)
				return
			}
		}
	}()

	return stream, nil
}

// classifyAPIError 把 go-openai 的错误映射进统一分类。
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return upstream.NewError(upstream.ClassifyStatus(apiErr.HTTPStatusCode), "completion request failed", err)
	}
	return upstream.NewError(upstream.ClassTransient, "completion request failed", err)
}
