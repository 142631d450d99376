package relaychat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/tiankong-lab/multichat/backend/internal/model/account"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
)

// AuthConfig 登录中继配置。账号登录由独立的浏览器仿真服务完成，
// 这里只负责把账号机密和挑战产物递过去，拿回 token。
type AuthConfig struct {
	// LoginURL 登录中继服务地址。
	LoginURL string
	// Timeout 单次登录请求超时。
	Timeout time.Duration
	// MaxRetries 传输层失败的重试次数。
	MaxRetries uint64
}

// Authenticator 实现 upstream.Minter。
type Authenticator struct {
	cfg    AuthConfig
	client *http.Client
}

// NewAuthenticator 创建登录客户端。
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Authenticator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type loginRequest struct {
	Email     string            `json:"email"`
	Password  string            `json:"password"`
	Proxy     string            `json:"proxy,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Expiry      int64  `json:"expiry"`
	Error       string `json:"error,omitempty"`
}

// Mint 铸造一个新凭证。传输层错误做有限次退避重试，
// 上游明确拒绝（401/403）立即返回带分类的错误。
func (a *Authenticator) Mint(ctx context.Context, acct account.Account, artifact *upstream.Challenge) (string, int64, error) {
	req := loginRequest{
		Email:    acct.Email,
		Password: acct.Password,
		Proxy:    acct.Proxy,
	}
	if artifact != nil {
		req.UserAgent = artifact.UserAgent
		req.Cookies = artifact.Cookies
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", 0, fmt.Errorf("encode login request: %w", err)
	}

	var result loginResponse
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.LoginURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build login request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return upstream.NewError(upstream.ClassTransient, "login request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			class := upstream.ClassifyStatus(resp.StatusCode)
			ue := upstream.NewError(class, fmt.Sprintf("login status %d: %s", resp.StatusCode, string(raw)), nil)
			if class == upstream.ClassTransient {
				return ue
			}
			return backoff.Permanent(ue)
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return backoff.Permanent(upstream.NewError(upstream.ClassFatal, "malformed login response", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), a.cfg.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", 0, err
	}

	if result.Error != "" || result.AccessToken == "" {
		return "", 0, upstream.NewError(upstream.ClassUnauthorized, "login rejected: "+result.Error, nil)
	}
	return result.AccessToken, result.Expiry, nil
}
