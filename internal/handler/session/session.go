// Package session 用 cookie 维持匿名会话。会话 id 是服务端签发的 uuid，
// 对话连续性全部挂在这个 id 下面，换 id 等于开新对话。
package session

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CookieName 会话 cookie 的名字。
const CookieName = "session_id"

type ctxKey struct{}

// FromContext 取出中间件写入的会话 id，中间件没跑过时返回空串。
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware 保证每个请求都带有效的会话 id：cookie 缺失或不是合法
// uuid 时签发新 id 并下发 cookie。
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if cookie, err := r.Cookie(CookieName); err == nil {
			if parsed, err := uuid.Parse(cookie.Value); err == nil {
				id = parsed.String()
			}
		}
		if id == "" {
			id = uuid.NewString()
			setSessionCookie(w, id)
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteNoneMode,
		Secure:   true,
	})
}

// Restarter 丢弃会话热状态的最小接口。
type Restarter interface {
	Restart(ctx context.Context, sessionID string) error
}

// Handler 会话路由处理器。
type Handler struct {
	dialogs Restarter
}

// New 创建会话处理器。
func New(dialogs Restarter) *Handler {
	return &Handler{dialogs: dialogs}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/restart", h.handleRestart)
}

// handleRestart 换发新会话 id，旧会话的热状态一并丢弃。
func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	old := FromContext(r.Context())
	if old != "" && h.dialogs != nil {
		if err := h.dialogs.Restart(r.Context(), old); err != nil {
			log.Printf("[session] drop state for %s: %v", old, err)
		}
	}

	setSessionCookie(w, uuid.NewString())
	w.WriteHeader(http.StatusOK)
}
