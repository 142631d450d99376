// Package refresh 手动触发账号池扫描的HTTP入口
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tiankong-lab/multichat/backend/internal/service/sweep"
	"github.com/tiankong-lab/multichat/backend/pkg/utils"
)

// Runner 池扫描的最小接口。
type Runner interface {
	Run(ctx context.Context) (sweep.Report, error)
}

// Handler 刷新处理器
type Handler struct {
	sweeper  Runner
	password string
}

// New 创建刷新处理器。password 为空时接口拒绝所有请求。
func New(sweeper Runner, password string) *Handler {
	return &Handler{sweeper: sweeper, password: password}
}

// RegisterRoutes 注册刷新路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chatgpt", h.handleRefresh)
}

type refreshPayload struct {
	RefreshPasswd string `json:"refresh_passwd"`
}

type refreshReply struct {
	Reply string `json:"reply"`
}

// handleRefresh 口令校验通过后同步跑一轮全池扫描。
// 口令不符不报错，只在外壳里说明，和原版接口保持一致。
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var payload refreshPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if h.password == "" || payload.RefreshPasswd != h.password {
		utils.RespondWrapped(w, utils.CodeSuccess, refreshReply{Reply: "refresh passwd incompatible"})
		return
	}

	report, err := h.sweeper.Run(r.Context())
	if err != nil {
		log.Printf("[refresh] sweep failed: %v", err)
		utils.RespondWrapped(w, utils.CodeInternalError, refreshReply{Reply: err.Error()})
		return
	}

	log.Printf("[refresh] sweep done usable=%d failed=%d", len(report.Usable), len(report.Failed))
	utils.RespondWrapped(w, utils.CodeSuccess, refreshReply{
		Reply: fmt.Sprintf("success: %d usable, %d failed", len(report.Usable), len(report.Failed)),
	})
}
