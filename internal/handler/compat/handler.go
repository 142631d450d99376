// Package compat 提供与上游原版接口同形的路由，老客户端不改一行
// 也能打到这个服务上。
package compat

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tiankong-lab/multichat/backend/pkg/utils"
)

// 原版接口返回的占位用户标识。
const placeholderUserID = "user-0F68QjP4ORZ9XZOOwm4EjGzL"

// FeedbackRecorder 反馈落库的最小接口。
type FeedbackRecorder interface {
	Feedback(ctx context.Context, sessionID, turnID, rating, text string, tags []string) error
}

// Handler 原版接口处理器
type Handler struct {
	dialogs FeedbackRecorder
}

// New 创建处理器
func New(dialogs FeedbackRecorder) *Handler {
	return &Handler{dialogs: dialogs}
}

// RegisterRoutes 注册原版接口路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversation/message_feedback", h.handleFeedback)
	r.Post("/moderations", h.handleModerations)
}

type feedbackPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Rating         string   `json:"rating"`
	Tags           []string `json:"tags"`
	Text           string   `json:"text"`
}

type feedbackReply struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Rating         string `json:"rating"`
	Content        string `json:"content"`
	UserID         string `json:"user_id"`
}

// handleFeedback 把用户对某轮回答的评价写进轮次日志。
// conversation_id 就是会话 id，message_id 是轮次 id。
func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var payload feedbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.ConversationID == "" || payload.MessageID == "" {
		utils.RespondError(w, http.StatusBadRequest, "conversation_id and message_id are required")
		return
	}

	err := h.dialogs.Feedback(r.Context(), payload.ConversationID, payload.MessageID, payload.Rating, payload.Text, payload.Tags)
	if err != nil {
		log.Printf("[compat] feedback %s/%s: %v", payload.ConversationID, payload.MessageID, err)
		utils.RespondError(w, http.StatusNotFound, "turn not found")
		return
	}

	content, _ := json.Marshal(map[string]any{"text": payload.Text, "tags": payload.Tags})
	utils.RespondJSON(w, http.StatusOK, feedbackReply{
		ConversationID: payload.ConversationID,
		MessageID:      payload.MessageID,
		Rating:         payload.Rating,
		Content:        string(content),
		UserID:         placeholderUserID,
	})
}

type moderationsReply struct {
	Blocked      bool   `json:"blocked"`
	Flagged      bool   `json:"flagged"`
	ModerationID string `json:"moderation_id"`
}

// handleModerations 审核接口的放行桩，老客户端会在发问前调用它。
func (h *Handler) handleModerations(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, moderationsReply{})
}
