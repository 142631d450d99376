// Package dialog 对话问答的HTTP处理器
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tiankong-lab/multichat/backend/internal/handler/session"
	dialogModel "github.com/tiankong-lab/multichat/backend/internal/model/dialog"
	"github.com/tiankong-lab/multichat/backend/internal/service/dispatch"
	"github.com/tiankong-lab/multichat/backend/internal/upstream"
	"github.com/tiankong-lab/multichat/backend/pkg/utils"
)

// Asker 问答链路的最小接口。
type Asker interface {
	Ask(ctx context.Context, req dispatch.AskRequest) (*upstream.Stream, error)
}

// Continuity 对话连续性服务的最小接口。
type Continuity interface {
	Resolve(ctx context.Context, sessionID, turnID string) (*dialogModel.Turn, error)
	Record(ctx context.Context, turn dialogModel.Turn) (dialogModel.Turn, error)
}

// Handler 对话处理器
type Handler struct {
	asker    Asker
	dialogs  Continuity
	upgrader websocket.Upgrader
}

// New 创建对话处理器
func New(asker Asker, dialogs Continuity) *Handler {
	return &Handler{
		asker:   asker,
		dialogs: dialogs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/ask", h.handleAsk)
	r.Post("/ask_streaming", h.handleAskStreaming)
	r.Get("/ws", h.handleWebSocket)
}

type askPayload struct {
	Model        string `json:"model"`
	Text         string `json:"text"`
	PreviousDhid string `json:"previous_dhid"`
}

type askResult struct {
	Reply   string `json:"reply"`
	NowDhid string `json:"now_dhid,omitempty"`
}

// exchange 一次问答的就绪状态：续接信息已解析、轮次 id 已分配、
// 上游流已经打开。
type exchange struct {
	sessionID    string
	text         string
	previousDhid string
	roundID      int
	nowDhid      string
	stream       *upstream.Stream
}

// prepare 解析续接信息并打开上游流。previous_dhid 指向缓存外的历史
// 轮次时续接那一轮，解析不到前驱则开新线程。
func (h *Handler) prepare(ctx context.Context, sessionID string, payload askPayload) (*exchange, error) {
	prev, err := h.dialogs.Resolve(ctx, sessionID, payload.PreviousDhid)
	if err != nil {
		return nil, err
	}

	req := dispatch.AskRequest{
		Prompt: payload.Text,
		Model:  payload.Model,
	}
	ex := &exchange{
		sessionID:    sessionID,
		text:         payload.Text,
		previousDhid: payload.PreviousDhid,
	}
	if prev != nil {
		// 续接：账号被上游会话钉死，换号等于丢线程。
		ex.previousDhid = prev.TurnID
		ex.roundID = prev.RoundID + 1
		req.ThreadID = prev.UpstreamThreadID
		req.ParentTurnID = prev.UpstreamParentTurnID
		req.AccountEmail = prev.AccountEmail
	}

	nowID, err := uuid.NewUUID()
	if err != nil {
		return nil, err
	}
	ex.nowDhid = nowID.String()

	stream, err := h.asker.Ask(ctx, req)
	if err != nil {
		return nil, err
	}
	ex.stream = stream
	return ex, nil
}

// record 回答读完后落一轮记录。
func (h *Handler) record(ctx context.Context, ex *exchange, answer string, last upstream.Chunk) {
	turn := dialogModel.Turn{
		TurnID:         ex.nowDhid,
		PreviousTurnID: ex.previousDhid,
		SessionID:      ex.sessionID,
		RoundID:        ex.roundID,
		AskText:        ex.text,
		AnswerText:     answer,

		AccountEmail:         last.Account,
		UpstreamThreadID:     last.ThreadID,
		UpstreamParentTurnID: last.TurnID,
	}
	// 客户端断开不应丢掉已经拿到的回答。
	if _, err := h.dialogs.Record(context.WithoutCancel(ctx), turn); err != nil {
		log.Printf("[dialog] record turn %s: %v", ex.nowDhid, err)
	}
}

// handleAsk 缓冲式问答：读完整个回答流再一次性返回。
func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	sessionID := session.FromContext(r.Context())

	var payload askPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Text == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	ex, err := h.prepare(r.Context(), sessionID, payload)
	if err != nil {
		log.Printf("[dialog] ask prepare: %v", err)
		utils.RespondWrapped(w, utils.CodeInternalError, askResult{Reply: err.Error()})
		return
	}
	defer ex.stream.Close()

	var answer string
	var last upstream.Chunk
	for {
		chunk, err := ex.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Printf("[dialog] ask stream: %v", err)
			utils.RespondWrapped(w, utils.CodeInternalError, askResult{Reply: err.Error()})
			return
		}
		answer = chunk.Text
		last = chunk
	}

	h.record(r.Context(), ex, answer, last)
	utils.RespondWrapped(w, utils.CodeSuccess, askResult{Reply: answer, NowDhid: ex.nowDhid})
}

// handleAskStreaming SSE 式问答：每个增量都携带到当前为止的完整回答，
// 以 [DONE] 收尾。第一个增量到来之前的失败仍以 JSON 外壳返回，
// 流一旦开始，失败表现为没有 [DONE] 的截断。
func (h *Handler) handleAskStreaming(w http.ResponseWriter, r *http.Request) {
	sessionID := session.FromContext(r.Context())

	var payload askPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Text == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ex, err := h.prepare(r.Context(), sessionID, payload)
	if err != nil {
		log.Printf("[dialog] ask_streaming prepare: %v", err)
		utils.RespondWrapped(w, utils.CodeInternalError, askResult{Reply: err.Error()})
		return
	}
	defer ex.stream.Close()

	// 先手动取第一个增量，让直接失败走 JSON 路径而不是空流。
	first, err := ex.stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[dialog] ask_streaming stream: %v", err)
		utils.RespondWrapped(w, utils.CodeInternalError, askResult{Reply: err.Error()})
		return
	}

	utils.SetupSSEHeaders(w)

	answer := ""
	last := first
	if err == nil {
		answer = first.Text
		utils.SendSSEChunk(w, flusher, askResult{Reply: answer, NowDhid: ex.nowDhid})

		for {
			chunk, recvErr := ex.stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if recvErr != nil {
				log.Printf("[dialog] ask_streaming stream: %v", recvErr)
				return
			}
			answer = chunk.Text
			last = chunk
			utils.SendSSEChunk(w, flusher, askResult{Reply: answer, NowDhid: ex.nowDhid})
		}
	}

	h.record(r.Context(), ex, answer, last)

	if _, err := w.Write([]byte("data: [DONE]\n\n")); err != nil {
		log.Printf("[dialog] ask_streaming write done: %v", err)
		return
	}
	flusher.Flush()
}

type wsOutgoing struct {
	Reply   string `json:"reply,omitempty"`
	NowDhid string `json:"now_dhid,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleWebSocket ask_streaming 的 WebSocket 形态。一条连接上可以
// 连续问多轮，每轮以 done 消息收尾。
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := session.FromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go h.pingLoop(ctx, conn)

	for {
		var payload askPayload
		if err := conn.ReadJSON(&payload); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if payload.Text == "" {
			h.sendWS(conn, wsOutgoing{Error: "text is required"})
			continue
		}

		h.serveWSAsk(ctx, conn, sessionID, payload)
	}
}

// serveWSAsk 在连接上执行一轮问答。
func (h *Handler) serveWSAsk(ctx context.Context, conn *websocket.Conn, sessionID string, payload askPayload) {
	ex, err := h.prepare(ctx, sessionID, payload)
	if err != nil {
		log.Printf("[websocket] ask prepare: %v", err)
		h.sendWS(conn, wsOutgoing{Error: err.Error()})
		return
	}
	defer ex.stream.Close()

	var answer string
	var last upstream.Chunk
	for {
		chunk, err := ex.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Printf("[websocket] ask stream: %v", err)
			h.sendWS(conn, wsOutgoing{Error: err.Error()})
			return
		}
		answer = chunk.Text
		last = chunk
		h.sendWS(conn, wsOutgoing{Reply: answer, NowDhid: ex.nowDhid})
	}

	h.record(ctx, ex, answer, last)
	h.sendWS(conn, wsOutgoing{NowDhid: ex.nowDhid, Done: true})
}

func (h *Handler) sendWS(conn *websocket.Conn, msg wsOutgoing) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[websocket] write failed: %v", err)
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
