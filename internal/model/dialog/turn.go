package dialog

// Turn 一轮问答的完整记录。previous_dhid 把同一会话内的轮次串成
// 单向链表，向前回溯最终到达没有前驱的首轮。
type Turn struct {
	TurnID         string `bson:"dhid" json:"dhid"`
	PreviousTurnID string `bson:"previous_dhid,omitempty" json:"previousDhid,omitempty"`

	SessionID string `bson:"session_id" json:"sessionId"`
	RoundID   int    `bson:"round_id" json:"roundId"`

	AskText         string `bson:"ask_text" json:"askText"`
	AnswerText      string `bson:"answer_text" json:"answerText"`
	AnswerTimestamp int64  `bson:"answer_timestamp" json:"answerTimestamp"`

	UserFeedbackRank    int    `bson:"user_feedback_rank" json:"userFeedbackRank"`
	UserFeedbackContent string `bson:"user_feedback_content" json:"userFeedbackContent"`

	// 上游侧的续接信息：回答这轮的账号、上游会话 id、上游父消息 id。
	// 下一轮凭这三个字段回到上游同一段对话。
	AccountEmail         string `bson:"account_email,omitempty" json:"accountEmail,omitempty"`
	UpstreamThreadID     string `bson:"upstream_thread_id,omitempty" json:"upstreamThreadId,omitempty"`
	UpstreamParentTurnID string `bson:"upstream_parent_turn_id,omitempty" json:"upstreamParentTurnId,omitempty"`
}
