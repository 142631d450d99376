package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/tiankong-lab/multichat/backend/internal/model/dialog"
)

const turnCollection = "dialog_history"

// TurnLog 对话轮次的追加日志。记录只追加、只被反馈更新，从不删除。
type TurnLog struct {
	coll *mongo.Collection
}

// NewTurnLog 创建指向 dialog_history 集合的日志句柄。
func NewTurnLog(db *mongo.Database) *TurnLog {
	return &TurnLog{coll: db.Collection(turnCollection)}
}

// Insert 追加一条轮次记录。
func (l *TurnLog) Insert(ctx context.Context, turn dialog.Turn) error {
	if _, err := l.coll.InsertOne(ctx, turn); err != nil {
		return fmt.Errorf("insert turn %s: %w", turn.TurnID, err)
	}
	return nil
}

// Find 按 (sessionID, turnID) 精确查找，未找到返回 nil。
func (l *TurnLog) Find(ctx context.Context, sessionID, turnID string) (*dialog.Turn, error) {
	filter := bson.M{"session_id": sessionID, "dhid": turnID}

	var turn dialog.Turn
	err := l.coll.FindOne(ctx, filter).Decode(&turn)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find turn %s/%s: %w", sessionID, turnID, err)
	}
	return &turn, nil
}

// UpdateFeedback 写入用户反馈，这是轮次记录唯一允许的改写。
func (l *TurnLog) UpdateFeedback(ctx context.Context, sessionID, turnID string, rank int, content string) error {
	filter := bson.M{"session_id": sessionID, "dhid": turnID}
	update := bson.M{"$set": bson.M{
		"user_feedback_rank":    rank,
		"user_feedback_content": content,
	}}

	result, err := l.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update feedback %s/%s: %w", sessionID, turnID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("update feedback %s/%s: turn not found", sessionID, turnID)
	}
	return nil
}
