package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

// MessageRepository 消息数据访问层
type MessageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建 MessageRepository 实例
func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Record inserts msg unless (channel, external_id) was already stored, in
// which case the existing row is returned and created is false.
func (r *MessageRepository) Record(ctx context.Context, msg *chat.Message) (stored *chat.Message, created bool, err error) {
	if msg.ExternalID == nil {
		if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
			return nil, false, err
		}
		return msg, true, nil
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(msg)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return msg, true, nil
	}

	existing, err := r.GetByExternal(ctx, msg.Channel, *msg.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("message vanished after conflict")
	}
	return existing, false, nil
}

// GetByID 根据 ID 获取消息
func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*chat.Message, error) {
	var msg chat.Message
	if err := r.db.WithContext(ctx).First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// GetByExternal 根据渠道与网关消息 ID 获取消息
func (r *MessageRepository) GetByExternal(ctx context.Context, channel chat.Channel, externalID string) (*chat.Message, error) {
	var msg chat.Message
	err := r.db.WithContext(ctx).
		Where("channel = ? AND external_id = ?", channel, externalID).
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// StatusOutcome reports what AdvanceStatus did with a delivery status.
type StatusOutcome int

const (
	// StatusUnmatched means no message carries the provider id yet.
	StatusUnmatched StatusOutcome = iota
	// StatusKept means the status was the same or older than the stored one.
	StatusKept
	StatusAdvanced
)

// AdvanceStatus applies a delivery status when it moves the message forward.
// The update is conditional on the status read, so racing callbacks cannot
// regress it.
func (r *MessageRepository) AdvanceStatus(ctx context.Context, channel chat.Channel, externalID string, status chat.DeliveryStatus) (StatusOutcome, error) {
	for attempt := 0; attempt < 3; attempt++ {
		msg, err := r.GetByExternal(ctx, channel, externalID)
		if err != nil {
			return StatusUnmatched, err
		}
		if msg == nil {
			return StatusUnmatched, nil
		}
		if status.Rank() <= msg.Status.Rank() {
			return StatusKept, nil
		}

		res := r.db.WithContext(ctx).
			Model(&chat.Message{}).
			Where("id = ? AND status = ?", msg.ID, msg.Status).
			Update("status", status)
		if res.Error != nil {
			return StatusKept, res.Error
		}
		if res.RowsAffected == 1 {
			return StatusAdvanced, nil
		}
	}
	return StatusKept, nil
}

// Latest returns the newest limit messages of a conversation, oldest first.
func (r *MessageRepository) Latest(ctx context.Context, conversationID int64, limit int) ([]chat.Message, error) {
	var messages []chat.Message

	subQuery := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)

	err := r.db.WithContext(ctx).
		Table("(?) as t", subQuery).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}

// LastCustomerMessage 获取会话最后一条客户消息，没有则返回 nil
func (r *MessageRepository) LastCustomerMessage(ctx context.Context, conversationID int64) (*chat.Message, error) {
	var msg chat.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND origin = ?", conversationID, chat.OriginCustomer).
		Order("created_at DESC").
		Order("id DESC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// HasOperatorReplySince reports whether a human operator message exists with
// a timestamp after since.
func (r *MessageRepository) HasOperatorReplySince(ctx context.Context, conversationID int64, since time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("conversation_id = ? AND direction = ? AND origin = ? AND created_at > ?",
			conversationID, chat.DirectionOutbound, chat.OriginOperator, since).
		Count(&count).Error
	return count > 0, err
}

// OutboundSince lists operator and system messages sent at or after since.
func (r *MessageRepository) OutboundSince(ctx context.Context, conversationID int64, since time.Time) ([]chat.Message, error) {
	var messages []chat.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND direction = ? AND created_at >= ?", conversationID, chat.DirectionOutbound, since).
		Where("origin IN ?", []chat.Origin{chat.OriginOperator, chat.OriginSystem}).
		Order("created_at ASC").
		Find(&messages).Error
	return messages, err
}
