package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

// ConversationRepository 会话与联系人数据访问层
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建 ConversationRepository 实例
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetByID 根据 ID 获取会话，未找到返回 nil
func (r *ConversationRepository) GetByID(ctx context.Context, id int64) (*chat.Conversation, error) {
	var conv chat.Conversation
	err := r.db.WithContext(ctx).First(&conv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// GetByExternal 根据渠道与外部会话标识查找会话
func (r *ConversationRepository) GetByExternal(ctx context.Context, channel chat.Channel, externalID string) (*chat.Conversation, error) {
	var conv chat.Conversation
	err := r.db.WithContext(ctx).
		Where("channel = ? AND external_id = ?", channel, externalID).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conv, nil
}

// InsertOrFetch inserts conv unless (channel, external_id) already exists and
// returns the stored row either way. Concurrent callers converge on one row.
func (r *ConversationRepository) InsertOrFetch(ctx context.Context, conv *chat.Conversation) (*chat.Conversation, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel"}, {Name: "external_id"}},
			DoNothing: true,
		}).
		Create(conv)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return conv, true, nil
	}

	existing, err := r.GetByExternal(ctx, conv.Channel, conv.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("conversation vanished after conflict")
	}
	return existing, false, nil
}

// LinkContact sets contact_id when the conversation has none yet.
func (r *ConversationRepository) LinkContact(ctx context.Context, conversationID, contactID int64) error {
	return r.db.WithContext(ctx).
		Model(&chat.Conversation{}).
		Where("id = ? AND contact_id IS NULL", conversationID).
		Update("contact_id", contactID).Error
}

// TouchInbound advances last_inbound_at; older timestamps never move it back.
func (r *ConversationRepository) TouchInbound(ctx context.Context, conversationID int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&chat.Conversation{}).
		Where("id = ? AND (last_inbound_at IS NULL OR last_inbound_at < ?)", conversationID, at).
		Update("last_inbound_at", at).Error
}

// LastInboundAt returns the zero time when no inbound message was recorded.
func (r *ConversationRepository) LastInboundAt(ctx context.Context, conversationID int64) (time.Time, error) {
	conv, err := r.GetByID(ctx, conversationID)
	if err != nil || conv == nil || conv.LastInboundAt == nil {
		return time.Time{}, err
	}
	return *conv.LastInboundAt, nil
}

// ContactByPhoneRef looks up the explicit phone cross-reference table.
func (r *ConversationRepository) ContactByPhoneRef(ctx context.Context, digits string) (*chat.Contact, error) {
	if digits == "" {
		return nil, nil
	}
	var ref chat.ContactPhone
	err := r.db.WithContext(ctx).Where("phone = ?", digits).First(&ref).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.contactByID(ctx, ref.ContactID)
}

// ContactByHandle looks up a contact by its stored channel chat handle.
func (r *ConversationRepository) ContactByHandle(ctx context.Context, handle string) (*chat.Contact, error) {
	return r.firstContact(ctx, "chat_handle = ?", handle)
}

// ContactByRawPhone matches the free-form phone field of the contact record.
func (r *ConversationRepository) ContactByRawPhone(ctx context.Context, candidates ...string) (*chat.Contact, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	return r.firstContact(ctx, "phone IN ?", candidates)
}

// BackfillHandle stores the chat handle on a contact that has none.
func (r *ConversationRepository) BackfillHandle(ctx context.Context, contactID int64, handle string) error {
	return r.db.WithContext(ctx).
		Model(&chat.Contact{}).
		Where("id = ? AND (chat_handle IS NULL OR chat_handle = '')", contactID).
		Update("chat_handle", handle).Error
}

// CreateContact inserts a CRM contact; used by seeding and tests.
func (r *ConversationRepository) CreateContact(ctx context.Context, contact *chat.Contact, phones ...string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(contact).Error; err != nil {
			return err
		}
		for _, p := range phones {
			if err := tx.Create(&chat.ContactPhone{ContactID: contact.ID, Phone: p}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ConversationRepository) contactByID(ctx context.Context, id int64) (*chat.Contact, error) {
	return r.firstContact(ctx, "id = ?", id)
}

func (r *ConversationRepository) firstContact(ctx context.Context, query string, args ...interface{}) (*chat.Contact, error) {
	var contact chat.Contact
	err := r.db.WithContext(ctx).Where(query, args...).Order("id ASC").First(&contact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &contact, nil
}
