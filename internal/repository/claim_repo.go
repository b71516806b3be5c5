package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

// ClaimRepository 建议占用记录数据访问层
type ClaimRepository struct {
	db *gorm.DB
}

// NewClaimRepository 创建 ClaimRepository 实例
func NewClaimRepository(db *gorm.DB) *ClaimRepository {
	return &ClaimRepository{db: db}
}

// InsertIfNoneActive inserts claim atomically. It returns false when the
// partial unique index already holds an active claim for the conversation.
func (r *ClaimRepository) InsertIfNoneActive(ctx context.Context, claim *chat.SuggestionClaim) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(claim)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Active returns the claimed or ready claim of a conversation, or nil.
func (r *ClaimRepository) Active(ctx context.Context, conversationID int64) (*chat.SuggestionClaim, error) {
	var claim chat.SuggestionClaim
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND status IN ?", conversationID, chat.ActiveClaimStatuses).
		First(&claim).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &claim, nil
}

// GetByID 根据 ID 获取占用记录
func (r *ClaimRepository) GetByID(ctx context.Context, id string) (*chat.SuggestionClaim, error) {
	var claim chat.SuggestionClaim
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&claim).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &claim, nil
}

// Delete removes a claim regardless of status.
func (r *ClaimRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&chat.SuggestionClaim{}).Error
}

// MarkReady stores the final draft and moves claimed → ready. It returns
// false when the claim is gone or no longer claimed.
func (r *ClaimRepository) MarkReady(ctx context.Context, id string, draft, model string, escalated bool, window datatypes.JSON, expiresAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&chat.SuggestionClaim{}).
		Where("id = ? AND status = ?", id, chat.ClaimClaimed).
		Updates(map[string]interface{}{
			"status":     chat.ClaimReady,
			"draft":      draft,
			"model":      model,
			"escalated":  escalated,
			"window":     window,
			"expires_at": expiresAt,
		})
	return res.RowsAffected == 1, res.Error
}

// Transition moves a claim from one status to a terminal one.
func (r *ClaimRepository) Transition(ctx context.Context, id string, from, to chat.ClaimStatus, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&chat.SuggestionClaim{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":      to,
			"resolved_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// Move changes the status of an unresolved claim, from → to, without
// resolving it. Only the caller that gets true owns the new state.
func (r *ClaimRepository) Move(ctx context.Context, id string, from, to chat.ClaimStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&chat.SuggestionClaim{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

// ReleaseStale frees a conversation held by an expired claim: a claimed row
// past its TTL is deleted (its generator crashed), a ready or sending row past
// retention becomes expired. Returns the number of rows affected.
func (r *ClaimRepository) ReleaseStale(ctx context.Context, conversationID int64, now time.Time) (int64, error) {
	return r.release(ctx, r.db.WithContext(ctx).Where("conversation_id = ?", conversationID), now)
}

// Sweep applies ReleaseStale to every conversation.
func (r *ClaimRepository) Sweep(ctx context.Context, now time.Time) (int64, error) {
	return r.release(ctx, r.db.WithContext(ctx), now)
}

func (r *ClaimRepository) release(ctx context.Context, scope *gorm.DB, now time.Time) (int64, error) {
	deleted := scope.Session(&gorm.Session{}).
		Where("status = ? AND expires_at < ?", chat.ClaimClaimed, now).
		Delete(&chat.SuggestionClaim{})
	if deleted.Error != nil {
		return 0, deleted.Error
	}

	expired := scope.Session(&gorm.Session{}).
		Model(&chat.SuggestionClaim{}).
		Where("status IN ? AND expires_at < ?", []chat.ClaimStatus{chat.ClaimReady, chat.ClaimSending}, now).
		Updates(map[string]interface{}{
			"status":      chat.ClaimExpired,
			"resolved_at": now,
		})
	if expired.Error != nil {
		return deleted.RowsAffected, expired.Error
	}
	return deleted.RowsAffected + expired.RowsAffected, nil
}

// SupersedeActive retires the active claim after a real operator reply: an
// in-flight claim is deleted, a ready one is marked superseded.
func (r *ClaimRepository) SupersedeActive(ctx context.Context, conversationID int64, now time.Time) (int64, error) {
	deleted := r.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, chat.ClaimClaimed).
		Delete(&chat.SuggestionClaim{})
	if deleted.Error != nil {
		return 0, deleted.Error
	}

	superseded := r.db.WithContext(ctx).
		Model(&chat.SuggestionClaim{}).
		Where("conversation_id = ? AND status = ?", conversationID, chat.ClaimReady).
		Updates(map[string]interface{}{
			"status":      chat.ClaimSuperseded,
			"resolved_at": now,
		})
	if superseded.Error != nil {
		return deleted.RowsAffected, superseded.Error
	}
	return deleted.RowsAffected + superseded.RowsAffected, nil
}
