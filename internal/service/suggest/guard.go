// Package suggest 负责建议回复的完整生命周期：单飞占用、人工抢占检查、
// 上下文组装、置信度升级生成，以及操作员的审核。
package suggest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

var (
	// ErrAlreadyActive means another worker holds the conversation; skip this cycle.
	ErrAlreadyActive = errors.New("suggest: suggestion already active")
	// ErrClaimLost means the claim was superseded or removed while drafting.
	ErrClaimLost = errors.New("suggest: claim lost")
	// ErrPreempted means an operator already answered the latest customer message.
	ErrPreempted = errors.New("suggest: operator already replied")
	// ErrNoSuggestion means no ready suggestion exists for the conversation.
	ErrNoSuggestion = errors.New("suggest: no suggestion")
	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("suggest: conversation not found")
)

// Guard hands out at most one active claim per conversation.
type Guard struct {
	claims *repository.ClaimRepository
	ttl    time.Duration
	now    func() time.Time
}

// NewGuard 创建单飞守卫，ttl 为占用在未就绪前的有效期
func NewGuard(claims *repository.ClaimRepository, ttl time.Duration) *Guard {
	return &Guard{claims: claims, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// TryClaim inserts a claimed row for the conversation. When an active claim
// exists it releases stale claims once and retries; any further conflict is
// ErrAlreadyActive.
func (g *Guard) TryClaim(ctx context.Context, conversationID int64) (*chat.SuggestionClaim, error) {
	for attempt := 0; attempt < 2; attempt++ {
		now := g.now()
		claim := &chat.SuggestionClaim{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Status:         chat.ClaimClaimed,
			Draft:          chat.ClaimPlaceholder,
			CreatedAt:      now,
			ExpiresAt:      now.Add(g.ttl),
		}
		ok, err := g.claims.InsertIfNoneActive(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("insert claim: %w", err)
		}
		if ok {
			return claim, nil
		}
		if attempt > 0 {
			break
		}

		released, err := g.claims.ReleaseStale(ctx, conversationID, now)
		if err != nil {
			return nil, fmt.Errorf("release stale claim: %w", err)
		}
		if released == 0 {
			break
		}
		log.Printf("[suggest] released %d stale claim(s) conversation=%d, reclaiming", released, conversationID)
	}
	return nil, ErrAlreadyActive
}

// Release deletes an in-flight claim so the next cycle can start immediately.
func (g *Guard) Release(ctx context.Context, claim *chat.SuggestionClaim) {
	if err := g.claims.Delete(ctx, claim.ID); err != nil {
		log.Printf("[suggest] failed to release claim %s: %v", claim.ID, err)
	}
}
