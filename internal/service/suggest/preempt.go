package suggest

import (
	"context"

	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

// Preemption detects a human reply that makes a draft pointless.
type Preemption struct {
	messages *repository.MessageRepository
}

// NewPreemption 创建人工抢占检查
func NewPreemption(messages *repository.MessageRepository) *Preemption {
	return &Preemption{messages: messages}
}

// Check reports whether an operator message follows the latest customer
// message. A conversation without customer messages has nothing to answer
// and counts as preempted.
func (p *Preemption) Check(ctx context.Context, conversationID int64) (bool, error) {
	last, err := p.messages.LastCustomerMessage(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return p.messages.HasOperatorReplySince(ctx, conversationID, last.CreatedAt)
}
