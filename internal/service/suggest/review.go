package suggest

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/notify"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

// ClientSource resolves the outbound client of a channel.
type ClientSource interface {
	Client(channel chat.Channel) (gateway.Client, error)
}

// OutboundRecorder stores a message the business sent.
type OutboundRecorder interface {
	RecordOutbound(ctx context.Context, conv *chat.Conversation, externalID, text string, origin chat.Origin) (*chat.Message, error)
}

// Approval is the outcome of sending a suggestion.
type Approval struct {
	Claim   *chat.SuggestionClaim `json:"claim"`
	Message *chat.Message         `json:"message"`
}

// Review is the operator surface over ready suggestions. Nothing is sent
// without an explicit Approve.
type Review struct {
	convs     *repository.ConversationRepository
	claims    *repository.ClaimRepository
	clients   ClientSource
	recorder  OutboundRecorder
	publisher notify.Publisher
	now       func() time.Time
}

// NewReview 创建审核服务
func NewReview(
	convs *repository.ConversationRepository,
	claims *repository.ClaimRepository,
	clients ClientSource,
	recorder OutboundRecorder,
	publisher notify.Publisher,
) *Review {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Review{
		convs:     convs,
		claims:    claims,
		clients:   clients,
		recorder:  recorder,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Active returns the ready suggestion of a conversation.
func (r *Review) Active(ctx context.Context, conversationID int64) (*chat.SuggestionClaim, error) {
	claim, err := r.claims.Active(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if claim == nil || claim.Status != chat.ClaimReady {
		return nil, ErrNoSuggestion
	}
	if !claim.ExpiresAt.After(r.now()) {
		return nil, ErrNoSuggestion
	}
	return claim, nil
}

// Approve sends the suggestion, or the operator's edited text, through the
// conversation's channel and records the outbound message. Concurrent calls
// send at most once; the others get ErrNoSuggestion.
func (r *Review) Approve(ctx context.Context, conversationID int64, editedText string) (*Approval, error) {
	conv, err := r.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	claim, err := r.Active(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(editedText)
	if text == "" {
		text = claim.Draft
	}

	client, err := r.clients.Client(conv.Channel)
	if err != nil {
		return nil, err
	}

	// ready → sending is the single point that lets one approver through
	ok, err := r.claims.Move(ctx, claim.ID, chat.ClaimReady, chat.ClaimSending)
	if err != nil {
		return nil, fmt.Errorf("approve claim: %w", err)
	}
	if !ok {
		return nil, ErrNoSuggestion
	}

	externalID, err := client.Send(ctx, conv.ExternalID, text, nil)
	if err != nil {
		r.reopen(claim.ID)
		return nil, err
	}

	now := r.now()
	ok, err = r.claims.Transition(ctx, claim.ID, chat.ClaimSending, chat.ClaimApproved, now)
	if err != nil || !ok {
		log.Printf("[suggest] claim %s not marked approved after sending %s: ok=%v err=%v", claim.ID, externalID, ok, err)
	}

	msg, err := r.recorder.RecordOutbound(ctx, conv, externalID, text, chat.OriginOperator)
	if err != nil {
		return nil, fmt.Errorf("record outbound: %w", err)
	}

	claim.Status = chat.ClaimApproved
	claim.ResolvedAt = &now
	r.publish(ctx, claim)
	log.Printf("[suggest] suggestion approved conversation=%d claim=%s message=%s edited=%v",
		conversationID, claim.ID, externalID, text != claim.Draft)
	return &Approval{Claim: claim, Message: msg}, nil
}

// reopen puts a claim back to ready after a failed send.
func (r *Review) reopen(claimID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.claims.Move(ctx, claimID, chat.ClaimSending, chat.ClaimReady); err != nil {
		log.Printf("[suggest] reopen claim %s: %v", claimID, err)
	}
}

// Reject discards the ready suggestion.
func (r *Review) Reject(ctx context.Context, conversationID int64) (*chat.SuggestionClaim, error) {
	claim, err := r.Active(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	ok, err := r.claims.Transition(ctx, claim.ID, chat.ClaimReady, chat.ClaimRejected, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSuggestion
	}
	claim.Status = chat.ClaimRejected
	claim.ResolvedAt = &now
	r.publish(ctx, claim)
	return claim, nil
}

func (r *Review) publish(ctx context.Context, claim *chat.SuggestionClaim) {
	ev := notify.SuggestionEvent{
		ConversationID: claim.ConversationID,
		ClaimID:        claim.ID,
		Status:         claim.Status,
		Model:          claim.Model,
		Escalated:      claim.Escalated,
		At:             r.now(),
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		log.Printf("[notify] %v", err)
	}
}
