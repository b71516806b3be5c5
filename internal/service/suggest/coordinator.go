package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/notify"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

// Coordinator runs one suggestion cycle after a quiet period.
type Coordinator struct {
	convs     *repository.ConversationRepository
	claims    *repository.ClaimRepository
	guard     *Guard
	preempt   *Preemption
	builder   *ContextBuilder
	generator *Generator
	publisher notify.Publisher
	cfg       config.SuggestConfig
	now       func() time.Time
}

// NewCoordinator 组装建议流程
func NewCoordinator(
	convs *repository.ConversationRepository,
	messages *repository.MessageRepository,
	claims *repository.ClaimRepository,
	transcriber Transcriber,
	generator *Generator,
	publisher notify.Publisher,
	cfg config.SuggestConfig,
) *Coordinator {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	return &Coordinator{
		convs:     convs,
		claims:    claims,
		guard:     NewGuard(claims, cfg.ClaimTTL),
		preempt:   NewPreemption(messages),
		builder:   NewContextBuilder(messages, transcriber, cfg),
		generator: generator,
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source of every stage.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.guard.now = now
	c.builder.now = now
}

// Fire adapts Run to the quiet scheduler callback.
func (c *Coordinator) Fire(ctx context.Context, conversationID int64) {
	claim, err := c.Run(ctx, conversationID)
	switch {
	case err == nil:
		log.Printf("[suggest] suggestion ready conversation=%d claim=%s model=%s escalated=%v",
			conversationID, claim.ID, claim.Model, claim.Escalated)
	case errors.Is(err, ErrAlreadyActive):
		log.Printf("[suggest] conversation=%d already has an active suggestion, skipping", conversationID)
	case errors.Is(err, ErrPreempted):
		log.Printf("[suggest] conversation=%d answered by an operator, no suggestion", conversationID)
	case errors.Is(err, context.Canceled):
	default:
		log.Printf("[suggest] conversation=%d no suggestion this cycle: %v", conversationID, err)
	}
}

// Run claims the conversation, drafts a reply and leaves it ready for review.
// The claim is deleted on every failure path so the next message starts a
// fresh cycle.
func (c *Coordinator) Run(ctx context.Context, conversationID int64) (*chat.SuggestionClaim, error) {
	conv, err := c.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}

	claim, err := c.guard.TryClaim(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	committed := false
	defer func() {
		if !committed {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.guard.Release(releaseCtx, claim)
		}
	}()

	if preempted, err := c.preempt.Check(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("preemption check: %w", err)
	} else if preempted {
		return nil, ErrPreempted
	}

	genCtx := ctx
	if c.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, c.cfg.GenerationTimeout)
		defer cancel()
	}

	window, err := c.builder.Build(genCtx, conv)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	draft, err := c.generator.Generate(genCtx, window.Request())
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	if preempted, err := c.preempt.Check(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("preemption check: %w", err)
	} else if preempted {
		return nil, ErrPreempted
	}

	snapshot, err := json.Marshal(window.Entries())
	if err != nil {
		return nil, err
	}
	expiresAt := c.now().Add(c.cfg.Retention)
	ok, err := c.claims.MarkReady(ctx, claim.ID, draft.Text, draft.Model, draft.Escalated, datatypes.JSON(snapshot), expiresAt)
	if err != nil {
		return nil, fmt.Errorf("mark ready: %w", err)
	}
	if !ok {
		return nil, ErrClaimLost
	}
	committed = true

	claim.Status = chat.ClaimReady
	claim.Draft = draft.Text
	claim.Model = draft.Model
	claim.Escalated = draft.Escalated
	claim.Window = datatypes.JSON(snapshot)
	claim.ExpiresAt = expiresAt

	c.publish(ctx, claim)
	return claim, nil
}

func (c *Coordinator) publish(ctx context.Context, claim *chat.SuggestionClaim) {
	ev := notify.SuggestionEvent{
		ConversationID: claim.ConversationID,
		ClaimID:        claim.ID,
		Status:         claim.Status,
		Model:          claim.Model,
		Escalated:      claim.Escalated,
		At:             c.now(),
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		log.Printf("[notify] %v", err)
	}
}
