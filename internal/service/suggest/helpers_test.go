package suggest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/analysis/confidence"
	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
	"github.com/zhouzirui/replydesk/backend/internal/repository/repotest"
	"github.com/zhouzirui/replydesk/backend/internal/service/ai"
	"github.com/zhouzirui/replydesk/backend/internal/service/ingest"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const chatID = "79990001122@c.us"

func testConfig() config.SuggestConfig {
	return config.SuggestConfig{
		WindowSize:          20,
		ClaimTTL:            2 * time.Minute,
		Retention:           30 * time.Minute,
		GenerationTimeout:   5 * time.Second,
		HedgePhrases:        []string{"maybe", "i think", "i'm not sure", "probably"},
		LowConfidenceHedges: 1,
		RetryLengthGain:     0.10,
		Timezone:            "UTC",
		GreetingMarkers:     []string{"hello", "hi", "good morning"},
		ContactReplacements: map[string]string{"@old_school_bot": "@school_help"},
	}
}

type fakeDrafter struct {
	model   string
	replies []string
	err     error
	block   chan struct{}
	onDraft func()

	mu    sync.Mutex
	calls []ai.DraftRequest
}

func (d *fakeDrafter) Draft(ctx context.Context, req ai.DraftRequest) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	idx := len(d.calls) - 1
	d.mu.Unlock()

	if d.onDraft != nil {
		d.onDraft()
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if d.err != nil {
		return "", d.err
	}
	if idx >= len(d.replies) {
		idx = len(d.replies) - 1
	}
	return d.replies[idx], nil
}

func (d *fakeDrafter) Model() string { return d.model }

func (d *fakeDrafter) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDrafter) request(i int) ai.DraftRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

type env struct {
	convs    *repository.ConversationRepository
	messages *repository.MessageRepository
	claims   *repository.ClaimRepository
	ingest   *ingest.Service
	cfg      config.SuggestConfig

	mu  sync.Mutex
	now time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := repotest.NewDB(t)
	e := &env{
		convs:    repository.NewConversationRepository(db),
		messages: repository.NewMessageRepository(db),
		claims:   repository.NewClaimRepository(db),
		cfg:      testConfig(),
		now:      base,
	}
	e.ingest = ingest.NewService(e.convs, e.messages, e.claims, nil)
	return e
}

func (e *env) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *env) setNow(t time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = t
}

func (e *env) handle(t *testing.T, ev gateway.Event) *chat.Conversation {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ingest.Handle(ctx, []gateway.Event{ev}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	conv, err := e.convs.GetByExternal(ctx, chat.ChannelGreen, chatID)
	if err != nil || conv == nil {
		t.Fatalf("conversation missing: %v", err)
	}
	return conv
}

func (e *env) customer(t *testing.T, id, text string, at time.Time) *chat.Conversation {
	t.Helper()
	return e.handle(t, gateway.Event{
		Kind: gateway.KindIncomingText, Channel: chat.ChannelGreen, ChatID: chatID, Phone: "79990001122",
		DisplayName: "Anna", MessageID: id, Text: text, Origin: chat.OriginCustomer, Timestamp: at,
	})
}

func (e *env) voice(t *testing.T, id, ref string, at time.Time) *chat.Conversation {
	t.Helper()
	return e.handle(t, gateway.Event{
		Kind: gateway.KindIncomingMedia, Channel: chat.ChannelGreen, ChatID: chatID, Phone: "79990001122",
		MessageID: id, Origin: chat.OriginCustomer, Timestamp: at,
		Attachment: &gateway.Attachment{Kind: chat.AttachmentAudio, Ref: ref, MIME: "audio/ogg"},
	})
}

func (e *env) operator(t *testing.T, id, text string, at time.Time) *chat.Conversation {
	t.Helper()
	return e.handle(t, gateway.Event{
		Kind: gateway.KindOutgoingEcho, Channel: chat.ChannelGreen, ChatID: chatID,
		MessageID: id, Text: text, Origin: chat.OriginOperator, Timestamp: at,
	})
}

func (e *env) generator(primary, strong Drafter) *Generator {
	return NewGenerator(primary, strong,
		confidence.NewAnalyzer(e.cfg.HedgePhrases, e.cfg.LowConfidenceHedges),
		e.cfg.RetryLengthGain, NewSanitizer(e.cfg.ContactReplacements))
}

func (e *env) coordinator(primary, strong Drafter, transcriber Transcriber) *Coordinator {
	c := NewCoordinator(e.convs, e.messages, e.claims, transcriber, e.generator(primary, strong), nil, e.cfg)
	c.SetClock(e.clock)
	return c
}
