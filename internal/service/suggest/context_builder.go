package suggest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/analysis/confidence"
	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
	"github.com/zhouzirui/replydesk/backend/internal/service/ai"
)

// VoiceUnavailable replaces a voice note that could not be transcribed.
const VoiceUnavailable = "[voice message unavailable]"

// Transcriber converts a voice message to text.
type Transcriber interface {
	Transcribe(ctx context.Context, msg chat.Message) (string, error)
}

// Window is the conversation snapshot a draft is generated from.
type Window struct {
	Conversation *chat.Conversation
	Messages     []chat.Message
	Texts        []string
	GreetedToday bool
}

// Request converts the window into model turns.
func (w *Window) Request() ai.DraftRequest {
	turns := make([]ai.Turn, 0, len(w.Messages))
	for i, m := range w.Messages {
		if w.Texts[i] == "" {
			continue
		}
		turns = append(turns, ai.Turn{Origin: m.Origin, Text: w.Texts[i], At: m.CreatedAt})
	}
	return ai.DraftRequest{
		ConversationID: w.Conversation.ID,
		CustomerName:   w.Conversation.DisplayName,
		Turns:          turns,
		GreetedToday:   w.GreetedToday,
	}
}

// Entries is the snapshot stored with the claim.
func (w *Window) Entries() []chat.WindowEntry {
	out := make([]chat.WindowEntry, 0, len(w.Messages))
	for i, m := range w.Messages {
		out = append(out, chat.WindowEntry{MessageID: m.ID, Origin: m.Origin, Text: w.Texts[i], At: m.CreatedAt})
	}
	return out
}

// ContextBuilder assembles the last N messages, oldest first.
type ContextBuilder struct {
	messages    *repository.MessageRepository
	transcriber Transcriber
	size        int
	markers     []string
	loc         *time.Location
	now         func() time.Time
}

// NewContextBuilder 创建上下文组装器，transcriber 可为空
func NewContextBuilder(messages *repository.MessageRepository, transcriber Transcriber, cfg config.SuggestConfig) *ContextBuilder {
	markers := make([]string, 0, len(cfg.GreetingMarkers))
	for _, m := range cfg.GreetingMarkers {
		if m = strings.TrimSpace(strings.ToLower(m)); m != "" {
			markers = append(markers, m)
		}
	}
	size := cfg.WindowSize
	if size < 1 {
		size = 20
	}
	return &ContextBuilder{
		messages:    messages,
		transcriber: transcriber,
		size:        size,
		markers:     markers,
		loc:         cfg.Location(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Build loads the window and transcribes voice notes. Transcription failures
// degrade to VoiceUnavailable; only storage errors and cancellation fail.
func (b *ContextBuilder) Build(ctx context.Context, conv *chat.Conversation) (*Window, error) {
	msgs, err := b.messages.Latest(ctx, conv.ID, b.size)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}

	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = b.render(ctx, m)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	greeted, err := b.greetedToday(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &Window{Conversation: conv, Messages: msgs, Texts: texts, GreetedToday: greeted}, nil
}

func (b *ContextBuilder) render(ctx context.Context, m chat.Message) string {
	body := strings.TrimSpace(m.Body)
	if m.IsVoice() {
		transcript := VoiceUnavailable
		if b.transcriber != nil {
			text, err := b.transcriber.Transcribe(ctx, m)
			switch {
			case err == nil && strings.TrimSpace(text) != "":
				transcript = strings.TrimSpace(text)
			case err != nil && !errors.Is(err, context.Canceled):
				log.Printf("[suggest] voice message %d: %v", m.ID, err)
			}
		}
		if body == "" {
			return transcript
		}
		return body + "\n" + transcript
	}
	if body == "" && m.AttachmentKind != chat.AttachmentNone {
		return "[" + string(m.AttachmentKind) + "]"
	}
	return body
}

// greetedToday scans today's outbound messages, in the business timezone,
// for greeting markers.
func (b *ContextBuilder) greetedToday(ctx context.Context, conversationID int64) (bool, error) {
	if len(b.markers) == 0 {
		return false, nil
	}
	local := b.now().In(b.loc)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.loc).UTC()

	sent, err := b.messages.OutboundSince(ctx, conversationID, startOfDay)
	if err != nil {
		return false, fmt.Errorf("load outbound: %w", err)
	}
	for _, m := range sent {
		if IsGreeting(m.Body, b.markers) {
			return true, nil
		}
	}
	return false, nil
}

// IsGreeting reports whether text contains one of the markers as whole words.
func IsGreeting(text string, markers []string) bool {
	for _, m := range markers {
		if confidence.ContainsPhrase(text, m) {
			return true
		}
	}
	return false
}
