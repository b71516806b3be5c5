package ai

import (
	"context"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

type recordingModel struct {
	reply string
	input []*schema.Message
}

func (m *recordingModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *recordingModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.input = input
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(m.reply, nil)}), nil
}

func TestDraftMapsTurnsToRoles(t *testing.T) {
	fake := &recordingModel{reply: "  Yes, classes start at 9am.  "}
	prompts := NewReplyPromptBuilder(config.SuggestConfig{BusinessName: "Sunrise Language School"})
	svc, err := NewServiceWithModel(context.Background(), fake, "primary", prompts)
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}

	draft, err := svc.Draft(context.Background(), DraftRequest{
		ConversationID: 7,
		Turns: []Turn{
			{Origin: chat.OriginCustomer, Text: "Hi"},
			{Origin: chat.OriginOperator, Text: "Hello! How can we help?"},
			{Origin: chat.OriginCustomer, Text: "Do you have morning classes?"},
		},
		GreetedToday: true,
	})
	if err != nil {
		t.Fatalf("Draft err: %v", err)
	}
	if draft != "Yes, classes start at 9am." {
		t.Fatalf("unexpected draft %q", draft)
	}

	if len(fake.input) != 5 {
		t.Fatalf("expected system + 3 history + instruction, got %d messages", len(fake.input))
	}
	if fake.input[0].Role != schema.System || !strings.Contains(fake.input[0].Content, "Do not open with a greeting") {
		t.Fatalf("system prompt missing no-greeting rule: %q", fake.input[0].Content)
	}
	if fake.input[1].Role != schema.User || fake.input[2].Role != schema.Assistant {
		t.Fatalf("unexpected roles: %s %s", fake.input[1].Role, fake.input[2].Role)
	}
	if svc.Model() != "primary" {
		t.Fatalf("unexpected model name %q", svc.Model())
	}
}

func TestDraftEmptyReply(t *testing.T) {
	fake := &recordingModel{reply: "   "}
	svc, err := NewServiceWithModel(context.Background(), fake, "primary", NewReplyPromptBuilder(config.SuggestConfig{}))
	if err != nil {
		t.Fatalf("NewServiceWithModel err: %v", err)
	}
	if _, err := svc.Draft(context.Background(), DraftRequest{}); err != ErrEmptyDraft {
		t.Fatalf("expected ErrEmptyDraft, got %v", err)
	}
}

func TestSystemPromptGreetsWhenNotGreeted(t *testing.T) {
	prompts := NewReplyPromptBuilder(config.SuggestConfig{BusinessBrief: "Morning classes Mon-Fri 9:00."})
	prompt := prompts.BuildSystemPrompt(DraftRequest{CustomerName: "Alice"})
	if !strings.Contains(prompt, "brief friendly greeting") {
		t.Fatalf("expected greeting instruction, got %q", prompt)
	}
	if !strings.Contains(prompt, "Morning classes Mon-Fri 9:00.") || !strings.Contains(prompt, "Alice") {
		t.Fatalf("expected business notes and name, got %q", prompt)
	}
}
