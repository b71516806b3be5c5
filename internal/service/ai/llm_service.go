package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

// ErrEmptyDraft is returned when the model answers with no text.
var ErrEmptyDraft = errors.New("ai: empty draft")

// Turn is one conversation entry handed to the model.
type Turn struct {
	Origin chat.Origin
	Text   string
	At     time.Time
}

// DraftRequest carries everything the model sees for one suggestion.
type DraftRequest struct {
	ConversationID int64
	CustomerName   string
	Turns          []Turn
	GreetedToday   bool
	Escalated      bool
}

// Service drafts replies through one eino chain bound to one model.
type Service struct {
	modelName string
	prompts   *ReplyPromptBuilder
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds a chain for modelName using the Ark credentials in cfg.
func NewService(ctx context.Context, cfg config.AIConfig, modelName string, prompts *ReplyPromptBuilder) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	if modelName == "" {
		modelName = cfg.Model
	}
	return NewServiceWithModel(ctx, chatModel, modelName, prompts)
}

// NewServiceWithModel compiles the reply chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, modelName string, prompts *ReplyPromptBuilder) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reply chain: %w", err)
	}

	return &Service{
		modelName: modelName,
		prompts:   prompts,
		chain:     runnable,
	}, nil
}

// Model 返回链路绑定的模型名称
func (s *Service) Model() string { return s.modelName }

// Draft generates one reply suggestion for the conversation window.
func (s *Service) Draft(ctx context.Context, req DraftRequest) (string, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(req))
	if err != nil {
		return "", fmt.Errorf("failed to run reply chain: %w", err)
	}

	text := strings.TrimSpace(response.Content)
	if text == "" {
		return "", ErrEmptyDraft
	}

	log.Printf("[ai] drafted reply conversation=%d model=%s escalated=%v length=%d",
		req.ConversationID, s.modelName, req.Escalated, len(text))
	return text, nil
}

func (s *Service) buildChainInput(req DraftRequest) map[string]any {
	return map[string]any{
		"system":  s.prompts.BuildSystemPrompt(req),
		"history": buildHistoryMessages(req.Turns),
		"query":   s.prompts.BuildInstruction(req),
	}
}

// buildHistoryMessages maps customers to the user role and everything the
// business sent to the assistant role. Consecutive entries stay separate.
func buildHistoryMessages(turns []Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		switch turn.Origin {
		case chat.OriginCustomer:
			history = append(history, schema.UserMessage(text))
		default:
			history = append(history, schema.AssistantMessage(text, nil))
		}
	}
	return history
}
