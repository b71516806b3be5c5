package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/replydesk/backend/internal/config"
)

// ReplyPromptBuilder renders the system prompt for reply drafting.
type ReplyPromptBuilder struct {
	businessName  string
	businessBrief string
	rules         []string
}

// NewReplyPromptBuilder 根据业务配置创建提示词构建器
func NewReplyPromptBuilder(cfg config.SuggestConfig) *ReplyPromptBuilder {
	name := strings.TrimSpace(cfg.BusinessName)
	if name == "" {
		name = "the business"
	}
	return &ReplyPromptBuilder{
		businessName:  name,
		businessBrief: strings.TrimSpace(cfg.BusinessBrief),
		rules: []string{
			"Write exactly one WhatsApp message addressed to the customer.",
			"Answer every question the customer asked since the last reply from the business.",
			"Keep it short and conversational, no markdown, no lists unless the customer asked for options.",
			"Never invent prices, schedules or availability that do not appear in the business notes or the conversation.",
			"If information is missing, say a colleague will confirm and ask one clarifying question.",
			"Reply in the language the customer used most recently.",
		},
	}
}

// BuildSystemPrompt creates the system prompt for one draft.
func (b *ReplyPromptBuilder) BuildSystemPrompt(req DraftRequest) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "You draft replies for %s's customer chat. A human operator reviews every draft before it is sent.\n", b.businessName)

	if b.businessBrief != "" {
		builder.WriteString("\nBusiness notes:\n")
		builder.WriteString(b.businessBrief)
		builder.WriteString("\n")
	}

	builder.WriteString("\nRules:\n- ")
	builder.WriteString(strings.Join(b.rules, "\n- "))

	if req.GreetedToday {
		builder.WriteString("\n- The customer was already greeted today. Do not open with a greeting or introduce yourself again.")
	} else {
		builder.WriteString("\n- Open with a brief friendly greeting.")
	}
	if req.CustomerName != "" {
		fmt.Fprintf(&builder, "\n\nThe customer's name is %s.", req.CustomerName)
	}
	return builder.String()
}

// BuildInstruction is the final user turn that asks for the draft.
func (b *ReplyPromptBuilder) BuildInstruction(req DraftRequest) string {
	if req.Escalated {
		return "Draft the next reply to the customer. Be specific and answer directly; avoid hedging unless the information is genuinely unknown."
	}
	return "Draft the next reply to the customer."
}
