package suggest

import (
	"context"
	"log"

	"github.com/zhouzirui/replydesk/backend/internal/analysis/confidence"
	"github.com/zhouzirui/replydesk/backend/internal/service/ai"
)

// Drafter produces one reply draft with a fixed model.
type Drafter interface {
	Draft(ctx context.Context, req ai.DraftRequest) (string, error)
	Model() string
}

// Draft is the generator's final output.
type Draft struct {
	Text       string
	Model      string
	Escalated  bool
	Confidence confidence.Decision
}

// Generator drafts with the primary model and escalates a low-confidence
// draft to the strong model exactly once.
type Generator struct {
	primary    Drafter
	strong     Drafter
	analyzer   *confidence.Analyzer
	lengthGain float64
	sanitizer  *Sanitizer
}

// NewGenerator 创建生成器；strong 为空时不做升级重试
func NewGenerator(primary, strong Drafter, analyzer *confidence.Analyzer, lengthGain float64, sanitizer *Sanitizer) *Generator {
	if sanitizer == nil {
		sanitizer = NewSanitizer(nil)
	}
	return &Generator{
		primary:    primary,
		strong:     strong,
		analyzer:   analyzer,
		lengthGain: lengthGain,
		sanitizer:  sanitizer,
	}
}

// Generate returns the sanitized draft. A failing primary call fails the
// whole generation; a failing retry keeps the original.
func (g *Generator) Generate(ctx context.Context, req ai.DraftRequest) (*Draft, error) {
	text, err := g.primary.Draft(ctx, req)
	if err != nil {
		return nil, err
	}
	decision := g.analyzer.Analyze(text)
	out := &Draft{Text: text, Model: g.primary.Model(), Confidence: decision}

	if decision.Level == confidence.Low && g.strong != nil {
		out.Escalated = true
		log.Printf("[suggest] low confidence draft conversation=%d hedges=%d %v, retrying with %s",
			req.ConversationID, decision.Hedges, decision.Matched, g.strong.Model())

		retryReq := req
		retryReq.Escalated = true
		retry, err := g.strong.Draft(ctx, retryReq)
		if err != nil {
			log.Printf("[suggest] escalation failed conversation=%d: %v, keeping original", req.ConversationID, err)
		} else {
			retryDecision := g.analyzer.Analyze(retry)
			if g.adopt(text, retry, retryDecision) {
				out.Text = retry
				out.Model = g.strong.Model()
				out.Confidence = retryDecision
			} else {
				log.Printf("[suggest] escalated draft not better conversation=%d, keeping original", req.ConversationID)
			}
		}
	}

	out.Text = g.sanitizer.Clean(out.Text)
	if out.Text == "" {
		return nil, ai.ErrEmptyDraft
	}
	return out, nil
}

// adopt keeps the retry only when it is confident or meaningfully longer.
func (g *Generator) adopt(original, retry string, decision confidence.Decision) bool {
	if decision.Level == confidence.High {
		return true
	}
	return float64(len([]rune(retry))) > float64(len([]rune(original)))*(1+g.lengthGain)
}
