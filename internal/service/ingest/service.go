// Package ingest 负责 webhook 事件入库：解析会话、去重记录消息、更新投递状态，
// 并在客户新消息到达时通知静默期调度器。
package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

// Trigger is notified of every newly recorded customer message. It must not
// block.
type Trigger interface {
	Notify(conversationID int64)
}

// Result summarizes one webhook delivery.
type Result struct {
	Recorded   int `json:"recorded"`
	Duplicates int `json:"duplicates"`
	Statuses   int `json:"statuses"`
	Unmatched  int `json:"unmatched"`
	Ignored    int `json:"ignored"`
}

// Service runs the ingestion pipeline for canonical events.
type Service struct {
	resolver *Resolver
	recorder *Recorder
	messages *repository.MessageRepository
	claims   *repository.ClaimRepository
	trigger  Trigger
	now      func() time.Time
}

// NewService 创建入库服务
func NewService(
	convs *repository.ConversationRepository,
	messages *repository.MessageRepository,
	claims *repository.ClaimRepository,
	trigger Trigger,
) *Service {
	return &Service{
		resolver: NewResolver(convs),
		recorder: NewRecorder(messages, convs),
		messages: messages,
		claims:   claims,
		trigger:  trigger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes events in delivery order. A storage error aborts the
// delivery so the provider retries; already stored events dedupe on retry.
func (s *Service) Handle(ctx context.Context, events []gateway.Event) (Result, error) {
	var res Result
	for _, ev := range events {
		switch ev.Kind {
		case gateway.KindIncomingText, gateway.KindIncomingMedia, gateway.KindOutgoingEcho:
			created, err := s.handleMessage(ctx, ev)
			if err != nil {
				return res, fmt.Errorf("record %s message %s: %w", ev.Channel, ev.MessageID, err)
			}
			if created {
				res.Recorded++
			} else {
				res.Duplicates++
			}
		case gateway.KindDeliveryStatus:
			outcome, err := s.messages.AdvanceStatus(ctx, ev.Channel, ev.MessageID, ev.Status)
			if err != nil {
				return res, fmt.Errorf("status %s message %s: %w", ev.Channel, ev.MessageID, err)
			}
			switch outcome {
			case repository.StatusAdvanced:
				res.Statuses++
			case repository.StatusUnmatched:
				// the callback can beat RecordOutbound after an approval
				log.Printf("[ingest] %s status %s for unknown message %s", ev.Channel, ev.Status, ev.MessageID)
				res.Unmatched++
			}
		default:
			log.Printf("[ingest] dropped unhandled %s event subtype=%s id=%s", ev.Channel, ev.Subtype, ev.MessageID)
			res.Ignored++
		}
	}
	return res, nil
}

func (s *Service) handleMessage(ctx context.Context, ev gateway.Event) (bool, error) {
	conv, err := s.resolver.Resolve(ctx, ev)
	if err != nil {
		return false, err
	}
	msg, created, err := s.recorder.Record(ctx, conv, ev)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	switch msg.Origin {
	case chat.OriginCustomer:
		if s.trigger != nil {
			s.trigger.Notify(conv.ID)
		}
	case chat.OriginOperator:
		n, err := s.claims.SupersedeActive(ctx, conv.ID, s.now())
		if err != nil {
			return true, err
		}
		if n > 0 {
			log.Printf("[ingest] operator replied conversation=%d, superseded active suggestion", conv.ID)
		}
	}
	return true, nil
}

// RecordOutbound stores a message the business sent through the API itself.
func (s *Service) RecordOutbound(ctx context.Context, conv *chat.Conversation, externalID, text string, origin chat.Origin) (*chat.Message, error) {
	ev := gateway.Event{
		Kind:      gateway.KindOutgoingEcho,
		Channel:   conv.Channel,
		ChatID:    conv.ExternalID,
		MessageID: externalID,
		Text:      text,
		Origin:    origin,
		Timestamp: s.now(),
	}
	msg, _, err := s.recorder.Record(ctx, conv, ev)
	return msg, err
}
