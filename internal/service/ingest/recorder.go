package ingest

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

// Recorder persists canonical events as immutable messages.
type Recorder struct {
	messages *repository.MessageRepository
	convs    *repository.ConversationRepository
	now      func() time.Time
}

// NewRecorder 创建消息记录器
func NewRecorder(messages *repository.MessageRepository, convs *repository.ConversationRepository) *Recorder {
	return &Recorder{messages: messages, convs: convs, now: func() time.Time { return time.Now().UTC() }}
}

// Record stores ev once per (channel, message id). A redelivery returns the
// stored row with created=false and has no side effects.
func (r *Recorder) Record(ctx context.Context, conv *chat.Conversation, ev gateway.Event) (*chat.Message, bool, error) {
	msg := r.toMessage(conv, ev)
	stored, created, err := r.messages.Record(ctx, msg)
	if err != nil {
		return nil, false, err
	}
	if created && stored.Origin == chat.OriginCustomer {
		if err := r.convs.TouchInbound(ctx, conv.ID, stored.CreatedAt); err != nil {
			return stored, created, err
		}
	}
	return stored, created, nil
}

func (r *Recorder) toMessage(conv *chat.Conversation, ev gateway.Event) *chat.Message {
	at := ev.Timestamp
	if at.IsZero() {
		at = r.now()
	}

	msg := &chat.Message{
		ConversationID: conv.ID,
		Channel:        conv.Channel,
		Direction:      chat.DirectionInbound,
		Origin:         ev.Origin,
		Body:           ev.Text,
		CreatedAt:      at.UTC(),
	}
	if ev.Kind == gateway.KindOutgoingEcho {
		msg.Direction = chat.DirectionOutbound
		if msg.Origin == chat.OriginCustomer || msg.Origin == "" {
			msg.Origin = chat.OriginOperator
		}
	} else if msg.Origin == "" {
		msg.Origin = chat.OriginCustomer
	}
	if ev.MessageID != "" {
		id := ev.MessageID
		msg.ExternalID = &id
	}
	if ev.Attachment != nil {
		msg.AttachmentKind = ev.Attachment.Kind
		msg.AttachmentRef = ev.Attachment.Ref
		msg.AttachmentMIME = ev.Attachment.MIME
	}
	if len(ev.Raw) > 0 {
		msg.Raw = datatypes.JSON(ev.Raw)
	}
	return msg
}
