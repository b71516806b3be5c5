package chat

import (
	"time"

	"gorm.io/datatypes"
)

// Direction of a message relative to the business.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Origin records who authored a message.
type Origin string

const (
	OriginCustomer Origin = "customer"
	OriginOperator Origin = "operator"
	OriginSystem   Origin = "system"
)

// DeliveryStatus is reported asynchronously by the gateway.
type DeliveryStatus string

const (
	StatusNone      DeliveryStatus = ""
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders statuses so that updates only move forward. Failed is terminal.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusFailed:
		return 4
	default:
		return 0
	}
}

// AttachmentKind classifies a media reference.
type AttachmentKind string

const (
	AttachmentNone     AttachmentKind = ""
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
)

// Message persists one immutable turn of a conversation. Only Status changes
// after insert. CreatedAt is the provider's event time, not processing time.
// ExternalID is nullable so locally authored rows never collide.
type Message struct {
	ID             int64          `gorm:"primaryKey" json:"id"`
	ConversationID int64          `gorm:"not null;index:ix_messages_conversation_created,priority:1" json:"conversationId"`
	Channel        Channel        `gorm:"size:32;not null;uniqueIndex:ux_messages_channel_external,priority:1" json:"channel"`
	ExternalID     *string        `gorm:"size:191;uniqueIndex:ux_messages_channel_external,priority:2" json:"externalId,omitempty"`
	Direction      Direction      `gorm:"size:16;not null" json:"direction"`
	Origin         Origin         `gorm:"size:16;not null;index" json:"origin"`
	Body           string         `gorm:"type:text" json:"body"`
	AttachmentKind AttachmentKind `gorm:"size:16" json:"attachmentKind,omitempty"`
	AttachmentRef  string         `gorm:"size:512" json:"attachmentRef,omitempty"`
	AttachmentMIME string         `gorm:"size:128" json:"attachmentMime,omitempty"`
	Status         DeliveryStatus `gorm:"size:16" json:"status,omitempty"`
	Raw            datatypes.JSON `json:"-"`
	CreatedAt      time.Time      `gorm:"not null;index:ix_messages_conversation_created,priority:2" json:"createdAt"`
}

// TableName 指定表名
func (Message) TableName() string { return "messages" }

// IsVoice reports whether the message carries audio that needs transcription.
func (m Message) IsVoice() bool {
	return m.AttachmentKind == AttachmentAudio && m.AttachmentRef != ""
}
