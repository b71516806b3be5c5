package chat

import "time"

// Channel identifies the gateway provider a conversation arrives on.
type Channel string

const (
	ChannelCloud Channel = "cloud"
	ChannelGreen Channel = "green"
)

// Conversation is one ongoing dialogue with one external contact on one channel.
// (channel, external_id) is unique; rows are never deleted here.
type Conversation struct {
	ID            int64      `gorm:"primaryKey" json:"id"`
	Channel       Channel    `gorm:"size:32;not null;uniqueIndex:ux_conversations_channel_external,priority:1" json:"channel"`
	ExternalID    string     `gorm:"size:128;not null;uniqueIndex:ux_conversations_channel_external,priority:2" json:"externalId"`
	ContactID     *int64     `gorm:"index" json:"contactId,omitempty"`
	DisplayName   string     `gorm:"size:255" json:"displayName"`
	LastInboundAt *time.Time `json:"lastInboundAt,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定表名
func (Conversation) TableName() string { return "conversations" }

// Contact is the CRM record a conversation may be linked to.
// ChatHandle is backfilled once a weaker match has been confirmed.
type Contact struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	Name       string    `gorm:"size:255" json:"name"`
	Phone      string    `gorm:"size:64;index" json:"phone"`
	ChatHandle string    `gorm:"size:128;index" json:"chatHandle"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定表名
func (Contact) TableName() string { return "contacts" }

// ContactPhone is the explicit phone cross-reference; Phone holds digits only.
type ContactPhone struct {
	ID        int64  `gorm:"primaryKey"`
	ContactID int64  `gorm:"not null;index"`
	Phone     string `gorm:"size:32;not null;uniqueIndex"`
}

// TableName 指定表名
func (ContactPhone) TableName() string { return "contact_phones" }
