package chat

import (
	"time"

	"gorm.io/datatypes"
)

// ClaimStatus tracks a suggestion claim through its lifecycle.
type ClaimStatus string

const (
	ClaimClaimed    ClaimStatus = "claimed"
	ClaimReady      ClaimStatus = "ready"
	ClaimSending    ClaimStatus = "sending"
	ClaimApproved   ClaimStatus = "approved"
	ClaimRejected   ClaimStatus = "rejected"
	ClaimSuperseded ClaimStatus = "superseded"
	ClaimExpired    ClaimStatus = "expired"
)

// ActiveClaimStatuses are covered by the partial unique index on conversation_id.
var ActiveClaimStatuses = []ClaimStatus{ClaimClaimed, ClaimReady, ClaimSending}

// Active reports whether the status blocks a new claim.
func (s ClaimStatus) Active() bool {
	return s == ClaimClaimed || s == ClaimReady || s == ClaimSending
}

// ClaimPlaceholder is the payload a claim holds until a draft exists.
const ClaimPlaceholder = "..."

// SuggestionClaim is the storage-backed lease for drafting one reply.
type SuggestionClaim struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	ConversationID int64          `gorm:"not null;index" json:"conversationId"`
	Status         ClaimStatus    `gorm:"size:16;not null;index" json:"status"`
	Draft          string         `gorm:"type:text" json:"draft"`
	Model          string         `gorm:"size:128" json:"model,omitempty"`
	Escalated      bool           `json:"escalated"`
	Window         datatypes.JSON `json:"window,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"createdAt"`
	ExpiresAt      time.Time      `gorm:"not null;index" json:"expiresAt"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
}

// TableName 指定表名
func (SuggestionClaim) TableName() string { return "suggestion_claims" }

// WindowEntry is one message of the snapshot a draft was generated from.
type WindowEntry struct {
	MessageID int64     `json:"messageId"`
	Origin    Origin    `json:"origin"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}
