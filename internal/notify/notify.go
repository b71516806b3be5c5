// Package notify 向操作员界面广播建议状态变化。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zhouzirui/replydesk/backend/internal/config"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
)

// SuggestionEvent is published whenever a claim reaches a status an
// operator UI cares about.
type SuggestionEvent struct {
	ConversationID int64            `json:"conversationId"`
	ClaimID        string           `json:"claimId"`
	Status         chat.ClaimStatus `json:"status"`
	Model          string           `json:"model,omitempty"`
	Escalated      bool             `json:"escalated"`
	At             time.Time        `json:"at"`
}

// Publisher delivers suggestion events; failures never block the pipeline.
type Publisher interface {
	Publish(ctx context.Context, ev SuggestionEvent) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, SuggestionEvent) error { return nil }

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes JSON events on one subject suffixed by status,
// e.g. replydesk.suggestions.ready.
type NATSPublisher struct {
	conn    natsConn
	subject string
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(conn natsConn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// Connect dials the configured server.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	log.Printf("[notify] connecting to NATS at %s", cfg.URL)
	nc, err := nats.Connect(cfg.URL,
		nats.Name("replydesk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func (p *NATSPublisher) Publish(_ context.Context, ev SuggestionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	subject := p.subject + "." + string(ev.Status)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
