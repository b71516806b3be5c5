package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/zhouzirui/replydesk/backend/internal/gateway"
	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

// matchStrength orders the contact lookups; handle is the key future
// lookups should hit.
type matchStrength int

const (
	matchNone matchStrength = iota
	matchRawPhone
	matchHandle
	matchPhoneRef
)

// Resolver maps an external chat identifier to a durable conversation.
type Resolver struct {
	convs *repository.ConversationRepository
}

// NewResolver 创建会话解析器
func NewResolver(convs *repository.ConversationRepository) *Resolver {
	return &Resolver{convs: convs}
}

// Resolve returns the conversation for ev.ChatID, creating it when absent.
// Concurrent calls for one chat converge on a single row.
func (r *Resolver) Resolve(ctx context.Context, ev gateway.Event) (*chat.Conversation, error) {
	if ev.ChatID == "" {
		return nil, fmt.Errorf("%w: event without chat id", gateway.ErrUnsupportedPayload)
	}

	existing, err := r.convs.GetByExternal(ctx, ev.Channel, ev.ChatID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ContactID != nil {
		return existing, nil
	}

	contact, strength, err := r.findContact(ctx, ev)
	if err != nil {
		return nil, err
	}
	if contact != nil && strength != matchHandle && contact.ChatHandle == "" {
		if err := r.convs.BackfillHandle(ctx, contact.ID, ev.ChatID); err != nil {
			return nil, err
		}
		log.Printf("[ingest] backfilled chat handle contact=%d handle=%s", contact.ID, ev.ChatID)
	}

	conv := existing
	if conv == nil {
		candidate := &chat.Conversation{
			Channel:     ev.Channel,
			ExternalID:  ev.ChatID,
			DisplayName: ev.DisplayName,
		}
		if contact != nil {
			candidate.ContactID = &contact.ID
		}
		var created bool
		conv, created, err = r.convs.InsertOrFetch(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if created {
			log.Printf("[ingest] new conversation id=%d channel=%s chat=%s", conv.ID, conv.Channel, conv.ExternalID)
		}
	}

	if contact != nil && conv.ContactID == nil {
		if err := r.convs.LinkContact(ctx, conv.ID, contact.ID); err != nil {
			return nil, err
		}
		conv.ContactID = &contact.ID
	}
	return conv, nil
}

// findContact tries the phone cross-reference, then the stored chat
// handle, then the free-form contact phone.
func (r *Resolver) findContact(ctx context.Context, ev gateway.Event) (*chat.Contact, matchStrength, error) {
	phone := ev.Phone
	if phone != "" {
		contact, err := r.convs.ContactByPhoneRef(ctx, phone)
		if err != nil || contact != nil {
			return contact, matchPhoneRef, err
		}
	}

	contact, err := r.convs.ContactByHandle(ctx, ev.ChatID)
	if err != nil || contact != nil {
		return contact, matchHandle, err
	}

	if phone != "" {
		contact, err := r.convs.ContactByRawPhone(ctx, phone, "+"+phone)
		if err != nil || contact != nil {
			return contact, matchRawPhone, err
		}
	}
	return nil, matchNone, nil
}
