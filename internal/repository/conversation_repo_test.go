package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
	"github.com/zhouzirui/replydesk/backend/internal/repository/repotest"
)

func TestInsertOrFetchConcurrent(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	convs := repository.NewConversationRepository(db)

	ids := make(chan int64, 6)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, _, err := convs.InsertOrFetch(ctx, &chat.Conversation{
				Channel:    chat.ChannelCloud,
				ExternalID: "15551234567",
			})
			if err != nil {
				t.Errorf("InsertOrFetch err: %v", err)
				return
			}
			ids <- conv.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first int64
	for id := range ids {
		if first == 0 {
			first = id
		}
		if id != first {
			t.Fatalf("expected one conversation, got ids %d and %d", first, id)
		}
	}
}

func TestTouchInboundNeverMovesBack(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	convs := repository.NewConversationRepository(db)
	conv := seedConversation(t, convs)

	if err := convs.TouchInbound(ctx, conv.ID, base.Add(10*time.Second)); err != nil {
		t.Fatalf("TouchInbound err: %v", err)
	}
	if err := convs.TouchInbound(ctx, conv.ID, base); err != nil {
		t.Fatalf("TouchInbound err: %v", err)
	}

	last, err := convs.LastInboundAt(ctx, conv.ID)
	if err != nil {
		t.Fatalf("LastInboundAt err: %v", err)
	}
	if !last.Equal(base.Add(10 * time.Second)) {
		t.Fatalf("unexpected last inbound: %v", last)
	}
}

func TestContactLookups(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	convs := repository.NewConversationRepository(db)

	contact := &chat.Contact{Name: "Alice", Phone: "+7 999 000-11-22"}
	if err := convs.CreateContact(ctx, contact, "79990001122"); err != nil {
		t.Fatalf("CreateContact err: %v", err)
	}

	got, err := convs.ContactByPhoneRef(ctx, "79990001122")
	if err != nil || got == nil || got.ID != contact.ID {
		t.Fatalf("ContactByPhoneRef: %+v err=%v", got, err)
	}

	if err := convs.BackfillHandle(ctx, contact.ID, "79990001122@c.us"); err != nil {
		t.Fatalf("BackfillHandle err: %v", err)
	}
	if err := convs.BackfillHandle(ctx, contact.ID, "other@c.us"); err != nil {
		t.Fatalf("BackfillHandle err: %v", err)
	}
	got, err = convs.ContactByHandle(ctx, "79990001122@c.us")
	if err != nil || got == nil || got.ID != contact.ID {
		t.Fatalf("ContactByHandle: %+v err=%v", got, err)
	}

	got, err = convs.ContactByRawPhone(ctx, "+7 999 000-11-22")
	if err != nil || got == nil {
		t.Fatalf("ContactByRawPhone: %+v err=%v", got, err)
	}
	missing, err := convs.ContactByPhoneRef(ctx, "000")
	if err != nil || missing != nil {
		t.Fatalf("expected no match, got %+v err=%v", missing, err)
	}
}
