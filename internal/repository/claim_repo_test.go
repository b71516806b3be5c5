package repository_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/repository"
	"github.com/zhouzirui/replydesk/backend/internal/repository/repotest"
)

func newClaim(conversationID int64, now time.Time, ttl time.Duration) *chat.SuggestionClaim {
	return &chat.SuggestionClaim{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Status:         chat.ClaimClaimed,
		Draft:          chat.ClaimPlaceholder,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

func TestInsertIfNoneActiveIsSingleFlight(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	conv := seedConversation(t, repository.NewConversationRepository(db))
	claims := repository.NewClaimRepository(db)

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := claims.InsertIfNoneActive(ctx, newClaim(conv.ID, base, 2*time.Minute))
			if err != nil {
				t.Errorf("InsertIfNoneActive err: %v", err)
				return
			}
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestTerminalClaimsDoNotBlock(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	conv := seedConversation(t, repository.NewConversationRepository(db))
	claims := repository.NewClaimRepository(db)

	first := newClaim(conv.ID, base, time.Minute)
	if ok, err := claims.InsertIfNoneActive(ctx, first); err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err := claims.MarkReady(ctx, first.ID, "draft", "primary", false, nil, base.Add(30*time.Minute))
	if err != nil || !ok {
		t.Fatalf("MarkReady: ok=%v err=%v", ok, err)
	}
	if ok, _ := claims.InsertIfNoneActive(ctx, newClaim(conv.ID, base, time.Minute)); ok {
		t.Fatal("ready claim must block a new claim")
	}

	if ok, err := claims.Transition(ctx, first.ID, chat.ClaimReady, chat.ClaimRejected, base); err != nil || !ok {
		t.Fatalf("Transition: ok=%v err=%v", ok, err)
	}
	if ok, err := claims.InsertIfNoneActive(ctx, newClaim(conv.ID, base, time.Minute)); err != nil || !ok {
		t.Fatalf("claim after reject: ok=%v err=%v", ok, err)
	}
}

func TestReleaseStale(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	conv := seedConversation(t, repository.NewConversationRepository(db))
	claims := repository.NewClaimRepository(db)

	stale := newClaim(conv.ID, base, 2*time.Minute)
	if ok, err := claims.InsertIfNoneActive(ctx, stale); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}

	n, err := claims.ReleaseStale(ctx, conv.ID, base.Add(time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("fresh claim released: n=%d err=%v", n, err)
	}

	n, err = claims.ReleaseStale(ctx, conv.ID, base.Add(3*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("stale claim not released: n=%d err=%v", n, err)
	}
	got, err := claims.GetByID(ctx, stale.ID)
	if err != nil || got != nil {
		t.Fatalf("expected claimed row deleted, got %+v err=%v", got, err)
	}
}

func TestSweepExpiresReadyClaims(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	conv := seedConversation(t, repository.NewConversationRepository(db))
	claims := repository.NewClaimRepository(db)

	claim := newClaim(conv.ID, base, time.Minute)
	if ok, err := claims.InsertIfNoneActive(ctx, claim); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if ok, err := claims.MarkReady(ctx, claim.ID, "draft", "primary", false, nil, base.Add(10*time.Minute)); err != nil || !ok {
		t.Fatalf("MarkReady: ok=%v err=%v", ok, err)
	}

	n, err := claims.Sweep(ctx, base.Add(11*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("Sweep: n=%d err=%v", n, err)
	}
	got, err := claims.GetByID(ctx, claim.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID: %v %v", got, err)
	}
	if got.Status != chat.ClaimExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	active, err := claims.Active(ctx, conv.ID)
	if err != nil || active != nil {
		t.Fatalf("expected no active claim, got %+v err=%v", active, err)
	}
}

func TestMarkReadyAfterDeleteReportsLost(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	conv := seedConversation(t, repository.NewConversationRepository(db))
	claims := repository.NewClaimRepository(db)

	claim := newClaim(conv.ID, base, time.Minute)
	if ok, err := claims.InsertIfNoneActive(ctx, claim); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if _, err := claims.SupersedeActive(ctx, conv.ID, base); err != nil {
		t.Fatalf("SupersedeActive err: %v", err)
	}
	ok, err := claims.MarkReady(ctx, claim.ID, "draft", "primary", false, nil, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkReady err: %v", err)
	}
	if ok {
		t.Fatal("expected MarkReady to fail for a superseded claim")
	}
}

func TestMoveToSendingHasOneWinnerAndStaysActive(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()
	conv := seedConversation(t, repository.NewConversationRepository(db))
	claims := repository.NewClaimRepository(db)

	claim := newClaim(conv.ID, base, time.Minute)
	if ok, err := claims.InsertIfNoneActive(ctx, claim); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	if ok, err := claims.MarkReady(ctx, claim.ID, "draft", "primary", false, nil, base.Add(10*time.Minute)); err != nil || !ok {
		t.Fatalf("MarkReady: ok=%v err=%v", ok, err)
	}

	if ok, err := claims.Move(ctx, claim.ID, chat.ClaimReady, chat.ClaimSending); err != nil || !ok {
		t.Fatalf("first move: ok=%v err=%v", ok, err)
	}
	if ok, _ := claims.Move(ctx, claim.ID, chat.ClaimReady, chat.ClaimSending); ok {
		t.Fatal("second move from ready must lose")
	}
	if ok, _ := claims.InsertIfNoneActive(ctx, newClaim(conv.ID, base, time.Minute)); ok {
		t.Fatal("sending claim must block a new claim")
	}
	got, _ := claims.GetByID(ctx, claim.ID)
	if got.ResolvedAt != nil {
		t.Fatalf("sending claim must stay unresolved, got %v", got.ResolvedAt)
	}

	n, err := claims.Sweep(ctx, base.Add(11*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("stuck sending claim not expired: n=%d err=%v", n, err)
	}
}
