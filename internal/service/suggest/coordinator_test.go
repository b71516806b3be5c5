package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/model/chat"
	"github.com/zhouzirui/replydesk/backend/internal/service/quiet"
)

func TestScenarioTwoMessagesOneSuggestion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	conv := e.customer(t, "m1", "Hi", base)
	e.customer(t, "m2", "Do you have morning classes?", base.Add(5*time.Second))

	fireAt := quiet.Deadline(base, base.Add(5*time.Second), 30*time.Second, 2*time.Minute)
	if !fireAt.Equal(base.Add(35 * time.Second)) {
		t.Fatalf("expected fire at t=35s, got %s", fireAt.Sub(base))
	}
	e.setNow(fireAt)

	primary := &fakeDrafter{model: "doubao-lite", replies: []string{"Hello Anna! Yes, morning classes start at 9:00 [1]."}}
	c := e.coordinator(primary, nil, nil)

	claim, err := c.Run(ctx, conv.ID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if claim.Status != chat.ClaimReady {
		t.Fatalf("status = %s", claim.Status)
	}
	if claim.Draft != "Hello Anna! Yes, morning classes start at 9:00." {
		t.Fatalf("draft = %q", claim.Draft)
	}
	if !claim.ExpiresAt.Equal(fireAt.Add(30 * time.Minute)) {
		t.Fatalf("expires at %s", claim.ExpiresAt)
	}

	req := primary.request(0)
	if len(req.Turns) != 2 || req.Turns[0].Text != "Hi" || req.Turns[1].Text != "Do you have morning classes?" {
		t.Fatalf("unexpected turns %+v", req.Turns)
	}
	if req.GreetedToday {
		t.Fatal("no greeting was sent today")
	}

	stored, err := e.claims.Active(ctx, conv.ID)
	if err != nil || stored == nil {
		t.Fatalf("active claim missing: %v", err)
	}
	var entries []chat.WindowEntry
	if err := json.Unmarshal(stored.Window, &entries); err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two-message window, got %d", len(entries))
	}

	if _, err := c.Run(ctx, conv.ID); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second cycle must observe the ready suggestion, got %v", err)
	}
	if primary.callCount() != 1 {
		t.Fatalf("expected a single generation, got %d", primary.callCount())
	}
}

func TestConcurrentRunsSingleFlight(t *testing.T) {
	e := newEnv(t)
	conv := e.customer(t, "m1", "Is there parking?", base)
	e.setNow(base.Add(30 * time.Second))

	primary := &fakeDrafter{model: "m", replies: []string{"Yes, free parking behind the building."}, block: make(chan struct{})}
	c := e.coordinator(primary, nil, nil)

	const n = 8
	type result struct {
		claim *chat.SuggestionClaim
		err   error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			claim, err := c.Run(context.Background(), conv.ID)
			results <- result{claim, err}
		}()
	}

	for i := 0; i < n-1; i++ {
		select {
		case r := <-results:
			if !errors.Is(r.err, ErrAlreadyActive) {
				t.Fatalf("loser %d: expected ErrAlreadyActive, got claim=%v err=%v", i, r.claim, r.err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("losers did not return")
		}
	}
	close(primary.block)

	select {
	case r := <-results:
		if r.err != nil || r.claim.Status != chat.ClaimReady {
			t.Fatalf("winner: claim=%v err=%v", r.claim, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("winner did not return")
	}
	if primary.callCount() != 1 {
		t.Fatalf("expected exactly one generation, got %d", primary.callCount())
	}
}

func TestRunPreemptedBeforeGeneration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv := e.customer(t, "m1", "Can I reschedule?", base)
	e.operator(t, "o1", "Sure, which day suits you?", base.Add(10*time.Second))

	primary := &fakeDrafter{model: "m", replies: []string{"x"}}
	c := e.coordinator(primary, nil, nil)
	if _, err := c.Run(ctx, conv.ID); !errors.Is(err, ErrPreempted) {
		t.Fatalf("expected ErrPreempted, got %v", err)
	}
	if primary.callCount() != 0 {
		t.Fatal("generation must not start after an operator reply")
	}
	if active, _ := e.claims.Active(ctx, conv.ID); active != nil {
		t.Fatalf("claim left behind: %+v", active)
	}
}

func TestRunPreemptedDuringGeneration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv := e.customer(t, "m1", "What does a trial cost?", base)

	primary := &fakeDrafter{model: "m", replies: []string{"The trial lesson is free."}}
	primary.onDraft = func() {
		e.operator(t, "o1", "Trial is free, come by!", base.Add(20*time.Second))
	}
	c := e.coordinator(primary, nil, nil)

	if _, err := c.Run(ctx, conv.ID); !errors.Is(err, ErrPreempted) && !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected preemption, got %v", err)
	}
	if active, _ := e.claims.Active(ctx, conv.ID); active != nil {
		t.Fatalf("suggestion committed after operator reply: %+v", active)
	}
}

func TestRunReleasesClaimOnFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	conv := e.customer(t, "m1", "Hello?", base)

	boom := errors.New("model unavailable")
	failing := e.coordinator(&fakeDrafter{model: "m", err: boom}, nil, nil)
	if _, err := failing.Run(ctx, conv.ID); !errors.Is(err, boom) {
		t.Fatalf("expected model error, got %v", err)
	}
	if active, _ := e.claims.Active(ctx, conv.ID); active != nil {
		t.Fatalf("claim not released: %+v", active)
	}

	ok := e.coordinator(&fakeDrafter{model: "m", replies: []string{"Hi! How can we help?"}}, nil, nil)
	if _, err := ok.Run(ctx, conv.ID); err != nil {
		t.Fatalf("next cycle: %v", err)
	}
}

func TestRunTimesOut(t *testing.T) {
	e := newEnv(t)
	e.cfg.GenerationTimeout = 50 * time.Millisecond
	ctx := context.Background()
	conv := e.customer(t, "m1", "Hello?", base)

	stuck := &fakeDrafter{model: "m", replies: []string{"late"}, block: make(chan struct{})}
	c := e.coordinator(stuck, nil, nil)
	if _, err := c.Run(ctx, conv.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if active, _ := e.claims.Active(ctx, conv.ID); active != nil {
		t.Fatalf("claim held after timeout: %+v", active)
	}
}

func TestRunUnknownConversation(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(&fakeDrafter{model: "m", replies: []string{"x"}}, nil, nil)
	if _, err := c.Run(context.Background(), 404); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}
