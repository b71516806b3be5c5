// Package quiet 实现按会话的静默期调度：客户消息到达后开始等待，
// 期间的新消息会顺延截止时间，但最迟在首次触发后 maxWait 内触发。
package quiet

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/config"
)

// FireFunc is called once per completed quiet period.
type FireFunc func(ctx context.Context, conversationID int64)

// ActivitySource reports the stored time of the last inbound customer
// message, so a replica sees messages another replica received.
type ActivitySource interface {
	LastInboundAt(ctx context.Context, conversationID int64) (time.Time, error)
}

// Deadline is when a waiter fires: after a full window of silence, but never
// later than first+maxWait.
func Deadline(first, last time.Time, window, maxWait time.Duration) time.Time {
	quiet := last.Add(window)
	ceiling := first.Add(maxWait)
	if ceiling.Before(quiet) {
		return ceiling
	}
	return quiet
}

type waiter struct {
	first time.Time
	last  time.Time
}

// Scheduler holds at most one waiter per conversation.
type Scheduler struct {
	cfg      config.QuietConfig
	activity ActivitySource
	lease    Lease
	fire     FireFunc
	now      func() time.Time

	mu      sync.Mutex
	waiters map[int64]*waiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler 创建调度器；activity 与 lease 可为空
func NewScheduler(cfg config.QuietConfig, activity ActivitySource, lease Lease, fire FireFunc) *Scheduler {
	if lease == nil {
		lease = NopLease{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		activity: activity,
		lease:    lease,
		fire:     fire,
		now:      func() time.Time { return time.Now().UTC() },
		waiters:  make(map[int64]*waiter),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Notify records customer activity. It never blocks on the wait itself.
func (s *Scheduler) Notify(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}

	now := s.now()
	if w, ok := s.waiters[conversationID]; ok {
		if now.After(w.last) {
			w.last = now
		}
		return
	}

	w := &waiter{first: now, last: now}
	s.waiters[conversationID] = w
	s.wg.Add(1)
	go s.run(conversationID, w)
}

// Pending reports how many conversations are currently waiting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Stop cancels all waiters and waits for running callbacks to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(conversationID int64, w *waiter) {
	defer s.wg.Done()

	key := strconv.FormatInt(conversationID, 10)
	token, ok := s.acquire(conversationID, key, w)
	if !ok {
		s.drop(conversationID, w)
		return
	}

	waited := s.wait(conversationID, w)
	// the lease covers waiting only; overlapping fires meet the claim guard
	s.release(key, token)
	s.drop(conversationID, w)
	if !waited {
		return
	}

	log.Printf("[quiet] conversation=%d quiet period complete", conversationID)
	s.fire(s.ctx, conversationID)
}

// acquire takes the conversation lease. While another replica holds it the
// waiter retries until its own deadline, then gives the conversation up.
func (s *Scheduler) acquire(conversationID int64, key string, w *waiter) (string, bool) {
	for {
		token, ok, err := s.lease.Acquire(s.ctx, key, s.cfg.MaxWait+s.cfg.Window)
		if err != nil {
			log.Printf("[quiet] lease error conversation=%d: %v, waiting locally", conversationID, err)
			return "", true
		}
		if ok {
			return token, true
		}

		if !s.now().Before(s.deadline(conversationID, w)) {
			log.Printf("[quiet] conversation=%d waited on another replica", conversationID)
			return "", false
		}
		if !s.sleep(s.cfg.PollInterval) {
			return "", false
		}
	}
}

func (s *Scheduler) release(key, token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.lease.Release(ctx, key, token); err != nil {
		log.Printf("[quiet] %v", err)
	}
}

// wait blocks until the deadline holds on re-check; false on shutdown.
func (s *Scheduler) wait(conversationID int64, w *waiter) bool {
	for {
		now := s.now()
		deadline := s.deadline(conversationID, w)
		if !now.Before(deadline) {
			return true
		}

		delay := deadline.Sub(now)
		if s.cfg.PollInterval > 0 && delay > s.cfg.PollInterval {
			delay = s.cfg.PollInterval
		}
		if !s.sleep(delay) {
			return false
		}
	}
}

// deadline combines in-memory activity with the stored last inbound time.
func (s *Scheduler) deadline(conversationID int64, w *waiter) time.Time {
	first, last := s.snapshot(w)
	if s.activity != nil {
		stored, err := s.activity.LastInboundAt(s.ctx, conversationID)
		if err != nil {
			log.Printf("[quiet] last inbound lookup conversation=%d: %v", conversationID, err)
		} else if stored.After(last) {
			last = stored
		}
	}
	return Deadline(first, last, s.cfg.Window, s.cfg.MaxWait)
}

func (s *Scheduler) sleep(d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) snapshot(w *waiter) (time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return w.first, w.last
}

// drop removes w so the next Notify starts a fresh waiter.
func (s *Scheduler) drop(conversationID int64, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters[conversationID] == w {
		delete(s.waiters, conversationID)
	}
}
