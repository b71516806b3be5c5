package suggest

import (
	"context"
	"log"
	"time"

	"github.com/zhouzirui/replydesk/backend/internal/repository"
)

// Sweeper periodically releases claims past their expiry.
type Sweeper struct {
	claims   *repository.ClaimRepository
	interval time.Duration
	now      func() time.Time
}

// NewSweeper 创建过期占用清理器
func NewSweeper(claims *repository.ClaimRepository, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{claims: claims, interval: interval, now: func() time.Time { return time.Now().UTC() }}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns the number of claims released.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	n, err := s.claims.Sweep(ctx, s.now())
	if err != nil {
		log.Printf("[suggest] sweep failed: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("[suggest] sweep released %d claim(s)", n)
	}
	return n
}
