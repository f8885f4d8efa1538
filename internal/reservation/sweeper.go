package reservation

import (
	"context"
	"time"

	"keybridge/internal/logger"

	"go.uber.org/zap"
)

// Sweeper deletes expired reservations on a fixed interval.
type Sweeper struct {
	svc      Service
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(svc Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{svc: svc, interval: interval, now: time.Now}
}

// Run blocks until ctx is cancelled.
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

func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	log := logger.L().With(zap.String("component", "reservation_sweeper"))

	n, err := s.svc.SweepExpired(ctx, s.now())
	if err != nil {
		log.Error("sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		log.Info("expired reservations removed", zap.Int64("count", n))
	}
	return n
}
