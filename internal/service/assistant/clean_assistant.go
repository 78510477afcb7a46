package assistant

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultStaleSweepInterval = time.Minute
	DefaultStaleMessageAge    = 10 * time.Minute
)

// StartStaleMessageSweeper periodically fails messages left PENDING or STREAMING
// by a process that died mid-generation, so observers stop waiting on them.
func (s *Service) StartStaleMessageSweeper(ctx context.Context, interval, maxAge time.Duration, errorText string, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultStaleSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultStaleMessageAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	go s.sweepLoop(ctx, interval, maxAge, errorText, logger)
}

func (s *Service) sweepLoop(ctx context.Context, interval, maxAge time.Duration, errorText string, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireStaleMessages(ctx, maxAge, errorText)
			if err != nil {
				logger.Error("sweep stale messages", "error", err)
				continue
			}
			if n > 0 {
				logger.Warn("expired stale messages", "count", n, "max_age", maxAge)
			}
		}
	}
}
