package twophase

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
)

type recoverer interface {
	Recover(ctx context.Context) (RecoveryResult, error)
}

// RecoveryService recovers pending transactions while starting, so that the
// service is only running once every transaction left by a previous process
// has been handled. It then recovers again every interval, which picks up
// transactions whose commit failed at runtime.
type RecoveryService struct {
	services.Service

	recoverer recoverer
	interval  time.Duration
	logger    log.Logger
}

func NewRecoveryService(r recoverer, interval time.Duration, logger log.Logger) *RecoveryService {
	s := &RecoveryService{
		recoverer: r,
		interval:  interval,
		logger:    log.With(logger, "component", "twophase-recovery"),
	}
	s.Service = services.NewBasicService(s.starting, s.running, nil)
	return s
}

func (s *RecoveryService) starting(ctx context.Context) error {
	_, err := s.recoverer.Recover(ctx)
	return err
}

func (s *RecoveryService) running(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.recoverer.Recover(ctx); err != nil {
				level.Warn(s.logger).Log("msg", "failed to recover pending transactions", "err", err)
			}
		}
	}
}
