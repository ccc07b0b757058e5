package settlement

import (
	"context"
	"sync"
	"time"

	domain "github.com/SwapGraph-Network/clearing_engine/internal/app/domain/settlement"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/system"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// EscrowSweeper scans open timelines and expires deposit windows that have
// lapsed. Each expiry runs as the partner who claimed the cycle.
type EscrowSweeper struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*EscrowSweeper)(nil)

// NewEscrowSweeper constructs the sweeper. A non-positive interval falls
// back to 15 seconds.
func NewEscrowSweeper(service *Service, interval time.Duration, log *logger.Logger) *EscrowSweeper {
	if log == nil {
		log = logger.NewDefault("escrow-sweeper")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &EscrowSweeper{service: service, interval: interval, log: log}
}

func (s *EscrowSweeper) Name() string { return "escrow-sweeper" }

func (s *EscrowSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(runCtx, time.Now().UTC())
			}
		}
	}()

	s.log.Info("escrow sweeper started")
	return nil
}

func (s *EscrowSweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Sweep runs one expiry pass and returns how many timelines were failed.
func (s *EscrowSweeper) Sweep(ctx context.Context, now time.Time) int {
	timelines, err := s.service.ListTimelines(ctx)
	if err != nil {
		s.log.WithError(err).Warn("list settlement timelines failed")
		return 0
	}

	expired := 0
	for _, t := range timelines {
		if t.State != domain.StateEscrowPending {
			continue
		}
		by := actor.Actor{Type: actor.TypePartner, ID: t.PartnerID}
		_, acted, err := s.service.ExpireDepositWindow(ctx, by, t.CycleID, now)
		if err != nil {
			s.log.WithError(err).Warnf("expire deposit window for cycle %s failed", t.CycleID)
			continue
		}
		if acted {
			s.log.Infof("deposit window expired for cycle %s", t.CycleID)
			expired++
		}
	}
	return expired
}
