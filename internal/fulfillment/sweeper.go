package fulfillment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires prescriptions whose validity has elapsed.
// Reads expire lazily as well; the sweeper catches prescriptions nobody opens.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	batch    int
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper expiring up to batch prescriptions per tick.
func NewSweeper(svc *Service, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		svc:      svc,
		interval: interval,
		batch:    batch,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start begins sweeping in the background.
func (s *Sweeper) Start() {
	go s.loop()
	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
}

// Stop halts the sweeper and waits for the current pass.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("expiry sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep runs passes until a pass expires less than a full batch.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		n, err := s.svc.ExpireDue(ctx, s.batch)
		if err != nil {
			s.logger.Error("expiry sweep failed", zap.Error(err))
			break
		}
		total += n
		if n < s.batch {
			break
		}
	}
	if total > 0 {
		s.logger.Info("expired prescriptions", zap.Int("count", total))
	}
	return total
}
