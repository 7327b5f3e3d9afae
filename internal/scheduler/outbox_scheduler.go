package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Drainer relays pending outbox entries.
type Drainer interface {
	Drain(ctx context.Context) (int, error)
}

// BacklogCounter reports how many entries are still waiting.
type BacklogCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// OutboxScheduler periodically drains the mirror outbox, catching anything a
// kick missed (crash between commit and relay, mirror outage).
type OutboxScheduler struct {
	cron     *cron.Cron
	relay    Drainer
	backlog  BacklogCounter
	interval time.Duration
	timeout  time.Duration
}

func NewOutboxScheduler(relay Drainer, backlog BacklogCounter, interval time.Duration) *OutboxScheduler {
	return &OutboxScheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		relay:    relay,
		backlog:  backlog,
		interval: interval,
		timeout:  interval,
	}
}

// Spec is the cron expression of the drain job.
func (s *OutboxScheduler) Spec() string {
	return fmt.Sprintf("@every %s", s.interval)
}

func (s *OutboxScheduler) Start() error {
	_, err := s.cron.AddFunc(s.Spec(), s.RunOnce)
	if err != nil {
		logger.Error("Failed to add cron job for outbox relay", err)
		return err
	}

	s.cron.Start()
	logger.Info("Outbox scheduler started", logger.Fields{
		"every": s.interval.String(),
	})
	return nil
}

// RunOnce drains the outbox and logs what is left behind.
func (s *OutboxScheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.relay.Drain(ctx); err != nil {
		logger.Error("Scheduled outbox drain failed", err)
	}

	if s.backlog == nil {
		return
	}
	pending, err := s.backlog.CountPending(ctx)
	if err != nil {
		logger.Error("Failed to count pending outbox entries", err)
		return
	}
	if pending > 0 {
		logger.Warn("Outbox backlog remains", logger.Fields{
			"pending": pending,
		})
	}
}

func (s *OutboxScheduler) Stop() {
	logger.Info("Stopping outbox scheduler...", nil)
	<-s.cron.Stop().Done()
	logger.Info("Outbox scheduler stopped", nil)
}
