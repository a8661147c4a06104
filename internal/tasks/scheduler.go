package tasks

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SchedulerConfig carries the periodic cadences.
type SchedulerConfig struct {
	ProbeInterval        time.Duration // health probe cadence
	VerificationSchedule string        // cron spec, default "0 3 * * *"
	ShareCleanupSchedule string        // cron spec, default "0 2 * * *"
}

// Scheduler feeds periodic tasks into the broker: the health probe on a
// fixed ticker, verification and share cleanup on cron specs in UTC.
type Scheduler struct {
	broker *Broker
	cfg    SchedulerConfig
	log    *logrus.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler over the broker.
func NewScheduler(broker *Broker, cfg SchedulerConfig, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		broker: broker,
		cfg:    cfg,
		log:    log,
		done:   make(chan struct{}),
	}
}

// Start registers the cron entries and launches the probe ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc(s.cfg.VerificationSchedule, func() {
		s.enqueue(ctx, TaskVerifySweep)
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.ShareCleanupSchedule, func() {
		s.enqueue(ctx, TaskExpireShares)
		s.enqueue(ctx, TaskReclaimOrphans)
	}); err != nil {
		return err
	}
	s.cron.Start()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.ProbeInterval)
		defer ticker.Stop()

		s.enqueue(ctx, TaskProbeNodes)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.enqueue(ctx, TaskProbeNodes)
			}
		}
	}()
	return nil
}

// Stop halts the cron entries and the probe ticker.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) enqueue(ctx context.Context, name string) {
	if _, err := s.broker.Enqueue(ctx, name, struct{}{}, 2); err != nil {
		s.log.WithError(err).WithField("task", name).Error("schedule enqueue failed")
	}
}
