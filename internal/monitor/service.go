package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlgrid/dispatcher/internal/job"
	"github.com/crawlgrid/dispatcher/internal/queue"
)

// Service enqueues a monitor-kind job for every due monitor. onDispatch is
// called after enqueues so push delivery can react without the service
// knowing about sessions.
type Service struct {
	monitors   *Store
	jobs       *queue.Store
	interval   time.Duration
	onDispatch func()
}

func NewService(monitors *Store, jobs *queue.Store, interval time.Duration, onDispatch func()) *Service {
	return &Service{monitors: monitors, jobs: jobs, interval: interval, onDispatch: onDispatch}
}

func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("monitor service started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

func (s *Service) runDue(ctx context.Context, now time.Time) {
	due, err := s.monitors.Due(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("list due monitors")
		return
	}

	enqueued := 0
	for _, m := range due {
		if err := s.runMonitor(ctx, m, now); err != nil {
			log.Error().Err(err).Str("monitor_id", m.ID).Msg("run monitor")
			continue
		}
		enqueued++
	}

	if enqueued > 0 && s.onDispatch != nil {
		s.onDispatch()
	}
}

func (s *Service) runMonitor(ctx context.Context, m *Monitor, now time.Time) error {
	j, err := s.jobs.Enqueue(ctx, job.Spec{
		Target:   m.Target,
		SiteID:   m.SiteID,
		Source:   "monitor:" + m.ID,
		Kind:     job.KindMonitor,
		Priority: m.Priority,
		Context:  m.Context,
	})
	if err != nil {
		return err
	}

	nextRun, err := NextRunTime(m.CronExpr, now)
	if err != nil {
		return err
	}
	if err := s.monitors.MarkRun(ctx, m.ID, now, nextRun); err != nil {
		return err
	}

	log.Info().Str("monitor_id", m.ID).Str("name", m.Name).Str("job_id", j.ID).
		Time("next_run", nextRun).Msg("monitor job enqueued")
	return nil
}
