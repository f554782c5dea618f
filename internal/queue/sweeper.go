package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically re-queues processing jobs whose lease ran out.
// Without it a worker crash leaves jobs stuck in processing forever.
type Sweeper struct {
	store *Store
	ttl   time.Duration
	every time.Duration
}

func NewSweeper(store *Store, ttl, every time.Duration) *Sweeper {
	return &Sweeper{store: store, ttl: ttl, every: every}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.every)
	defer t.Stop()

	log.Info().Dur("ttl", s.ttl).Dur("interval", s.every).Msg("lease sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			requeued, failed, err := s.store.ReclaimExpired(ctx, now, s.ttl)
			if err != nil {
				log.Error().Err(err).Msg("lease sweep failed")
				continue
			}
			if requeued > 0 || failed > 0 {
				log.Info().Int("requeued", requeued).Int("failed", failed).Msg("reclaimed expired leases")
			}
		}
	}
}
