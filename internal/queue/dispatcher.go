package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlgrid/dispatcher/internal/job"
)

// AssignFunc delivers a claimed job to a connected session. Returns true if
// the job was handed over.
type AssignFunc func(j *job.Job, sessionID string) bool

// Dispatcher is the push side of job delivery: it claims a job the same way
// a poll would and hands it to a live duplex session.
type Dispatcher struct {
	store  *Store
	assign AssignFunc
}

func NewDispatcher(store *Store, assign AssignFunc) *Dispatcher {
	return &Dispatcher{store: store, assign: assign}
}

// TryDispatch claims the next eligible job and pushes it to the given
// session. If the send fails the claim is released so a poller or another
// session can pick the job up.
func (d *Dispatcher) TryDispatch(ctx context.Context, sessionID string) {
	jobs, err := d.store.ClaimNext(ctx, time.Now().UTC(), 1)
	if errors.Is(err, ErrNoWork) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("claim for push dispatch failed")
		return
	}

	j := jobs[0]
	if !d.assign(j, sessionID) {
		if err := d.store.Release(ctx, j.ID); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("release after failed push")
		}
	}
}
