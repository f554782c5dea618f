package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlgrid/dispatcher/internal/blob"
	"github.com/crawlgrid/dispatcher/internal/job"
	"github.com/crawlgrid/dispatcher/internal/queue"
)

// ResultNamespace is the blob namespace job results are stored under.
const ResultNamespace = "results/"

var ErrUnknownStatus = errors.New("unknown report status")

// Report is what a worker sends back, over either transport. The status
// vocabulary is the worker's, not the store's.
type Report struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Reconciler normalizes worker status reports into canonical store
// transitions. It is the only path reports take into the store, so polling
// and duplex reports behave identically.
type Reconciler struct {
	store *queue.Store
	blobs *blob.Store
}

// NewReconciler builds a reconciler. blobs may be nil, in which case result
// payloads are dropped after the transition is applied.
func NewReconciler(store *queue.Store, blobs *blob.Store) *Reconciler {
	return &Reconciler{store: store, blobs: blobs}
}

func canonical(reported string) (job.Status, error) {
	switch reported {
	case "in_progress", "processing":
		return job.StatusProcessing, nil
	case "completed":
		return job.StatusCompleted, nil
	case "failed":
		return job.StatusFailed, nil
	}
	return "", ErrUnknownStatus
}

// Reconcile applies a status report and returns the status actually in
// effect afterwards. Duplicate reports for terminal jobs are accepted and
// change nothing.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string, rep Report) (job.Status, error) {
	target, err := canonical(rep.Status)
	if err != nil {
		return "", err
	}

	j, err := r.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}

	if j.Status.Terminal() {
		log.Debug().Str("job_id", jobID).Str("reported", rep.Status).
			Str("status", string(j.Status)).Msg("report for terminal job ignored")
		return j.Status, nil
	}

	if len(rep.Result) > 0 && r.blobs != nil {
		if err := r.blobs.Put(ResultNamespace, jobID, rep.Result); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("store job result")
		}
	}

	fields := queue.TransitionFields{}
	if target.Terminal() {
		now := time.Now().UTC()
		fields.CompletedAt = &now
	}
	if target == job.StatusFailed {
		msg := rep.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		fields.ErrorMessage = &msg
	}

	if err := r.store.Transition(ctx, jobID, target, fields); err != nil {
		// Lost a race against another report; the store's view wins.
		if errors.Is(err, queue.ErrTerminal) {
			cur, gerr := r.store.Get(ctx, jobID)
			if gerr != nil {
				return "", gerr
			}
			return cur.Status, nil
		}
		return "", err
	}
	return target, nil
}
