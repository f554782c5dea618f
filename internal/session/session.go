package session

import (
	"time"

	"github.com/google/uuid"
)

// Client distinguishes what a duplex connection is for. Workers receive job
// assignments; observers only receive broadcasts and status rebroadcasts.
type Client string

const (
	ClientWorker   Client = "worker"
	ClientObserver Client = "observer"
)

func (c Client) Valid() bool {
	return c == ClientWorker || c == ClientObserver
}

type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
)

// Session is one live duplex connection. Sessions are ephemeral: they never
// survive a restart, and workers re-establish and re-poll to recover.
type Session struct {
	ID           string    `json:"id"`
	Client       Client    `json:"client"`
	WorkerID     string    `json:"worker_id,omitempty"`
	Tag          string    `json:"tag,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	State        State     `json:"state"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
	JobsReported int       `json:"jobs_reported"`
}

func New(client Client, workerID, tag string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		Client:       client,
		WorkerID:     workerID,
		Tag:          tag,
		ConnectedAt:  now,
		LastActivity: now,
		State:        StateIdle,
	}
}
