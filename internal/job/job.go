package job

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never move
// back to pending or processing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Kind string

const (
	// KindScrape is a single-target fetch-and-extract job.
	KindScrape Kind = "scrape"
	// KindAgent is an autonomous multi-step job; MaxTasks bounds how many
	// steps the worker may take.
	KindAgent Kind = "agent"
	// KindMonitor is a recurring check, typically enqueued by the monitor
	// service.
	KindMonitor Kind = "monitor"
)

func (k Kind) Valid() bool {
	switch k {
	case KindScrape, KindAgent, KindMonitor:
		return true
	}
	return false
}

const (
	DefaultMaxRetries = 3
	DefaultMaxTasks   = 5
	MaxTasksBound     = 25
)

type Job struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Target        string         `json:"target"`
	SiteID        string         `json:"site_id"`
	Source        string         `json:"source"`
	Context       string         `json:"context,omitempty"`
	MaxTasks      int            `json:"max_tasks"`
	Priority      int            `json:"priority"`
	Status        Status         `json:"status"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	AvailableAt   time.Time      `json:"available_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	LastClaimedAt *time.Time     `json:"last_claimed_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Spec is what producers hand to the queue. Everything not set falls back
// to a default in New.
type Spec struct {
	Target      string         `json:"target"`
	SiteID      string         `json:"site_id"`
	Source      string         `json:"source"`
	Kind        Kind           `json:"job_kind"`
	Priority    int            `json:"priority,omitempty"`
	Context     string         `json:"context,omitempty"`
	MaxTasks    int            `json:"max_tasks,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	AvailableAt *time.Time     `json:"available_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate returns a map of field name to problem, or nil when the spec is
// acceptable.
func (s Spec) Validate() map[string]string {
	fields := map[string]string{}
	if s.Target == "" {
		fields["target"] = "required"
	}
	if s.SiteID == "" {
		fields["site_id"] = "required"
	}
	if s.Source == "" {
		fields["source"] = "required"
	}
	if s.Kind == "" {
		fields["job_kind"] = "required"
	} else if !s.Kind.Valid() {
		fields["job_kind"] = "must be one of scrape, agent, monitor"
	}
	if s.MaxTasks < 0 || s.MaxTasks > MaxTasksBound {
		fields["max_tasks"] = "out of range"
	}
	if s.MaxRetries < 0 {
		fields["max_retries"] = "out of range"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func New(spec Spec) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:          uuid.NewString(),
		Kind:        spec.Kind,
		Target:      spec.Target,
		SiteID:      spec.SiteID,
		Source:      spec.Source,
		Context:     spec.Context,
		MaxTasks:    spec.MaxTasks,
		Priority:    spec.Priority,
		Status:      StatusPending,
		MaxRetries:  spec.MaxRetries,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    spec.Metadata,
	}
	if j.MaxTasks == 0 {
		j.MaxTasks = DefaultMaxTasks
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = DefaultMaxRetries
	}
	if spec.AvailableAt != nil {
		j.AvailableAt = spec.AvailableAt.UTC()
	}
	return j
}
