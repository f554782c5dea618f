package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameType is the closed set of duplex message kinds. Every inbound frame
// is matched exhaustively; unknown types get an error frame back.
type FrameType string

const (
	FrameTypePing          FrameType = "ping"
	FrameTypePong          FrameType = "pong"
	FrameTypeConnected     FrameType = "connected"
	FrameTypeStatusUpdate  FrameType = "status_update"
	FrameTypeJobRequest    FrameType = "job_request"
	FrameTypeJobResult     FrameType = "job_result"
	FrameTypeJobAssignment FrameType = "job_assignment"
	FrameTypeQueued        FrameType = "queued"
	FrameTypeBroadcast     FrameType = "broadcast"
	FrameTypeError         FrameType = "error"
)

// Frame is the wire envelope for every duplex message.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// NewFrame builds an outbound frame with a fresh id.
func NewFrame(t FrameType, data any) (Frame, error) {
	f := Frame{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal frame data: %w", err)
		}
		f.Data = b
	}
	return f, nil
}

// Sent right after the handshake.
type ConnectedData struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// StatusUpdateData doubles as the status_update/job_result payload inbound
// and the rebroadcast payload outbound.
type StatusUpdateData struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type JobRequestItem struct {
	Target   string         `json:"target"`
	SiteID   string         `json:"site_id"`
	Source   string         `json:"source"`
	Kind     string         `json:"job_kind"`
	Priority int            `json:"priority,omitempty"`
	Context  string         `json:"context,omitempty"`
	MaxTasks int            `json:"max_tasks,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type JobRequestData struct {
	Jobs []JobRequestItem `json:"jobs"`
}

type QueuedItem struct {
	JobID  string            `json:"job_id,omitempty"`
	Status string            `json:"status"`
	Fields map[string]string `json:"fields,omitempty"`
}

type QueuedData struct {
	Jobs []QueuedItem `json:"jobs"`
}

type AssignmentData struct {
	JobID    string         `json:"job_id"`
	Kind     string         `json:"job_kind"`
	Target   string         `json:"target"`
	SiteID   string         `json:"site_id"`
	Context  string         `json:"context,omitempty"`
	MaxTasks int            `json:"max_tasks"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
