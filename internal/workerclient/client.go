package workerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/crawlgrid/dispatcher/internal/ws"
)

// Handler executes one pushed assignment and returns its result payload.
type Handler func(ctx context.Context, a ws.AssignmentData) (json.RawMessage, error)

// Client is a minimal duplex-channel worker: it connects, receives pushed
// assignments, runs the handler and reports results. Scraping itself lives
// in the handler; this only speaks the protocol.
type Client struct {
	url       string
	workerID  string
	handler   Handler
	sessionID string
}

func New(url, workerID string, handler Handler) *Client {
	return &Client{url: url, workerID: workerID, handler: handler}
}

// Run keeps a connection open until ctx is cancelled, reconnecting with a
// fixed backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := c.connect(ctx); err != nil {
				log.Warn().Err(err).Msg("connection lost, reconnecting in 5s")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	url := c.url + "?client=worker"
	if c.workerID != "" {
		url += "&worker_id=" + c.workerID
	}
	log.Info().Str("url", c.url).Msg("connecting")

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	var welcome ws.Frame
	if err := wsjson.Read(ctx, conn, &welcome); err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != ws.FrameTypeConnected {
		return fmt.Errorf("unexpected handshake frame %q", welcome.Type)
	}
	var cd ws.ConnectedData
	if err := json.Unmarshal(welcome.Data, &cd); err != nil {
		return fmt.Errorf("parse welcome: %w", err)
	}
	c.sessionID = cd.SessionID
	log.Info().Str("session_id", c.sessionID).Msg("connected")

	go c.pingLoop(ctx, conn)

	return c.messageLoop(ctx, conn)
}

func (c *Client) messageLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame ws.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch frame.Type {
		case ws.FrameTypeJobAssignment:
			var a ws.AssignmentData
			if err := json.Unmarshal(frame.Data, &a); err != nil {
				log.Warn().Err(err).Msg("malformed assignment")
				continue
			}
			c.execute(ctx, conn, a)

		case ws.FrameTypePong:
			// Keepalive answered.

		case ws.FrameTypeBroadcast, ws.FrameTypeStatusUpdate:
			log.Debug().Str("type", string(frame.Type)).Msg("broadcast received")

		case ws.FrameTypeError:
			var ed ws.ErrorData
			_ = json.Unmarshal(frame.Data, &ed)
			log.Warn().Str("code", ed.Code).Str("message", ed.Message).Msg("server error frame")

		default:
			log.Debug().Str("type", string(frame.Type)).Msg("ignoring frame")
		}
	}
}

func (c *Client) execute(ctx context.Context, conn *websocket.Conn, a ws.AssignmentData) {
	log.Info().Str("job_id", a.JobID).Str("target", a.Target).Msg("executing job")

	upd := ws.StatusUpdateData{JobID: a.JobID, Status: "completed"}
	result, err := c.handler(ctx, a)
	if err != nil {
		upd.Status = "failed"
		upd.Error = err.Error()
	} else {
		upd.Result = result
	}

	frame, ferr := ws.NewFrame(ws.FrameTypeJobResult, upd)
	if ferr != nil {
		log.Error().Err(ferr).Msg("build result frame")
		return
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		log.Error().Err(err).Str("job_id", a.JobID).Msg("send result")
		return
	}
	log.Info().Str("job_id", a.JobID).Str("status", upd.Status).Msg("job reported")
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := ws.NewFrame(ws.FrameTypePing, nil)
			if err != nil {
				return
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}
