package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/crawlgrid/dispatcher/internal/fanout"
	"github.com/crawlgrid/dispatcher/internal/job"
	"github.com/crawlgrid/dispatcher/internal/queue"
	"github.com/crawlgrid/dispatcher/internal/reconcile"
	"github.com/crawlgrid/dispatcher/internal/session"
)

const writeTimeout = 5 * time.Second

// Server manages the duplex channel: one websocket per worker or observer,
// pushed assignments out, status reports in.
type Server struct {
	sessions   *session.Manager
	store      *queue.Store
	rec        *reconcile.Reconciler
	dispatcher *queue.Dispatcher
	relay      *fanout.Relay

	connsMu sync.RWMutex
	conns   map[string]*websocket.Conn
}

func NewServer(sessions *session.Manager, store *queue.Store, rec *reconcile.Reconciler) *Server {
	s := &Server{
		sessions: sessions,
		store:    store,
		rec:      rec,
		conns:    make(map[string]*websocket.Conn),
	}
	s.dispatcher = queue.NewDispatcher(store, s.pushAssignment)
	return s
}

// SetRelay wires the multi-instance fan-out. The relay echoes our own
// publishes back, so local delivery happens through the subscription.
func (s *Server) SetRelay(ctx context.Context, relay *fanout.Relay) {
	s.relay = relay
	relay.Subscribe(ctx, func(b fanout.Broadcast) {
		s.deliverBroadcast(b)
	})
}

// HandleSession is the websocket handshake endpoint. The client query
// parameter must identify a known client type before the upgrade happens.
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request) {
	client := session.Client(r.URL.Query().Get("client"))
	if !client.Valid() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorData{Code: "invalid_client", Message: "client must be worker or observer"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error().Err(err).Msg("websocket accept")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	sess := session.New(client, r.URL.Query().Get("worker_id"), r.URL.Query().Get("session"))
	s.sessions.Add(sess)

	s.connsMu.Lock()
	s.conns[sess.ID] = conn
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, sess.ID)
		s.connsMu.Unlock()
		s.sessions.Remove(sess.ID)
	}()

	welcome, err := NewFrame(FrameTypeConnected, ConnectedData{SessionID: sess.ID, Message: "connected"})
	if err == nil {
		err = s.writeFrame(r.Context(), conn, welcome)
	}
	if err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("send welcome")
		return
	}

	// A freshly connected worker is idle; drain backlog straight away.
	if client == session.ClientWorker {
		s.dispatcher.TryDispatch(r.Context(), sess.ID)
	}

	s.readLoop(r.Context(), conn, sess.ID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("websocket read")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.replyError(ctx, conn, "malformed_frame", "frame is not valid JSON")
			continue
		}
		s.sessions.Touch(sessionID)

		switch frame.Type {
		case FrameTypePing:
			pong := Frame{Type: FrameTypePong, ID: frame.ID, Timestamp: time.Now().UTC()}
			if err := s.writeFrame(ctx, conn, pong); err != nil {
				return
			}

		case FrameTypePong:
			// Liveness already recorded by Touch.

		case FrameTypeStatusUpdate, FrameTypeJobResult:
			s.handleStatus(ctx, conn, sessionID, frame)

		case FrameTypeJobRequest:
			s.handleJobRequest(ctx, conn, frame)

		case FrameTypeError:
			var ed ErrorData
			_ = json.Unmarshal(frame.Data, &ed)
			log.Warn().Str("session_id", sessionID).Str("code", ed.Code).
				Str("message", ed.Message).Msg("client error frame")

		case FrameTypeConnected, FrameTypeQueued, FrameTypeJobAssignment, FrameTypeBroadcast:
			s.replyError(ctx, conn, "unexpected_frame", "frame type is server-to-client only")

		default:
			s.replyError(ctx, conn, "unknown_frame", "unknown frame type "+string(frame.Type))
		}
	}
}

func (s *Server) handleStatus(ctx context.Context, conn *websocket.Conn, sessionID string, frame Frame) {
	var upd StatusUpdateData
	if err := json.Unmarshal(frame.Data, &upd); err != nil || upd.JobID == "" {
		s.replyError(ctx, conn, "malformed_frame", "status update requires job_id and status")
		return
	}

	applied, err := s.rec.Reconcile(ctx, upd.JobID, reconcile.Report{
		Status: upd.Status,
		Result: upd.Result,
		Error:  upd.Error,
	})
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.replyError(ctx, conn, "not_found", "unknown job "+upd.JobID)
		return
	case errors.Is(err, reconcile.ErrUnknownStatus):
		s.replyError(ctx, conn, "invalid_status", "unknown status "+upd.Status)
		return
	case err != nil:
		log.Error().Err(err).Str("job_id", upd.JobID).Msg("reconcile duplex report")
		s.replyError(ctx, conn, "internal", "could not apply status report")
		return
	}

	// Keep other observers of this job in sync.
	rebroadcast, err := NewFrame(FrameTypeStatusUpdate, StatusUpdateData{
		JobID:  upd.JobID,
		Status: string(applied),
		Error:  upd.Error,
	})
	if err == nil {
		s.broadcast(rebroadcast, sessionID, "")
	}

	if applied.Terminal() {
		if sess, ok := s.sessions.Get(sessionID); ok && sess.Client == session.ClientWorker {
			s.sessions.ReportDone(sessionID)
			s.dispatcher.TryDispatch(ctx, sessionID)
		}
	}
}

func (s *Server) handleJobRequest(ctx context.Context, conn *websocket.Conn, frame Frame) {
	var req JobRequestData
	if err := json.Unmarshal(frame.Data, &req); err != nil || len(req.Jobs) == 0 {
		s.replyError(ctx, conn, "malformed_frame", "job request requires a jobs array")
		return
	}

	ack := QueuedData{Jobs: make([]QueuedItem, 0, len(req.Jobs))}
	for _, item := range req.Jobs {
		spec := job.Spec{
			Target:   item.Target,
			SiteID:   item.SiteID,
			Source:   item.Source,
			Kind:     job.Kind(item.Kind),
			Priority: item.Priority,
			Context:  item.Context,
			MaxTasks: item.MaxTasks,
			Metadata: item.Metadata,
		}
		if fields := spec.Validate(); fields != nil {
			ack.Jobs = append(ack.Jobs, QueuedItem{Status: "rejected", Fields: fields})
			continue
		}
		j, err := s.store.Enqueue(ctx, spec)
		if err != nil {
			log.Error().Err(err).Msg("enqueue from duplex channel")
			ack.Jobs = append(ack.Jobs, QueuedItem{Status: "error"})
			continue
		}
		ack.Jobs = append(ack.Jobs, QueuedItem{JobID: j.ID, Status: "queued"})
	}

	resp, err := NewFrame(FrameTypeQueued, ack)
	if err != nil {
		return
	}
	resp.ID = frame.ID // correlate with the request
	if err := s.writeFrame(ctx, conn, resp); err != nil {
		return
	}

	s.DispatchToIdle(ctx)
}

// pushAssignment sends a claimed job to a session. Used as the dispatcher's
// assign callback.
func (s *Server) pushAssignment(j *job.Job, sessionID string) bool {
	s.connsMu.RLock()
	conn, ok := s.conns[sessionID]
	s.connsMu.RUnlock()
	if !ok {
		return false
	}

	s.sessions.SetBusy(sessionID, j.ID)

	frame, err := NewFrame(FrameTypeJobAssignment, AssignmentData{
		JobID:    j.ID,
		Kind:     string(j.Kind),
		Target:   j.Target,
		SiteID:   j.SiteID,
		Context:  j.Context,
		MaxTasks: j.MaxTasks,
		Metadata: j.Metadata,
	})
	if err != nil {
		s.sessions.SetIdle(sessionID)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, frame); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("job_id", j.ID).Msg("push assignment failed")
		s.sessions.SetIdle(sessionID)
		return false
	}

	log.Info().Str("job_id", j.ID).Str("session_id", sessionID).Msg("job pushed")
	return true
}

// DispatchToIdle pushes the next eligible job to an idle worker session, if
// there is one.
func (s *Server) DispatchToIdle(ctx context.Context) {
	if sess, ok := s.sessions.NextIdleWorker(); ok {
		s.dispatcher.TryDispatch(ctx, sess.ID)
	}
}

// PublishBroadcast sends an operator broadcast. With a relay configured it
// goes through redis so every instance delivers it; otherwise delivery is
// local only. Returns the local delivery count and whether the relay was
// used.
func (s *Server) PublishBroadcast(ctx context.Context, message json.RawMessage, workerID string) (int, bool, error) {
	b := fanout.Broadcast{Message: message, WorkerID: workerID}
	if s.relay != nil {
		if err := s.relay.Publish(ctx, b); err != nil {
			return 0, true, err
		}
		return 0, true, nil
	}
	return s.deliverBroadcast(b), false, nil
}

func (s *Server) deliverBroadcast(b fanout.Broadcast) int {
	frame, err := NewFrame(FrameTypeBroadcast, b.Message)
	if err != nil {
		return 0
	}
	return s.broadcast(frame, "", b.WorkerID)
}

// broadcast writes a frame to all live sessions, skipping except, and
// restricted to a worker identity when workerID is set. Sessions that can't
// be written to are deregistered.
func (s *Server) broadcast(frame Frame, except, workerID string) int {
	s.connsMu.RLock()
	targets := make(map[string]*websocket.Conn, len(s.conns))
	for id, conn := range s.conns {
		targets[id] = conn
	}
	s.connsMu.RUnlock()

	delivered := 0
	for id, conn := range targets {
		if id == except {
			continue
		}
		sess, ok := s.sessions.Get(id)
		if !ok {
			continue
		}
		if workerID != "" && sess.WorkerID != workerID {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, conn, frame)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("broadcast send failed, dropping session")
			s.drop(id, conn)
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll force-closes every session. Read loops notice and deregister.
func (s *Server) CloseAll() int {
	s.connsMu.RLock()
	targets := make(map[string]*websocket.Conn, len(s.conns))
	for id, conn := range s.conns {
		targets[id] = conn
	}
	s.connsMu.RUnlock()

	for id, conn := range targets {
		conn.Close(websocket.StatusGoingAway, "server closing sessions")
		s.drop(id, conn)
	}
	return len(targets)
}

func (s *Server) drop(id string, conn *websocket.Conn) {
	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
	s.sessions.Remove(id)
	conn.Close(websocket.StatusGoingAway, "unreachable")
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, frame)
}

func (s *Server) replyError(ctx context.Context, conn *websocket.Conn, code, message string) {
	frame, err := NewFrame(FrameTypeError, ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := s.writeFrame(ctx, conn, frame); err != nil {
		log.Debug().Err(err).Msg("send error frame")
	}
}
