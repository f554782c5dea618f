package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/crawlgrid/dispatcher/internal/blob"
	"github.com/crawlgrid/dispatcher/internal/config"
	"github.com/crawlgrid/dispatcher/internal/job"
	"github.com/crawlgrid/dispatcher/internal/monitor"
	"github.com/crawlgrid/dispatcher/internal/queue"
	"github.com/crawlgrid/dispatcher/internal/reconcile"
	"github.com/crawlgrid/dispatcher/internal/session"
	"github.com/crawlgrid/dispatcher/internal/ws"
)

var startTime = time.Now()

type Handlers struct {
	cfg      *config.Config
	store    *queue.Store
	sessions *session.Manager
	rec      *reconcile.Reconciler
	ws       *ws.Server
	monitors *monitor.Store
	blobs    *blob.Store
}

func NewHandlers(cfg *config.Config, store *queue.Store, sessions *session.Manager,
	rec *reconcile.Reconciler, wsServer *ws.Server, monitors *monitor.Store,
	blobs *blob.Store) *Handlers {
	return &Handlers{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		rec:      rec,
		ws:       wsServer,
		monitors: monitors,
		blobs:    blobs,
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not read job stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.cfg.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs":           counts,
		"sessions":       h.sessions.Stats(),
	})
}

func (h *Handlers) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var spec job.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body", "invalid request body")
		return
	}
	if fields := spec.Validate(); fields != nil {
		writeValidation(w, fields)
		return
	}

	j, err := h.store.Enqueue(r.Context(), spec)
	if err != nil {
		log.Error().Err(err).Msg("enqueue job")
		writeError(w, http.StatusInternalServerError, "internal", "could not enqueue job")
		return
	}

	h.ws.DispatchToIdle(r.Context())

	writeJSON(w, http.StatusCreated, j)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := job.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+string(status))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := h.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	err := h.store.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GetJobResult(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusNotFound, "not_found", "no result stored")
		return
	}
	data, err := h.blobs.Get(reconcile.ResultNamespace, chi.URLParam(r, "id"))
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no result stored")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not load result")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ReportStatus is the poll-transport status endpoint. It feeds the same
// reconciler the duplex channel does.
func (h *Handlers) ReportStatus(w http.ResponseWriter, r *http.Request) {
	var rep reconcile.Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body", "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	applied, err := h.rec.Reconcile(r.Context(), id, rep)
	switch {
	case errors.Is(err, reconcile.ErrUnknownStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+rep.Status)
		return
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	case err != nil:
		log.Error().Err(err).Str("job_id", id).Msg("reconcile poll report")
		writeError(w, http.StatusInternalServerError, "internal", "could not apply status report")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(applied)})
}

type pollJob struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Site   string `json:"site"`
}

type pollParams struct {
	Context  string `json:"context,omitempty"`
	MaxTasks int    `json:"max_tasks"`
}

type pollAssignment struct {
	Action string     `json:"action"`
	Job    pollJob    `json:"job"`
	Params pollParams `json:"params"`
}

type pollResponse struct {
	Action      string           `json:"action"`
	Job         *pollJob         `json:"job,omitempty"`
	Params      *pollParams      `json:"params,omitempty"`
	Assignments []pollAssignment `json:"assignments,omitempty"`
}

// Poll is the pull transport: claim up to max_jobs and hand them out. Each
// call is independent; the worker owes a status report per job it takes.
func (h *Handlers) Poll(w http.ResponseWriter, r *http.Request) {
	maxJobs, _ := strconv.Atoi(r.URL.Query().Get("max_jobs"))
	if maxJobs < 1 {
		maxJobs = 1
	}

	jobs, err := h.store.ClaimNext(r.Context(), time.Now().UTC(), maxJobs)
	if errors.Is(err, queue.ErrNoWork) {
		writeJSON(w, http.StatusOK, pollResponse{Action: "no_action"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("claim for poll")
		writeError(w, http.StatusInternalServerError, "internal", "could not claim jobs")
		return
	}

	resp := pollResponse{}
	for _, j := range jobs {
		resp.Assignments = append(resp.Assignments, pollAssignment{
			Action: string(j.Kind),
			Job:    pollJob{ID: j.ID, Target: j.Target, Site: j.SiteID},
			Params: pollParams{Context: j.Context, MaxTasks: j.MaxTasks},
		})
	}
	// Single-job pollers read the flat fields.
	resp.Action = resp.Assignments[0].Action
	resp.Job = &resp.Assignments[0].Job
	resp.Params = &resp.Assignments[0].Params

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) CreateMonitor(w http.ResponseWriter, r *http.Request) {
	var spec monitor.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body", "invalid request body")
		return
	}
	if fields := spec.Validate(); fields != nil {
		writeValidation(w, fields)
		return
	}

	m, err := h.monitors.Create(r.Context(), spec)
	if err != nil {
		log.Error().Err(err).Msg("create monitor")
		writeError(w, http.StatusInternalServerError, "internal", "could not create monitor")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handlers) ListMonitors(w http.ResponseWriter, r *http.Request) {
	monitors, err := h.monitors.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not list monitors")
		return
	}
	if monitors == nil {
		monitors = []*monitor.Monitor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": monitors, "count": len(monitors)})
}

func (h *Handlers) GetMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := h.monitors.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, monitor.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not load monitor")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) DeleteMonitor(w http.ResponseWriter, r *http.Request) {
	err := h.monitors.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, monitor.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "monitor not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not delete monitor")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

type broadcastRequest struct {
	Message  json.RawMessage `json:"message"`
	WorkerID string          `json:"worker_id,omitempty"`
}

func (h *Handlers) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, "malformed_body", "message is required")
		return
	}

	delivered, viaRelay, err := h.ws.PublishBroadcast(r.Context(), req.Message, req.WorkerID)
	if err != nil {
		log.Error().Err(err).Msg("publish broadcast")
		writeError(w, http.StatusInternalServerError, "internal", "could not publish broadcast")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered, "relayed": viaRelay})
}

func (h *Handlers) CloseSessions(w http.ResponseWriter, r *http.Request) {
	closed := h.ws.CloseAll()
	writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func writeValidation(w http.ResponseWriter, fields map[string]string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"code":    "validation_failed",
		"message": "request has invalid fields",
		"fields":  fields,
	})
}
