package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crawlgrid/dispatcher/internal/blob"
	"github.com/crawlgrid/dispatcher/internal/config"
	"github.com/crawlgrid/dispatcher/internal/monitor"
	"github.com/crawlgrid/dispatcher/internal/queue"
	"github.com/crawlgrid/dispatcher/internal/reconcile"
	"github.com/crawlgrid/dispatcher/internal/session"
	"github.com/crawlgrid/dispatcher/internal/ws"
)

func NewRouter(cfg *config.Config, store *queue.Store, sessions *session.Manager,
	rec *reconcile.Reconciler, wsServer *ws.Server, monitors *monitor.Store,
	blobs *blob.Store) http.Handler {

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	h := NewHandlers(cfg, store, sessions, rec, wsServer, monitors, blobs)

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", h.EnqueueJob)
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
		r.Delete("/{id}", h.DeleteJob)
		r.Get("/{id}/result", h.GetJobResult)
		r.Post("/{id}/status", h.ReportStatus)
	})

	r.Get("/api/worker/poll", h.Poll)

	r.Route("/api/monitors", func(r chi.Router) {
		r.Post("/", h.CreateMonitor)
		r.Get("/", h.ListMonitors)
		r.Get("/{id}", h.GetMonitor)
		r.Delete("/{id}", h.DeleteMonitor)
	})

	r.Get("/api/sessions", h.ListSessions)
	r.Post("/api/admin/broadcast", h.Broadcast)
	r.Post("/api/admin/sessions/close", h.CloseSessions)

	r.Get("/ws/worker", wsServer.HandleSession)

	return r
}
