package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/crawlgrid/dispatcher/internal/api"
	"github.com/crawlgrid/dispatcher/internal/blob"
	"github.com/crawlgrid/dispatcher/internal/config"
	"github.com/crawlgrid/dispatcher/internal/fanout"
	"github.com/crawlgrid/dispatcher/internal/monitor"
	"github.com/crawlgrid/dispatcher/internal/queue"
	"github.com/crawlgrid/dispatcher/internal/reconcile"
	"github.com/crawlgrid/dispatcher/internal/session"
	"github.com/crawlgrid/dispatcher/internal/workerclient"
	"github.com/crawlgrid/dispatcher/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	workerURL := flag.String("worker", "", "Run as worker connecting to dispatcher WebSocket URL")
	workerID := flag.String("worker-id", "", "Worker identity to report on the duplex channel")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Load()
	if *configPath != "" {
		if err := cfg.ApplyFile(*configPath); err != nil {
			log.Fatal().Err(err).Msg("load config file")
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if *workerURL != "" {
		runWorker(*workerURL, *workerID)
		return
	}

	runDispatcher(cfg)
}

func runDispatcher(cfg *config.Config) {
	log.Info().Str("node_id", cfg.NodeID).Int("port", cfg.HTTPPort).Msg("starting dispatcher")

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	store := queue.NewStore(db)
	if requeued, failed, err := store.ReclaimExpired(context.Background(), time.Now().UTC(), cfg.LeaseTTL); err == nil {
		log.Info().Int("requeued", requeued).Int("failed", failed).Msg("recovered stale claims")
	}

	blobs, err := blob.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open blob store")
	}
	defer blobs.Close()

	rec := reconcile.NewReconciler(store, blobs)
	sessions := session.NewManager()
	wsServer := ws.NewServer(sessions, store, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		relay := fanout.NewRelay(cfg.RedisAddr, cfg.RedisChannel)
		defer relay.Close()
		wsServer.SetRelay(ctx, relay)
		log.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("broadcast fan-out enabled")
	}

	sweeper := queue.NewSweeper(store, cfg.LeaseTTL, cfg.SweepInterval)
	go sweeper.Run(ctx)

	monitors := monitor.NewStore(db)
	monitorSvc := monitor.NewService(monitors, store, cfg.MonitorInterval, func() {
		wsServer.DispatchToIdle(ctx)
	})
	go monitorSvc.Run(ctx)

	router := api.NewRouter(cfg, store, sessions, rec, wsServer, monitors, blobs)
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-done
	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("server stopped")
}

// runWorker connects as a duplex-channel worker with a stub handler that
// acknowledges assignments. Real workers replace the handler with actual
// scraping.
func runWorker(url, workerID string) {
	log.Info().Str("url", url).Msg("starting worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	client := workerclient.New(url, workerID, func(ctx context.Context, a ws.AssignmentData) (json.RawMessage, error) {
		time.Sleep(500 * time.Millisecond)
		return json.Marshal(map[string]any{"target": a.Target, "status": "ok"})
	})

	go func() {
		if err := client.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("worker stopped")
		}
	}()

	<-done
	log.Info().Msg("shutting down worker")
	cancel()
	time.Sleep(500 * time.Millisecond)
}
