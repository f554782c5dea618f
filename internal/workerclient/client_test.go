package workerclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crawlgrid/dispatcher/internal/job"
	"github.com/crawlgrid/dispatcher/internal/queue"
	"github.com/crawlgrid/dispatcher/internal/reconcile"
	"github.com/crawlgrid/dispatcher/internal/session"
	"github.com/crawlgrid/dispatcher/internal/ws"
)

func newDuplexEndpoint(t *testing.T) (*queue.Store, string) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc", filepath.Join(t.TempDir(), "queue.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := queue.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	store := queue.NewStore(db)
	srv := ws.NewServer(session.NewManager(), store, reconcile.NewReconciler(store, nil))
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleSession))
	t.Cleanup(ts.Close)

	return store, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitForStatus(t *testing.T, store *queue.Store, id string, want job.Status) *job.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func TestClientExecutesAssignment(t *testing.T) {
	store, url := newDuplexEndpoint(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := store.Enqueue(ctx, job.Spec{
		Target: "https://example.com/listings", SiteID: "example", Source: "test", Kind: job.KindScrape,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var gotTarget string
	client := New(url, "worker-1", func(ctx context.Context, a ws.AssignmentData) (json.RawMessage, error) {
		gotTarget = a.Target
		return json.Marshal(map[string]string{"outcome": "ok"})
	})
	go client.Run(ctx)

	done := waitForStatus(t, store, j.ID, job.StatusCompleted)
	if done.CompletedAt == nil {
		t.Error("expected completed_at to be stamped")
	}
	if gotTarget != j.Target {
		t.Errorf("handler got target %q, want %q", gotTarget, j.Target)
	}
}

func TestClientReportsHandlerFailure(t *testing.T) {
	store, url := newDuplexEndpoint(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := store.Enqueue(ctx, job.Spec{
		Target: "https://example.com/broken", SiteID: "example", Source: "test", Kind: job.KindScrape,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	client := New(url, "worker-1", func(context.Context, ws.AssignmentData) (json.RawMessage, error) {
		return nil, errors.New("site unreachable")
	})
	go client.Run(ctx)

	failed := waitForStatus(t, store, j.ID, job.StatusFailed)
	if failed.ErrorMessage != "site unreachable" {
		t.Errorf("expected handler error message, got %q", failed.ErrorMessage)
	}
}
