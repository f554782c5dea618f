package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crawlgrid/dispatcher/internal/blob"
	"github.com/crawlgrid/dispatcher/internal/job"
	"github.com/crawlgrid/dispatcher/internal/queue"
)

func newTestReconciler(t *testing.T, withBlobs bool) (*Reconciler, *queue.Store, *blob.Store) {
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

	var blobs *blob.Store
	if withBlobs {
		blobs, err = blob.NewStore(t.TempDir())
		if err != nil {
			t.Fatalf("open blob store: %v", err)
		}
		t.Cleanup(func() { blobs.Close() })
	}
	return NewReconciler(store, blobs), store, blobs
}

func enqueueClaimed(t *testing.T, store *queue.Store) *job.Job {
	t.Helper()
	ctx := context.Background()

	j, err := store.Enqueue(ctx, job.Spec{
		Target: "https://example.com", SiteID: "example", Source: "test", Kind: job.KindScrape,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNext(ctx, time.Now().UTC(), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return j
}

func TestReconcileInProgress(t *testing.T) {
	rec, store, _ := newTestReconciler(t, false)
	ctx := context.Background()
	j := enqueueClaimed(t, store)

	applied, err := rec.Reconcile(ctx, j.ID, Report{Status: "in_progress"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if applied != job.StatusProcessing {
		t.Errorf("expected processing, got %s", applied)
	}
}

func TestReconcileInProgressRenewsLease(t *testing.T) {
	rec, store, _ := newTestReconciler(t, false)
	ctx := context.Background()

	spec := job.Spec{
		Target: "https://example.com/slow", SiteID: "example", Source: "test", Kind: job.KindScrape,
	}
	earlier := time.Now().UTC().Add(-2 * time.Hour)
	spec.AvailableAt = &earlier
	j, err := store.Enqueue(ctx, spec)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimedAt := time.Now().UTC().Add(-time.Hour)
	if _, err := store.ClaimNext(ctx, claimedAt, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := rec.Reconcile(ctx, j.ID, Report{Status: "in_progress"}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// The report is the worker's heartbeat: the stale claim timestamp must
	// move forward so the sweep leaves the job with its worker.
	got, _ := store.Get(ctx, j.ID)
	if got.LastClaimedAt == nil || !got.LastClaimedAt.After(claimedAt) {
		t.Errorf("lease not renewed by report: %v", got.LastClaimedAt)
	}

	requeued, failed, err := store.ReclaimExpired(ctx, time.Now().UTC(), 5*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Errorf("job swept despite active worker: %d/%d", requeued, failed)
	}
}

func TestReconcileCompletedStoresResult(t *testing.T) {
	rec, store, blobs := newTestReconciler(t, true)
	ctx := context.Background()
	j := enqueueClaimed(t, store)

	result := json.RawMessage(`{"listings": 12}`)
	applied, err := rec.Reconcile(ctx, j.ID, Report{Status: "completed", Result: result})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if applied != job.StatusCompleted {
		t.Errorf("expected completed, got %s", applied)
	}

	got, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be stamped")
	}

	stored, err := blobs.Get(ResultNamespace, j.ID)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if string(stored) != string(result) {
		t.Errorf("result mismatch: %s", stored)
	}
}

func TestReconcileFailedDefaultsErrorMessage(t *testing.T) {
	rec, store, _ := newTestReconciler(t, false)
	ctx := context.Background()
	j := enqueueClaimed(t, store)

	if _, err := rec.Reconcile(ctx, j.ID, Report{Status: "failed"}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, _ := store.Get(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.ErrorMessage != "worker reported failure" {
		t.Errorf("expected default error message, got %q", got.ErrorMessage)
	}
}

func TestReconcileIdempotentOnTerminal(t *testing.T) {
	rec, store, _ := newTestReconciler(t, false)
	ctx := context.Background()
	j := enqueueClaimed(t, store)

	if _, err := rec.Reconcile(ctx, j.ID, Report{Status: "completed"}); err != nil {
		t.Fatalf("first report: %v", err)
	}
	first, _ := store.Get(ctx, j.ID)

	// A late duplicate, and even a contradictory one, changes nothing.
	for _, status := range []string{"completed", "failed", "in_progress"} {
		applied, err := rec.Reconcile(ctx, j.ID, Report{Status: status})
		if err != nil {
			t.Fatalf("duplicate %s report: %v", status, err)
		}
		if applied != job.StatusCompleted {
			t.Errorf("duplicate %s report: expected completed, got %s", status, applied)
		}
	}

	after, _ := store.Get(ctx, j.ID)
	if !after.CompletedAt.Equal(*first.CompletedAt) {
		t.Error("completed_at changed on duplicate report")
	}
	if after.UpdatedAt.After(first.UpdatedAt) {
		t.Error("terminal job touched by duplicate report")
	}
}

func TestReconcileUnknownStatus(t *testing.T) {
	rec, store, _ := newTestReconciler(t, false)
	j := enqueueClaimed(t, store)

	_, err := rec.Reconcile(context.Background(), j.ID, Report{Status: "done"})
	if !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestReconcileUnknownJob(t *testing.T) {
	rec, _, _ := newTestReconciler(t, false)

	_, err := rec.Reconcile(context.Background(), "nonexistent", Report{Status: "completed"})
	if !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
