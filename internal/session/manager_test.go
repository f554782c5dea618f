package session

import (
	"sync"
	"testing"
	"time"
)

func TestAddGetRemove(t *testing.T) {
	m := NewManager()

	s := New(ClientWorker, "worker-1", "")
	m.Add(s)

	got, ok := m.Get(s.ID)
	if !ok {
		t.Fatal("expected session to be registered")
	}
	if got.Client != ClientWorker || got.WorkerID != "worker-1" {
		t.Errorf("unexpected session: %+v", got)
	}
	if got.State != StateIdle {
		t.Errorf("new session should be idle, got %s", got.State)
	}

	m.Remove(s.ID)
	if _, ok := m.Get(s.ID); ok {
		t.Error("expected session to be gone after remove")
	}
}

func TestTouchCountsMessages(t *testing.T) {
	m := NewManager()
	s := New(ClientObserver, "", "dashboard")
	m.Add(s)

	m.Touch(s.ID)
	m.Touch(s.ID)

	got, _ := m.Get(s.ID)
	if got.MessageCount != 2 {
		t.Errorf("expected 2 messages, got %d", got.MessageCount)
	}
	if got.LastActivity.Before(got.ConnectedAt) {
		t.Error("last_activity not advanced")
	}
}

func TestBusyIdleCycle(t *testing.T) {
	m := NewManager()
	s := New(ClientWorker, "worker-1", "")
	m.Add(s)

	m.SetBusy(s.ID, "job-1")
	got, _ := m.Get(s.ID)
	if got.State != StateBusy || got.CurrentJobID != "job-1" {
		t.Errorf("expected busy on job-1, got %+v", got)
	}

	// A failed assignment send reverts without counting a report.
	m.SetIdle(s.ID)
	got, _ = m.Get(s.ID)
	if got.State != StateIdle || got.CurrentJobID != "" || got.JobsReported != 0 {
		t.Errorf("expected clean idle, got %+v", got)
	}

	m.SetBusy(s.ID, "job-2")
	m.ReportDone(s.ID)
	got, _ = m.Get(s.ID)
	if got.State != StateIdle || got.JobsReported != 1 {
		t.Errorf("expected idle with 1 reported, got %+v", got)
	}
}

func TestNextIdleWorkerPrefersOldest(t *testing.T) {
	m := NewManager()

	if _, ok := m.NextIdleWorker(); ok {
		t.Error("empty manager returned a worker")
	}

	older := New(ClientWorker, "older", "")
	older.ConnectedAt = time.Now().UTC().Add(-time.Minute)
	newer := New(ClientWorker, "newer", "")
	observer := New(ClientObserver, "", "")
	m.Add(newer)
	m.Add(older)
	m.Add(observer)

	got, ok := m.NextIdleWorker()
	if !ok || got.WorkerID != "older" {
		t.Errorf("expected oldest idle worker, got %+v", got)
	}

	m.SetBusy(older.ID, "job-1")
	got, ok = m.NextIdleWorker()
	if !ok || got.WorkerID != "newer" {
		t.Errorf("expected remaining idle worker, got %+v", got)
	}

	m.SetBusy(newer.ID, "job-2")
	if _, ok := m.NextIdleWorker(); ok {
		t.Error("observers must never be picked for dispatch")
	}
}

func TestListOrderedByConnection(t *testing.T) {
	m := NewManager()

	first := New(ClientWorker, "a", "")
	first.ConnectedAt = time.Now().UTC().Add(-2 * time.Minute)
	second := New(ClientWorker, "b", "")
	second.ConnectedAt = time.Now().UTC().Add(-time.Minute)
	m.Add(second)
	m.Add(first)

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].WorkerID != "a" || list[1].WorkerID != "b" {
		t.Errorf("expected connection order, got %s then %s", list[0].WorkerID, list[1].WorkerID)
	}
}

func TestStats(t *testing.T) {
	m := NewManager()

	w1 := New(ClientWorker, "w1", "")
	w2 := New(ClientWorker, "w2", "")
	obs := New(ClientObserver, "", "")
	m.Add(w1)
	m.Add(w2)
	m.Add(obs)
	m.SetBusy(w2.ID, "job-1")

	stats := m.Stats()
	if stats.Connected != 3 || stats.Workers != 2 || stats.Observers != 1 {
		t.Errorf("unexpected counts: %+v", stats)
	}
	if stats.Idle != 2 || stats.Busy != 1 {
		t.Errorf("unexpected states: %+v", stats)
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager()
	s := New(ClientWorker, "w", "")
	m.Add(s)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Touch(s.ID)
			m.Get(s.ID)
			m.Stats()
		}()
	}
	wg.Wait()

	got, _ := m.Get(s.ID)
	if got.MessageCount != 50 {
		t.Errorf("expected 50 messages, got %d", got.MessageCount)
	}
}
