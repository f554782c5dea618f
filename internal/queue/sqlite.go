package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crawlgrid/dispatcher/internal/job"
)

var (
	// ErrNoWork is returned by ClaimNext when nothing is eligible, so
	// callers can tell an empty queue from a failure.
	ErrNoWork = errors.New("no jobs ready")

	ErrNotFound = errors.New("job not found")

	// ErrTerminal is returned when a transition would move a job out of a
	// terminal state.
	ErrTerminal = errors.New("job is in a terminal state")
)

// MaxClaimBatch caps how many jobs a single poll may claim so one worker
// cannot drain the backlog ahead of the others.
const MaxClaimBatch = 10

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('scrape','agent','monitor')),
  target TEXT NOT NULL,
  site_id TEXT NOT NULL,
  source TEXT NOT NULL,
  context TEXT NOT NULL DEFAULT '',
  max_tasks INTEGER NOT NULL DEFAULT 5,
  priority INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed','cancelled')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  available_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  started_at INTEGER,
  last_claimed_at INTEGER,
  completed_at INTEGER,
  error_message TEXT NOT NULL DEFAULT '',
  metadata BLOB
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, available_at, priority DESC, created_at);
CREATE TABLE IF NOT EXISTS monitors (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  target TEXT NOT NULL,
  site_id TEXT NOT NULL,
  context TEXT NOT NULL DEFAULT '',
  priority INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run INTEGER,
  next_run INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitors_due ON monitors(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable system of record for jobs. All timestamps are kept
// as unix milliseconds so eligibility comparisons stay exact.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id,kind,target,site_id,source,context,max_tasks,priority,status,
retry_count,max_retries,available_at,created_at,updated_at,started_at,last_claimed_at,
completed_at,error_message,metadata`

func (s *Store) Enqueue(ctx context.Context, spec job.Spec) (*job.Job, error) {
	if fields := spec.Validate(); fields != nil {
		return nil, fmt.Errorf("invalid job spec: %v", fields)
	}
	j := job.New(spec)

	var meta []byte
	if j.Metadata != nil {
		b, err := json.Marshal(j.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		meta = b
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,NULL,NULL,NULL,'',?)`,
		j.ID, j.Kind, j.Target, j.SiteID, j.Source, j.Context, j.MaxTasks, j.Priority,
		j.Status, j.RetryCount, j.MaxRetries,
		j.AvailableAt.UnixMilli(), j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(), meta)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ListByStatus returns jobs ordered by priority desc then age asc, which is
// the same order ClaimNext serves them in. An empty status lists everything.
func (s *Store) ListByStatus(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, status)
	}
	q += ` ORDER BY priority DESC, created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TransitionFields carries the optional columns a transition may stamp.
type TransitionFields struct {
	ErrorMessage *string
	CompletedAt  *time.Time
	RetryCount   *int
}

// Transition moves a job to a new status. Jobs already in a terminal state
// are never modified; attempting it returns ErrTerminal.
func (s *Store) Transition(ctx context.Context, id string, to job.Status, f TransitionFields) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q", to)
	}
	nowMs := time.Now().UTC().UnixMilli()
	q := `UPDATE jobs SET status=?, updated_at=?`
	args := []any{to, nowMs}
	// A report that moves a job into processing is the worker's heartbeat;
	// renew the lease so slow-but-alive workers don't get swept.
	if to == job.StatusProcessing {
		q += `, last_claimed_at=?`
		args = append(args, nowMs)
	}
	if f.ErrorMessage != nil {
		q += `, error_message=?`
		args = append(args, *f.ErrorMessage)
	}
	if f.CompletedAt != nil {
		q += `, completed_at=?`
		args = append(args, f.CompletedAt.UTC().UnixMilli())
	}
	if f.RetryCount != nil {
		q += `, retry_count=?`
		args = append(args, *f.RetryCount)
	}
	q += ` WHERE id=? AND status NOT IN ('completed','failed','cancelled')`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Either the job doesn't exist or the terminal guard held.
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrTerminal
}

// ClaimNext reserves up to max eligible jobs for the caller. Each claim is
// a conditional update guarded on status='pending', so two concurrent calls
// can never win the same job; losers just move on to the next candidate.
func (s *Store) ClaimNext(ctx context.Context, now time.Time, max int) ([]*job.Job, error) {
	if max < 1 {
		max = 1
	}
	if max > MaxClaimBatch {
		max = MaxClaimBatch
	}

	nowMs := now.UTC().UnixMilli()
	var claimed []*job.Job

	// Losing every candidate to concurrent claimers doesn't mean the queue
	// is empty, just that the selection window went stale; look once more
	// before reporting no work.
	for attempt := 0; attempt < 2 && len(claimed) == 0; attempt++ {
		candidates, err := s.claimCandidates(ctx, nowMs, max*2)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}

		for _, id := range candidates {
			if len(claimed) == max {
				break
			}
			res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status='processing', started_at=COALESCE(started_at, ?), last_claimed_at=?, updated_at=?
WHERE id=? AND status='pending'`, nowMs, nowMs, nowMs, id)
			if err != nil {
				return nil, err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue // lost to a concurrent claim
			}
			j, err := s.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			claimed = append(claimed, j)
		}
	}

	if len(claimed) == 0 {
		return nil, ErrNoWork
	}
	return claimed, nil
}

// claimCandidates over-selects eligible job ids so races lost to concurrent
// claimers still leave enough candidates to fill a batch.
func (s *Store) claimCandidates(ctx context.Context, nowMs int64, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM jobs
WHERE status='pending' AND available_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT ?`, nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Release reverts a claim that was never delivered, e.g. a push send that
// failed. Guarded on status='processing' so a status report that already
// arrived wins.
func (s *Store) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='pending', updated_at=?
WHERE id=? AND status='processing'`, time.Now().UTC().UnixMilli(), id)
	return err
}

// ReclaimExpired makes abandoned claims eligible again. A processing job
// whose last claim is older than ttl goes back to pending with its retry
// counter bumped, or to failed once retries are exhausted.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time, ttl time.Duration) (requeued, failed int, err error) {
	cutoff := now.UTC().Add(-ttl).UnixMilli()
	nowMs := now.UTC().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status='failed', error_message='lease expired', completed_at=?, updated_at=?
WHERE status='processing' AND COALESCE(last_claimed_at, updated_at) <= ? AND retry_count >= max_retries`,
		nowMs, nowMs, cutoff)
	if err != nil {
		return 0, 0, err
	}
	nf, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
UPDATE jobs
SET status='pending', retry_count=retry_count+1, updated_at=?
WHERE status='processing' AND COALESCE(last_claimed_at, updated_at) <= ?`, nowMs, cutoff)
	if err != nil {
		return 0, int(nf), err
	}
	nr, _ := res.RowsAffected()
	return int(nr), int(nf), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns job counts keyed by status.
func (s *Store) Stats(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[job.Status]int{
		job.StatusPending:    0,
		job.StatusProcessing: 0,
		job.StatusCompleted:  0,
		job.StatusFailed:     0,
		job.StatusCancelled:  0,
	}
	for rows.Next() {
		var status job.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var j job.Job
	var availableAt, createdAt, updatedAt int64
	var startedAt, lastClaimedAt, completedAt sql.NullInt64
	var meta []byte

	err := row.Scan(&j.ID, &j.Kind, &j.Target, &j.SiteID, &j.Source, &j.Context,
		&j.MaxTasks, &j.Priority, &j.Status, &j.RetryCount, &j.MaxRetries,
		&availableAt, &createdAt, &updatedAt, &startedAt, &lastClaimedAt,
		&completedAt, &j.ErrorMessage, &meta)
	if err != nil {
		return nil, err
	}

	j.AvailableAt = time.UnixMilli(availableAt).UTC()
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		j.StartedAt = &t
	}
	if lastClaimedAt.Valid {
		t := time.UnixMilli(lastClaimedAt.Int64).UTC()
		j.LastClaimedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		j.CompletedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &j, nil
}
