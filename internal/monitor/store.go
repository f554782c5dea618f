package monitor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var ErrNotFound = errors.New("monitor not found")

// Monitor re-enqueues a scrape of the same target on a cron schedule.
type Monitor struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Target    string     `json:"target"`
	SiteID    string     `json:"site_id"`
	Context   string     `json:"context,omitempty"`
	Priority  int        `json:"priority"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Spec struct {
	Name     string `json:"name"`
	CronExpr string `json:"cron_expr"`
	Target   string `json:"target"`
	SiteID   string `json:"site_id"`
	Context  string `json:"context,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Enabled  bool   `json:"enabled"`
}

func (s Spec) Validate() map[string]string {
	fields := map[string]string{}
	if s.Name == "" {
		fields["name"] = "required"
	}
	if s.Target == "" {
		fields["target"] = "required"
	}
	if s.SiteID == "" {
		fields["site_id"] = "required"
	}
	if s.CronExpr == "" {
		fields["cron_expr"] = "required"
	} else if err := ValidateExpr(s.CronExpr); err != nil {
		fields["cron_expr"] = "invalid cron expression"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func ValidateExpr(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

// Store persists monitors alongside jobs in the same sqlite database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const monitorColumns = `id,name,cron_expr,target,site_id,context,priority,enabled,last_run,next_run,created_at,updated_at`

func (s *Store) Create(ctx context.Context, spec Spec) (*Monitor, error) {
	now := time.Now().UTC()
	nextRun, err := NextRunTime(spec.CronExpr, now)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		CronExpr:  spec.CronExpr,
		Target:    spec.Target,
		SiteID:    spec.SiteID,
		Context:   spec.Context,
		Priority:  spec.Priority,
		Enabled:   spec.Enabled,
		NextRun:   nextRun,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO monitors (`+monitorColumns+`)
VALUES (?,?,?,?,?,?,?,?,NULL,?,?,?)`,
		m.ID, m.Name, m.CronExpr, m.Target, m.SiteID, m.Context, m.Priority,
		m.Enabled, m.NextRun.UnixMilli(), m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Monitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id=?`, id)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *Store) List(ctx context.Context) ([]*Monitor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+monitorColumns+` FROM monitors ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Due(ctx context.Context, now time.Time) ([]*Monitor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+monitorColumns+` FROM monitors
WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var monitors []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

func (s *Store) MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE monitors SET last_run=?, next_run=?, updated_at=? WHERE id=?`,
		lastRun.UTC().UnixMilli(), nextRun.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row scanner) (*Monitor, error) {
	var m Monitor
	var lastRun sql.NullInt64
	var nextRun, createdAt, updatedAt int64

	err := row.Scan(&m.ID, &m.Name, &m.CronExpr, &m.Target, &m.SiteID, &m.Context,
		&m.Priority, &m.Enabled, &lastRun, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64).UTC()
		m.LastRun = &t
	}
	m.NextRun = time.UnixMilli(nextRun).UTC()
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &m, nil
}
