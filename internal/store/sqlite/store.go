// Package sqlite implements jobs.Store on a local SQLite file, for single
// process deployments where Postgres is overkill. SQLite serializes writers,
// so the guarded UPDATEs give the same compare-and-set behavior as the
// Postgres store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/example/resy-sniper/internal/domain/reservation"
	"github.com/example/resy-sniper/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS sniper_jobs (
	id               TEXT PRIMARY KEY,
	group_id         TEXT NOT NULL,
	venue_id         TEXT NOT NULL,
	reservation_date TEXT NOT NULL,
	windows          TEXT NOT NULL,
	party_size       INTEGER NOT NULL,
	scheduled_at     TEXT NOT NULL,
	deadline         TEXT,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	poll_interval_ms INTEGER NOT NULL,
	jitter_min_ms    INTEGER NOT NULL,
	jitter_max_ms    INTEGER NOT NULL,
	last_error       TEXT,
	confirmation_id  TEXT,
	booked_time      TEXT,
	created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_sniper_jobs_due   ON sniper_jobs(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_sniper_jobs_group ON sniper_jobs(group_id);

CREATE TABLE IF NOT EXISTS reservations (
	id               TEXT PRIMARY KEY,
	job_id           TEXT NOT NULL,
	group_id         TEXT NOT NULL,
	platform         TEXT NOT NULL DEFAULT 'resy',
	venue_id         TEXT NOT NULL,
	reservation_date TEXT NOT NULL,
	slot_time        TEXT NOT NULL,
	party_size       INTEGER NOT NULL,
	confirmation_id  TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'confirmed',
	created_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at       TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_reservations_target ON reservations(group_id, venue_id, reservation_date, status);
`

type Store struct{ db *sql.DB }

// Open opens (creating if necessary) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	d, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection sidesteps SQLITE_BUSY between the pool's writers.
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(schema); err != nil {
		d.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{db: d}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateJob(ctx context.Context, j *jobs.SniperJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.GroupID == uuid.Nil {
		j.GroupID = uuid.New()
	}
	if j.Status == "" {
		j.Status = jobs.StatusPending
	}
	windows, err := json.Marshal(j.Windows)
	if err != nil {
		return fmt.Errorf("encode windows: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sniper_jobs (id, group_id, venue_id, reservation_date, windows, party_size,
  scheduled_at, deadline, status, attempts, max_attempts,
  poll_interval_ms, jitter_min_ms, jitter_max_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID.String(), j.GroupID.String(), j.VenueID, fmtTime(j.Date), string(windows), j.PartySize,
		fmtTime(j.ScheduledAt), fmtTimePtr(j.Deadline), j.Status, j.Attempts, j.MaxAttempts,
		j.PollInterval.Milliseconds(), j.JitterMin.Milliseconds(), j.JitterMax.Milliseconds())
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobColumns = `id, group_id, venue_id, reservation_date, windows, party_size,
scheduled_at, deadline, status, attempts, max_attempts,
poll_interval_ms, jitter_min_ms, jitter_max_ms,
last_error, confirmation_id, booked_time, created_at, updated_at`

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (jobs.SniperJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM sniper_jobs WHERE id=?`, id.String())
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.SniperJob{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.SniperJob{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]jobs.SniperJob, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM sniper_jobs
WHERE status=? AND scheduled_at <= ?
ORDER BY scheduled_at ASC, id ASC
LIMIT ?`, jobs.StatusPending, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) Siblings(ctx context.Context, groupID uuid.UUID) ([]jobs.SniperJob, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM sniper_jobs WHERE group_id=? ORDER BY id ASC`, groupID.String())
	if err != nil {
		return nil, fmt.Errorf("siblings: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) Transition(ctx context.Context, id uuid.UUID, to jobs.Status, upd jobs.StatusUpdate, from ...jobs.Status) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), upd.LastError, upd.ConfirmationID, fmtTimePtr(upd.BookedTime), upd.Attempts, fmtTime(time.Now().UTC()), id.String()}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sniper_jobs
SET status=?,
    last_error=COALESCE(?, last_error),
    confirmation_id=COALESCE(?, confirmation_id),
    booked_time=COALESCE(?, booked_time),
    attempts=COALESCE(?, attempts),
    updated_at=?
WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows: %w", err)
	}
	return n == 1, nil
}

func (s *Store) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sniper_jobs SET attempts = attempts + 1, updated_at=? WHERE id=?`,
		fmtTime(time.Now().UTC()), id.String())
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, jobs.ErrNotFound
	}
	var attempts int
	err = s.db.QueryRowContext(ctx, `SELECT attempts FROM sniper_jobs WHERE id=?`, id.String()).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

func (s *Store) SaveReservation(ctx context.Context, r *jobs.Reservation) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = jobs.ReservationConfirmed
	}
	if r.Platform == "" {
		r.Platform = reservation.PlatformResy
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reservations (id, job_id, group_id, platform, venue_id, reservation_date, slot_time,
  party_size, confirmation_id, status)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID.String(), r.JobID.String(), r.GroupID.String(), r.Platform, r.VenueID, fmtTime(r.Date), fmtTime(r.SlotTime),
		r.PartySize, r.ConfirmationID, r.Status)
	if err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	return nil
}

func (s *Store) ActiveReservation(ctx context.Context, groupID uuid.UUID, venueID string, date time.Time) (jobs.Reservation, error) {
	var (
		r                      jobs.Reservation
		idS, jobS, grpS        string
		dateS, slotS, cAt, uAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, job_id, group_id, platform, venue_id, reservation_date, slot_time,
  party_size, confirmation_id, status, created_at, updated_at
FROM reservations
WHERE group_id=? AND venue_id=? AND reservation_date=? AND status=?
ORDER BY created_at DESC
LIMIT 1`, groupID.String(), venueID, fmtTime(date), jobs.ReservationConfirmed).
		Scan(&idS, &jobS, &grpS, &r.Platform, &r.VenueID, &dateS, &slotS,
			&r.PartySize, &r.ConfirmationID, &r.Status, &cAt, &uAt)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Reservation{}, jobs.ErrNotFound
	}
	if err != nil {
		return jobs.Reservation{}, fmt.Errorf("active reservation: %w", err)
	}
	if r.ID, err = uuid.Parse(idS); err != nil {
		return jobs.Reservation{}, fmt.Errorf("active reservation id: %w", err)
	}
	if r.JobID, err = uuid.Parse(jobS); err != nil {
		return jobs.Reservation{}, fmt.Errorf("active reservation job id: %w", err)
	}
	if r.GroupID, err = uuid.Parse(grpS); err != nil {
		return jobs.Reservation{}, fmt.Errorf("active reservation group id: %w", err)
	}
	if r.Date, err = parseTime(dateS); err != nil {
		return jobs.Reservation{}, err
	}
	if r.SlotTime, err = parseTime(slotS); err != nil {
		return jobs.Reservation{}, err
	}
	if r.CreatedAt, err = parseTime(cAt); err != nil {
		return jobs.Reservation{}, err
	}
	if r.UpdatedAt, err = parseTime(uAt); err != nil {
		return jobs.Reservation{}, err
	}
	return r, nil
}

func (s *Store) SetReservationStatus(ctx context.Context, id uuid.UUID, status jobs.ReservationStatus) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE reservations SET status=?, updated_at=? WHERE id=?`,
		status, fmtTime(time.Now().UTC()), id.String())
	if err != nil {
		return fmt.Errorf("set reservation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// ListJobs returns all jobs newest-first, for the CLI.
func (s *Store) ListJobs(ctx context.Context) ([]jobs.SniperJob, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM sniper_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func collectJobs(rows *sql.Rows) ([]jobs.SniperJob, error) {
	var out []jobs.SniperJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row scanner) (jobs.SniperJob, error) {
	var (
		j                        jobs.SniperJob
		idS, grpS                string
		dateS, schedS            string
		deadlineS, bookedS       sql.NullString
		windows                  string
		pollMs, jitMin, jitMax   int64
		cAt, uAt                 string
	)
	err := row.Scan(
		&idS, &grpS, &j.VenueID, &dateS, &windows, &j.PartySize,
		&schedS, &deadlineS, &j.Status, &j.Attempts, &j.MaxAttempts,
		&pollMs, &jitMin, &jitMax,
		&j.LastError, &j.ConfirmationID, &bookedS, &cAt, &uAt,
	)
	if err != nil {
		return jobs.SniperJob{}, err
	}
	if j.ID, err = uuid.Parse(idS); err != nil {
		return jobs.SniperJob{}, fmt.Errorf("job id: %w", err)
	}
	if j.GroupID, err = uuid.Parse(grpS); err != nil {
		return jobs.SniperJob{}, fmt.Errorf("job group id: %w", err)
	}
	if err := json.Unmarshal([]byte(windows), &j.Windows); err != nil {
		return jobs.SniperJob{}, fmt.Errorf("decode windows for job %s: %w", j.ID, err)
	}
	if j.Date, err = parseTime(dateS); err != nil {
		return jobs.SniperJob{}, err
	}
	if j.ScheduledAt, err = parseTime(schedS); err != nil {
		return jobs.SniperJob{}, err
	}
	if deadlineS.Valid {
		t, err := parseTime(deadlineS.String)
		if err != nil {
			return jobs.SniperJob{}, err
		}
		j.Deadline = &t
	}
	if bookedS.Valid {
		t, err := parseTime(bookedS.String)
		if err != nil {
			return jobs.SniperJob{}, err
		}
		j.BookedTime = &t
	}
	if j.CreatedAt, err = parseTime(cAt); err != nil {
		return jobs.SniperJob{}, err
	}
	if j.UpdatedAt, err = parseTime(uAt); err != nil {
		return jobs.SniperJob{}, err
	}
	j.PollInterval = time.Duration(pollMs) * time.Millisecond
	j.JitterMin = time.Duration(jitMin) * time.Millisecond
	j.JitterMax = time.Duration(jitMax) * time.Millisecond
	return j, nil
}

// Times are stored as RFC 3339 UTC strings so lexical ordering matches
// chronological ordering in the due-jobs query.
const timeLayout = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
