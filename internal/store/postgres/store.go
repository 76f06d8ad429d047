// Package postgres implements jobs.Store on a pgx pool. Transitions use
// UPDATE ... WHERE status = ANY(...) so the row count gives compare-and-set
// semantics across processes.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/db"
	"github.com/example/resy-sniper/internal/domain/reservation"
	"github.com/example/resy-sniper/internal/jobs"
)

type Store struct{ db *db.DB }

func New(d *db.DB) *Store { return &Store{db: d} }

const jobColumns = `id, group_id, venue_id, reservation_date, windows, party_size,
scheduled_at, deadline, status, attempts, max_attempts,
poll_interval_ms, jitter_min_ms, jitter_max_ms,
last_error, confirmation_id, booked_time, created_at, updated_at`

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
	_, err = s.db.Exec(ctx, `
INSERT INTO sniper_jobs (id, group_id, venue_id, reservation_date, windows, party_size,
  scheduled_at, deadline, status, attempts, max_attempts,
  poll_interval_ms, jitter_min_ms, jitter_max_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		j.ID, j.GroupID, j.VenueID, j.Date, string(windows), j.PartySize,
		j.ScheduledAt, j.Deadline, j.Status, j.Attempts, j.MaxAttempts,
		j.PollInterval.Milliseconds(), j.JitterMin.Milliseconds(), j.JitterMax.Milliseconds())
	return db.Wrap("create job", err)
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (jobs.SniperJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM sniper_jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if db.IsNoRows(err) {
		return jobs.SniperJob{}, jobs.ErrNotFound
	}
	return j, db.Wrap("get job", err)
}

func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]jobs.SniperJob, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+`
FROM sniper_jobs
WHERE status=$1 AND scheduled_at <= $2
ORDER BY scheduled_at ASC, id ASC
LIMIT $3`, jobs.StatusPending, now, limit)
	if err != nil {
		return nil, db.Wrap("due jobs", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) Siblings(ctx context.Context, groupID uuid.UUID) ([]jobs.SniperJob, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+` FROM sniper_jobs WHERE group_id=$1 ORDER BY id ASC`, groupID)
	if err != nil {
		return nil, db.Wrap("siblings", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) Transition(ctx context.Context, id uuid.UUID, to jobs.Status, upd jobs.StatusUpdate, from ...jobs.Status) (bool, error) {
	states := make([]string, len(from))
	for i, f := range from {
		states[i] = string(f)
	}
	n, err := s.db.Exec(ctx, `
UPDATE sniper_jobs
SET status=$2,
    last_error=COALESCE($3, last_error),
    confirmation_id=COALESCE($4, confirmation_id),
    booked_time=COALESCE($5, booked_time),
    attempts=COALESCE($6, attempts),
    updated_at=now()
WHERE id=$1 AND status = ANY($7)`,
		id, to, upd.LastError, upd.ConfirmationID, upd.BookedTime, upd.Attempts, states)
	if err != nil {
		return false, db.Wrap("transition", err)
	}
	return n == 1, nil
}

func (s *Store) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.db.QueryRow(ctx, `
UPDATE sniper_jobs SET attempts = attempts + 1, updated_at=now()
WHERE id=$1
RETURNING attempts`, id).Scan(&attempts)
	if db.IsNoRows(err) {
		return 0, jobs.ErrNotFound
	}
	return attempts, db.Wrap("increment attempts", err)
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
	_, err := s.db.Exec(ctx, `
INSERT INTO reservations (id, job_id, group_id, platform, venue_id, reservation_date, slot_time,
  party_size, confirmation_id, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.JobID, r.GroupID, r.Platform, r.VenueID, r.Date, r.SlotTime,
		r.PartySize, r.ConfirmationID, r.Status)
	return db.Wrap("save reservation", err)
}

func (s *Store) ActiveReservation(ctx context.Context, groupID uuid.UUID, venueID string, date time.Time) (jobs.Reservation, error) {
	var r jobs.Reservation
	err := s.db.QueryRow(ctx, `
SELECT id, job_id, group_id, platform, venue_id, reservation_date, slot_time,
  party_size, confirmation_id, status, created_at, updated_at
FROM reservations
WHERE group_id=$1 AND venue_id=$2 AND reservation_date=$3 AND status=$4
ORDER BY created_at DESC
LIMIT 1`, groupID, venueID, date, jobs.ReservationConfirmed).
		Scan(&r.ID, &r.JobID, &r.GroupID, &r.Platform, &r.VenueID, &r.Date, &r.SlotTime,
			&r.PartySize, &r.ConfirmationID, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if db.IsNoRows(err) {
		return jobs.Reservation{}, jobs.ErrNotFound
	}
	return r, db.Wrap("active reservation", err)
}

func (s *Store) SetReservationStatus(ctx context.Context, id uuid.UUID, status jobs.ReservationStatus) error {
	n, err := s.db.Exec(ctx, `
UPDATE reservations SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return db.Wrap("set reservation status", err)
	}
	if n == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// ListJobs returns all jobs newest-first, for the CLI.
func (s *Store) ListJobs(ctx context.Context) ([]jobs.SniperJob, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+jobColumns+` FROM sniper_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, db.Wrap("list jobs", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows db.Rows) ([]jobs.SniperJob, error) {
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

func scanJob(row db.Row) (jobs.SniperJob, error) {
	var (
		j        jobs.SniperJob
		windows  string
		pollMs   int64
		jitMinMs int64
		jitMaxMs int64
	)
	err := row.Scan(
		&j.ID, &j.GroupID, &j.VenueID, &j.Date, &windows, &j.PartySize,
		&j.ScheduledAt, &j.Deadline, &j.Status, &j.Attempts, &j.MaxAttempts,
		&pollMs, &jitMinMs, &jitMaxMs,
		&j.LastError, &j.ConfirmationID, &j.BookedTime, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return jobs.SniperJob{}, err
	}
	if err := json.Unmarshal([]byte(windows), &j.Windows); err != nil {
		return jobs.SniperJob{}, fmt.Errorf("decode windows for job %s: %w", j.ID, err)
	}
	j.PollInterval = time.Duration(pollMs) * time.Millisecond
	j.JitterMin = time.Duration(jitMinMs) * time.Millisecond
	j.JitterMax = time.Duration(jitMaxMs) * time.Millisecond
	return j, nil
}
