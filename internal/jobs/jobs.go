package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/domain/reservation"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the immutable end states.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition enforces the monotonic state machine: pending→running,
// pending/running→terminal. Terminal states never move again.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusRunning:
		return from == StatusPending
	case StatusSucceeded, StatusFailed:
		return from == StatusRunning
	case StatusCancelled:
		return from == StatusPending || from == StatusRunning
	}
	return false
}

// SniperJob is the unit of scheduled work: activate at ScheduledAt, then poll
// the venue until a slot matching Windows is booked or the attempt budget
// runs out. Jobs sharing a GroupID compete for the same outcome; at most one
// of them may ever reach succeeded.
type SniperJob struct {
	ID      uuid.UUID
	GroupID uuid.UUID

	VenueID   string
	Date      time.Time // reservation date, restaurant-local midnight
	Windows   []reservation.TimeWindow
	PartySize int

	// ScheduledAt is immutable after creation.
	ScheduledAt time.Time
	// Deadline, when set, is an additional terminal condition evaluated like
	// attempt exhaustion.
	Deadline *time.Time

	Status      Status
	Attempts    int
	MaxAttempts int

	PollInterval time.Duration
	JitterMin    time.Duration
	JitterMax    time.Duration

	LastError      *string
	ConfirmationID *string
	BookedTime     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (j SniperJob) Validate() error {
	if j.VenueID == "" {
		return fmt.Errorf("venue_id required")
	}
	if j.Date.IsZero() {
		return fmt.Errorf("date required")
	}
	if len(j.Windows) == 0 {
		return fmt.Errorf("at least one preferred time window required")
	}
	for i, w := range j.Windows {
		if w.Slack < 0 {
			return fmt.Errorf("window %d: negative slack", i)
		}
	}
	if j.PartySize < 1 {
		return fmt.Errorf("party_size must be >= 1")
	}
	if j.ScheduledAt.IsZero() {
		return fmt.Errorf("scheduled_at required")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if j.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be >= 1s")
	}
	if j.JitterMin < 0 || j.JitterMax < j.JitterMin {
		return fmt.Errorf("jitter bounds invalid")
	}
	return nil
}

// Exhausted reports whether the job has no attempts left, or has passed its
// optional deadline.
func (j SniperJob) Exhausted(now time.Time) bool {
	if j.Attempts >= j.MaxAttempts {
		return true
	}
	return j.Deadline != nil && now.After(*j.Deadline)
}

// Reservation is a confirmed (or later cancelled/replaced) booking made by a
// job. The conflict resolver consults these records before rebooking.
type Reservation struct {
	ID             uuid.UUID
	JobID          uuid.UUID
	GroupID        uuid.UUID
	Platform       reservation.Platform
	VenueID        string
	Date           time.Time
	SlotTime       time.Time
	PartySize      int
	ConfirmationID string
	Status         ReservationStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ReservationStatus string

const (
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationReplaced  ReservationStatus = "replaced"
)

// StatusUpdate carries the optional fields written together with a status
// transition.
type StatusUpdate struct {
	LastError      *string
	ConfirmationID *string
	BookedTime     *time.Time
	// Attempts, when non-nil, overwrites the stored attempt counter so the
	// final count survives into the terminal record.
	Attempts *int
}

// ErrNotFound is returned by stores when a job or reservation is unknown.
var ErrNotFound = errors.New("not found")

// Store is the durable source of truth for jobs and reservations. Every
// status change goes through Transition, a compare-and-set on the current
// status: the sibling-win check is only race-safe if two concurrent writers
// cannot both move the same job (or two group members to succeeded when one
// already won).
type Store interface {
	CreateJob(ctx context.Context, j *SniperJob) error
	GetJob(ctx context.Context, id uuid.UUID) (SniperJob, error)

	// DueJobs returns pending jobs with scheduled_at <= now, ordered by
	// scheduled_at ascending then ID for determinism.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]SniperJob, error)

	// Siblings returns every job sharing the group, including the caller's.
	Siblings(ctx context.Context, groupID uuid.UUID) ([]SniperJob, error)

	// Transition moves the job to status `to` only if its current status is
	// one of `from`, applying upd in the same write. Returns false when the
	// guard did not match (someone else moved it first).
	Transition(ctx context.Context, id uuid.UUID, to Status, upd StatusUpdate, from ...Status) (bool, error)

	// IncrementAttempts bumps the attempt counter and returns the new value.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)

	SaveReservation(ctx context.Context, r *Reservation) error
	// ActiveReservation returns the confirmed booking for a venue/date within
	// a group, or ErrNotFound.
	ActiveReservation(ctx context.Context, groupID uuid.UUID, venueID string, date time.Time) (Reservation, error)
	SetReservationStatus(ctx context.Context, id uuid.UUID, status ReservationStatus) error
}
