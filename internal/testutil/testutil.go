// Package testutil provides shared fakes for sniper tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/jobs"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context cancelled when the test finishes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MemStore is an in-memory jobs.Store with the same compare-and-set
// transition semantics as the SQL stores.
type MemStore struct {
	mu           sync.Mutex
	jobs         map[uuid.UUID]*jobs.SniperJob
	reservations map[uuid.UUID]*jobs.Reservation
}

func NewMemStore() *MemStore {
	return &MemStore{
		jobs:         make(map[uuid.UUID]*jobs.SniperJob),
		reservations: make(map[uuid.UUID]*jobs.Reservation),
	}
}

func (s *MemStore) CreateJob(ctx context.Context, j *jobs.SniperJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = jobs.StatusPending
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id uuid.UUID) (jobs.SniperJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return jobs.SniperJob{}, jobs.ErrNotFound
	}
	return *j, nil
}

func (s *MemStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]jobs.SniperJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []jobs.SniperJob
	for _, j := range s.jobs {
		if j.Status == jobs.StatusPending && !j.ScheduledAt.After(now) {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].ScheduledAt.Equal(due[k].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[k].ScheduledAt)
		}
		return due[i].ID.String() < due[k].ID.String()
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemStore) Siblings(ctx context.Context, groupID uuid.UUID) ([]jobs.SniperJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jobs.SniperJob
	for _, j := range s.jobs {
		if j.GroupID == groupID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID.String() < out[k].ID.String() })
	return out, nil
}

func (s *MemStore) Transition(ctx context.Context, id uuid.UUID, to jobs.Status, upd jobs.StatusUpdate, from ...jobs.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, jobs.ErrNotFound
	}
	matched := false
	for _, f := range from {
		if j.Status == f {
			matched = true
			break
		}
	}
	if !matched || !jobs.CanTransition(j.Status, to) {
		return false, nil
	}
	j.Status = to
	if upd.LastError != nil {
		j.LastError = upd.LastError
	}
	if upd.ConfirmationID != nil {
		j.ConfirmationID = upd.ConfirmationID
	}
	if upd.BookedTime != nil {
		j.BookedTime = upd.BookedTime
	}
	if upd.Attempts != nil {
		j.Attempts = *upd.Attempts
	}
	return true, nil
}

func (s *MemStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0, jobs.ErrNotFound
	}
	j.Attempts++
	return j.Attempts, nil
}

func (s *MemStore) SaveReservation(ctx context.Context, r *jobs.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	cp := *r
	s.reservations[r.ID] = &cp
	return nil
}

func (s *MemStore) ActiveReservation(ctx context.Context, groupID uuid.UUID, venueID string, date time.Time) (jobs.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations {
		if r.GroupID == groupID && r.VenueID == venueID && r.Date.Equal(date) && r.Status == jobs.ReservationConfirmed {
			return *r, nil
		}
	}
	return jobs.Reservation{}, jobs.ErrNotFound
}

func (s *MemStore) SetReservationStatus(ctx context.Context, id uuid.UUID, status jobs.ReservationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return jobs.ErrNotFound
	}
	r.Status = status
	return nil
}

// Reservations returns a snapshot of all reservation records.
func (s *MemStore) Reservations() []jobs.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jobs.Reservation
	for _, r := range s.reservations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
