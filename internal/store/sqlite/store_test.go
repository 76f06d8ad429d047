package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/domain/reservation"
	"github.com/example/resy-sniper/internal/jobs"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sniper.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(scheduledAt time.Time) *jobs.SniperJob {
	return &jobs.SniperJob{
		VenueID:      "venue-1",
		Date:         time.Date(2026, 9, 12, 0, 0, 0, 0, time.UTC),
		Windows:      []reservation.TimeWindow{{Center: reservation.TimeOfDay(19 * 60), Slack: 30}},
		PartySize:    2,
		ScheduledAt:  scheduledAt,
		MaxAttempts:  60,
		PollInterval: 5 * time.Second,
		JitterMin:    500 * time.Millisecond,
		JitterMax:    1500 * time.Millisecond,
	}
}

func TestStore_CreateAndGetRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	deadline := time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC)
	j := testJob(time.Date(2026, 9, 5, 9, 0, 0, 0, time.UTC))
	j.Deadline = &deadline
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.VenueID != j.VenueID || got.PartySize != j.PartySize {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.Status != jobs.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if len(got.Windows) != 1 || got.Windows[0].Slack != 30 {
		t.Errorf("windows = %+v", got.Windows)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Errorf("deadline = %v, want %v", got.Deadline, deadline)
	}
	if got.PollInterval != 5*time.Second {
		t.Errorf("poll interval = %v", got.PollInterval)
	}

	if _, err := s.GetJob(ctx, uuid.New()); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestStore_DueJobsOrderAndCutoff(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 9, 5, 9, 0, 0, 0, time.UTC)

	late := testJob(base.Add(time.Hour))
	early := testJob(base.Add(-time.Hour))
	future := testJob(base.Add(48 * time.Hour))
	for _, j := range []*jobs.SniperJob{late, early, future} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	due, err := s.DueJobs(ctx, base.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].ID != early.ID || due[1].ID != late.ID {
		t.Errorf("due order = [%s %s], want earliest first", due[0].ID, due[1].ID)
	}
}

func TestStore_TransitionCompareAndSet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	j := testJob(time.Now().UTC())
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.Transition(ctx, j.ID, jobs.StatusRunning, jobs.StatusUpdate{}, jobs.StatusPending)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	// A second claim must lose.
	ok, err = s.Transition(ctx, j.ID, jobs.StatusRunning, jobs.StatusUpdate{}, jobs.StatusPending)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Error("second claim succeeded, want guard miss")
	}

	conf := "CONF-1"
	booked := time.Date(2026, 9, 12, 19, 15, 0, 0, time.UTC)
	attempts := 7
	ok, err = s.Transition(ctx, j.ID, jobs.StatusSucceeded, jobs.StatusUpdate{
		ConfirmationID: &conf,
		BookedTime:     &booked,
		Attempts:       &attempts,
	}, jobs.StatusRunning)
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != jobs.StatusSucceeded || got.ConfirmationID == nil || *got.ConfirmationID != conf {
		t.Errorf("terminal record = %+v", got)
	}
	if got.Attempts != attempts {
		t.Errorf("attempts = %d, want %d", got.Attempts, attempts)
	}
	if got.BookedTime == nil || !got.BookedTime.Equal(booked) {
		t.Errorf("booked time = %v, want %v", got.BookedTime, booked)
	}
}

func TestStore_IncrementAttempts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	j := testJob(time.Now().UTC())
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	for want := 1; want <= 3; want++ {
		n, err := s.IncrementAttempts(ctx, j.ID)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if n != want {
			t.Errorf("attempts = %d, want %d", n, want)
		}
	}
	if _, err := s.IncrementAttempts(ctx, uuid.New()); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}
}

func TestStore_ReservationLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	j := testJob(time.Now().UTC())
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	r := &jobs.Reservation{
		JobID:          j.ID,
		GroupID:        j.GroupID,
		VenueID:        j.VenueID,
		Date:           j.Date,
		SlotTime:       time.Date(2026, 9, 12, 19, 15, 0, 0, time.UTC),
		PartySize:      j.PartySize,
		ConfirmationID: "CONF-9",
	}
	if err := s.SaveReservation(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.ActiveReservation(ctx, j.GroupID, j.VenueID, j.Date)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if got.ConfirmationID != "CONF-9" || got.Status != jobs.ReservationConfirmed {
		t.Errorf("active = %+v", got)
	}
	if got.Platform != reservation.PlatformResy {
		t.Errorf("platform = %q, want %q (defaulted on save)", got.Platform, reservation.PlatformResy)
	}

	if err := s.SetReservationStatus(ctx, r.ID, jobs.ReservationReplaced); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := s.ActiveReservation(ctx, j.GroupID, j.VenueID, j.Date); !errors.Is(err, jobs.ErrNotFound) {
		t.Errorf("after replace: err = %v, want ErrNotFound", err)
	}
}

func TestStore_SiblingsReturnsWholeGroup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	group := uuid.New()
	a := testJob(time.Now().UTC())
	a.GroupID = group
	b := testJob(time.Now().UTC())
	b.GroupID = group
	b.VenueID = "venue-2"
	other := testJob(time.Now().UTC())
	for _, j := range []*jobs.SniperJob{a, b, other} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	sibs, err := s.Siblings(ctx, group)
	if err != nil {
		t.Fatalf("siblings: %v", err)
	}
	if len(sibs) != 2 {
		t.Fatalf("len(siblings) = %d, want 2", len(sibs))
	}
	for _, j := range sibs {
		if j.GroupID != group {
			t.Errorf("stray job %s in group listing", j.ID)
		}
	}
}
