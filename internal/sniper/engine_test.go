package sniper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/resy-sniper/internal/domain/reservation"
	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/testutil"
)

func newTestEngine(store jobs.Store, client reservation.Client) *Engine {
	e := NewEngine(store, client, NewLimiter(0, 0, 0))
	e.wait = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	e.jitter = func(min, max time.Duration) time.Duration { return 0 }
	e.clock = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return e
}

func mustCreateRunning(t *testing.T, store *testutil.MemStore) jobs.SniperJob {
	t.Helper()
	job := testJob(jobs.StatusRunning)
	if err := store.CreateJob(context.Background(), &job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestEngine_BooksMatchingSlot(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{
		availability: func(int) ([]reservation.SlotCandidate, error) {
			return []reservation.SlotCandidate{
				slotCandidate("6:15 PM"), slotCandidate("7:10 PM"), slotCandidate("8:00 PM"),
			}, nil
		},
		book: func(int) (string, error) { return "CONF-99", nil },
	}
	job := mustCreateRunning(t, store)

	res := newTestEngine(store, client).Run(testutil.TestContext(t), job)

	if res.Status != jobs.StatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", res.Status, res.Reason)
	}
	if res.ConfirmationID != "CONF-99" {
		t.Errorf("confirmation = %q", res.ConfirmationID)
	}
	if want := slotCandidate("7:10 PM").Time; !res.SlotTime.Equal(want) {
		t.Errorf("booked slot %s, want %s", res.SlotTime, want)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}

	stored, _ := store.GetJob(context.Background(), job.ID)
	if stored.Status != jobs.StatusSucceeded || stored.ConfirmationID == nil || *stored.ConfirmationID != "CONF-99" {
		t.Errorf("stored job = %+v", stored)
	}
	recs := store.Reservations()
	if len(recs) != 1 || recs[0].Status != jobs.ReservationConfirmed {
		t.Errorf("reservation records = %+v", recs)
	}
	if len(recs) == 1 && recs[0].Platform != reservation.PlatformResy {
		t.Errorf("reservation platform = %q, want %q", recs[0].Platform, reservation.PlatformResy)
	}
}

func TestEngine_ExhaustsAttemptsOnNoMatch(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{} // empty availability every poll
	job := testJob(jobs.StatusRunning)
	job.MaxAttempts = 3
	_ = store.CreateJob(context.Background(), &job)

	res := newTestEngine(store, client).Run(testutil.TestContext(t), job)

	if res.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if res.Diagnostics.Total != 3 {
		t.Fatalf("diagnostics total = %d, want 3", res.Diagnostics.Total)
	}
	top := res.Diagnostics.Counts[0]
	if top.Category != CategoryNoMatch || top.Count != 3 {
		t.Errorf("diagnostics = %+v, want no_match x3", res.Diagnostics.Counts)
	}

	stored, _ := store.GetJob(context.Background(), job.ID)
	if stored.Status != jobs.StatusFailed || stored.LastError == nil {
		t.Errorf("stored job = %+v", stored)
	}
	if stored.Attempts > stored.MaxAttempts {
		t.Errorf("attempt counter %d exceeded ceiling %d", stored.Attempts, stored.MaxAttempts)
	}
}

func TestEngine_DeadlineStopsPolling(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{}
	job := testJob(jobs.StatusRunning)
	deadline := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) // before the test clock
	job.Deadline = &deadline
	_ = store.CreateJob(context.Background(), &job)

	res := newTestEngine(store, client).Run(testutil.TestContext(t), job)

	if res.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Reason != "deadline passed without a booking" {
		t.Errorf("reason = %q", res.Reason)
	}
	if client.availCalls != 0 {
		t.Errorf("no poll should happen past the deadline, got %d", client.availCalls)
	}
}

func TestEngine_FatalErrorFailsImmediately(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{
		availability: func(int) ([]reservation.SlotCandidate, error) {
			return nil, fmt.Errorf("venue lookup: %w", reservation.ErrNotFound)
		},
	}
	job := mustCreateRunning(t, store)

	res := newTestEngine(store, client).Run(testutil.TestContext(t), job)

	if res.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("fatal error should not consume the budget: attempts = %d", res.Attempts)
	}
	if client.availCalls != 1 {
		t.Errorf("availability calls = %d, want 1", client.availCalls)
	}
}

func TestEngine_RateLimitEscalatesThenResets(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{
		availability: func(call int) ([]reservation.SlotCandidate, error) {
			if call <= 2 {
				return nil, reservation.ErrRateLimited
			}
			return nil, nil // successful poll, no slots
		},
	}
	job := testJob(jobs.StatusRunning)
	job.PollInterval = time.Second
	job.MaxAttempts = 4
	_ = store.CreateJob(context.Background(), &job)

	var mu sync.Mutex
	var waits []time.Duration
	e := newTestEngine(store, client)
	e.wait = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}

	res := e.Run(testutil.TestContext(t), job)
	if res.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed (exhausted)", res.Status)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d = %s, want %s", i, waits[i], want[i])
		}
	}
}

func TestEngine_BackoffRespectsCap(t *testing.T) {
	e := newTestEngine(testutil.NewMemStore(), &fakeClient{})
	e.backoffCap = 8 * time.Second
	d := 3 * time.Second
	d = e.escalate(d) // 6s
	d = e.escalate(d) // capped
	if d != 8*time.Second {
		t.Errorf("escalated interval = %s, want cap 8s", d)
	}
}

func TestEngine_SlotTakenIsTransient(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{
		availability: func(int) ([]reservation.SlotCandidate, error) {
			return []reservation.SlotCandidate{slotCandidate("19:00")}, nil
		},
		book: func(call int) (string, error) {
			if call == 1 {
				return "", reservation.ErrSlotTaken
			}
			return "CONF-2", nil
		},
	}
	job := mustCreateRunning(t, store)

	res := newTestEngine(store, client).Run(testutil.TestContext(t), job)

	if res.Status != jobs.StatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded after retry", res.Status, res.Reason)
	}
	if client.bookCalls != 2 {
		t.Errorf("book calls = %d, want 2", client.bookCalls)
	}
	found := false
	for _, cc := range res.Diagnostics.Counts {
		if cc.Category == CategorySlotTaken && cc.Count == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("diagnostics missing slot_taken: %+v", res.Diagnostics.Counts)
	}
}

func TestEngine_SupersededBySibling(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{
		availability: func(int) ([]reservation.SlotCandidate, error) {
			return []reservation.SlotCandidate{slotCandidate("19:00")}, nil
		},
	}
	job := mustCreateRunning(t, store)
	winner := testJob(jobs.StatusSucceeded)
	winner.GroupID = job.GroupID
	_ = store.CreateJob(context.Background(), &winner)

	res := newTestEngine(store, client).Run(testutil.TestContext(t), job)

	if res.Status != jobs.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if client.bookCalls != 0 {
		t.Errorf("superseded job must not book: %d book calls", client.bookCalls)
	}
	stored, _ := store.GetJob(context.Background(), job.ID)
	if stored.Status != jobs.StatusCancelled {
		t.Errorf("stored status = %s, want cancelled", stored.Status)
	}
}

func TestEngine_ShutdownCancelsAtWaitPoint(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{}
	job := mustCreateRunning(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := newTestEngine(store, client).Run(ctx, job)

	if res.Status != jobs.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if client.availCalls != 0 {
		t.Errorf("no poll should happen after cancellation, got %d", client.availCalls)
	}
	// Cancelled status is persisted despite the dead context.
	stored, _ := store.GetJob(context.Background(), job.ID)
	if stored.Status != jobs.StatusCancelled {
		t.Errorf("stored status = %s, want cancelled", stored.Status)
	}
}

func TestEngine_ConflictCancelFailureRetriesWithoutBooking(t *testing.T) {
	store := testutil.NewMemStore()
	client := &fakeClient{
		availability: func(int) ([]reservation.SlotCandidate, error) {
			return []reservation.SlotCandidate{slotCandidate("19:00")}, nil
		},
		cancelErr: fmt.Errorf("cancel endpoint: %w", reservation.ErrUnavailable),
	}
	job := testJob(jobs.StatusRunning)
	job.MaxAttempts = 2
	_ = store.CreateJob(context.Background(), &job)

	existing := jobs.Reservation{
		GroupID:        job.GroupID,
		VenueID:        job.VenueID,
		Date:           job.Date,
		ConfirmationID: "OLD-1",
		Status:         jobs.ReservationConfirmed,
	}
	_ = store.SaveReservation(context.Background(), &existing)

	res := newTestEngine(store, client).Run(testutil.TestContext(t), job)

	if res.Status != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed after budget", res.Status)
	}
	if client.bookCalls != 0 {
		t.Errorf("fail-closed resolve must block booking, got %d book calls", client.bookCalls)
	}
	// Cancellation was only attempted with a chosen slot in hand.
	if len(client.cancelled()) == 0 || client.availCalls == 0 {
		t.Error("cancel should follow a successful availability+selection")
	}
}

func TestEngine_ReleasesBookingWhenCancelledMidFlight(t *testing.T) {
	store := testutil.NewMemStore()
	job := testJob(jobs.StatusRunning)
	_ = store.CreateJob(context.Background(), &job)

	// The scheduler cancels this job (a sibling won) while the booking call
	// is in flight: the success CAS must find the job already moved and
	// release the duplicate reservation.
	client := &fakeClient{
		availability: func(int) ([]reservation.SlotCandidate, error) {
			return []reservation.SlotCandidate{slotCandidate("19:00")}, nil
		},
	}
	client.book = func(int) (string, error) {
		_, _ = store.Transition(context.Background(), job.ID, jobs.StatusCancelled,
			jobs.StatusUpdate{}, jobs.StatusRunning)
		return "CONF-RACE", nil
	}

	res := newTestEngine(store, client).Run(testutil.TestContext(t), job)

	if res.Status != jobs.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if got := client.cancelled(); len(got) != 1 || got[0] != "CONF-RACE" {
		t.Errorf("duplicate booking not released: cancels = %v", got)
	}
}
