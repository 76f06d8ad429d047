package sniper

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/domain/reservation"
	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/metrics"
)

// AnalyticsSink receives per-poll outcome events. Optional; implementations
// must tolerate being called from many goroutines.
type AnalyticsSink interface {
	RecordPoll(ctx context.Context, venueID, category string)
}

// Engine drives the polling loop for one job at a time: timing, the shared
// rate limiter, slot selection, conflict resolution and terminal transitions.
// One Engine is shared by all jobs of an account; Run is safe to call
// concurrently.
type Engine struct {
	store     jobs.Store
	client    reservation.Client
	limiter   *Limiter
	resolver  *Resolver
	metrics   metrics.Sink  // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled

	// backoffCap bounds the escalated interval after rate-limit responses.
	backoffCap time.Duration

	clock  func() time.Time
	wait   func(ctx context.Context, d time.Duration) error
	jitter func(min, max time.Duration) time.Duration
}

func NewEngine(store jobs.Store, client reservation.Client, limiter *Limiter) *Engine {
	return &Engine{
		store:      store,
		client:     client,
		limiter:    limiter,
		resolver:   NewResolver(store, client),
		backoffCap: 2 * time.Minute,
		clock:      time.Now,
		wait:       sleepCtx,
		jitter:     uniformJitter,
	}
}

func (e *Engine) WithMetrics(s metrics.Sink) *Engine    { e.metrics = s; return e }
func (e *Engine) WithAnalytics(s AnalyticsSink) *Engine { e.analytics = s; return e }

// Result is the terminal outcome of one job run.
type Result struct {
	JobID          uuid.UUID
	Status         jobs.Status
	Reason         string
	ConfirmationID string
	SlotTime       time.Time
	Attempts       int
	Diagnostics    Summary
}

// Run polls until the job reaches a terminal state. The job must already be
// in running status (the scheduler claims it). The terminal status is
// persisted before Run returns, on a detached context so shutdown still gets
// written.
func (e *Engine) Run(ctx context.Context, job jobs.SniperJob) Result {
	diag := NewDiagnostics()
	interval := job.PollInterval
	attempts := job.Attempts

	for {
		job.Attempts = attempts
		if job.Exhausted(e.clock()) {
			reason := "attempt budget exhausted without a booking"
			if attempts < job.MaxAttempts {
				reason = "deadline passed without a booking"
			}
			return e.terminal(job, jobs.StatusFailed, attempts, diag, reason)
		}

		d := interval + e.jitter(job.JitterMin, job.JitterMax)
		if err := e.wait(ctx, d); err != nil {
			return e.terminal(job, jobs.StatusCancelled, attempts, diag, "shutdown requested")
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return e.terminal(job, jobs.StatusCancelled, attempts, diag, "shutdown requested")
		}

		// Refresh from the store before the network call: a sibling's win may
		// have cancelled this job from another goroutine or process.
		if cur, err := e.store.GetJob(ctx, job.ID); err != nil {
			slog.Warn("engine: job refresh failed", "job", job.ID, "err", err)
		} else if cur.Status != jobs.StatusRunning {
			reason := "cancelled externally"
			if cur.LastError != nil {
				reason = *cur.LastError
			}
			e.jobFinished(cur.Status)
			return Result{
				JobID:       job.ID,
				Status:      cur.Status,
				Reason:      reason,
				Attempts:    cur.Attempts,
				Diagnostics: diag.Summarize(),
			}
		} else {
			attempts = cur.Attempts
		}

		if n, err := e.store.IncrementAttempts(ctx, job.ID); err != nil {
			slog.Warn("engine: attempt counter write failed", "job", job.ID, "err", err)
			attempts++
		} else {
			attempts = n
		}

		slots, err := e.client.GetAvailability(ctx, job.VenueID, job.Date, job.PartySize)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation observed first: discard the in-flight result.
				return e.terminal(job, jobs.StatusCancelled, attempts, diag, "shutdown requested")
			}
			cat := classify(err)
			e.recordPoll(ctx, job, diag, cat, err.Error())
			if reservation.IsFatal(err) {
				return e.terminal(job, jobs.StatusFailed, attempts, diag, err.Error())
			}
			if errors.Is(err, reservation.ErrRateLimited) {
				interval = e.escalate(interval)
				slog.Info("engine: rate limited, backing off", "job", job.ID, "interval", interval)
			}
			continue
		}
		// A successful poll resets rate-limit escalation.
		interval = job.PollInterval

		best, ok := reservation.SelectBest(slots, job.Windows)
		if !ok {
			msg := "no slots available"
			if len(slots) > 0 {
				msg = "no offered slot within preferred windows"
			}
			e.recordPoll(ctx, job, diag, CategoryNoMatch, msg)
			continue
		}
		e.observe(metrics.PollSlotFound)

		outcome, err := e.resolver.Resolve(ctx, job, best)
		if err != nil {
			if ctx.Err() != nil {
				return e.terminal(job, jobs.StatusCancelled, attempts, diag, "shutdown requested")
			}
			if reservation.IsFatal(err) {
				return e.terminal(job, jobs.StatusFailed, attempts, diag, err.Error())
			}
			e.recordPoll(ctx, job, diag, CategoryTransientNetwork, err.Error())
			continue
		}
		if outcome == OutcomeSuperseded {
			return e.terminal(job, jobs.StatusCancelled, attempts, diag,
				"superseded: a sibling job already booked this target")
		}

		conf, err := e.client.MakeReservation(ctx, job.VenueID, best, job.PartySize)
		if err != nil {
			if ctx.Err() != nil {
				return e.terminal(job, jobs.StatusCancelled, attempts, diag, "shutdown requested")
			}
			if reservation.IsFatal(err) {
				return e.terminal(job, jobs.StatusFailed, attempts, diag, err.Error())
			}
			// Slot vanished between check and book: expected race, stays
			// within the transient budget.
			e.recordPoll(ctx, job, diag, classify(err), err.Error())
			continue
		}

		return e.finishBooked(job, attempts, diag, best, conf)
	}
}

func (e *Engine) finishBooked(job jobs.SniperJob, attempts int, diag *Diagnostics, best reservation.SlotCandidate, conf string) Result {
	ctx, cancel := detachedCtx()
	defer cancel()

	rec := &jobs.Reservation{
		ID:             uuid.New(),
		JobID:          job.ID,
		GroupID:        job.GroupID,
		Platform:       reservation.PlatformResy,
		VenueID:        job.VenueID,
		Date:           job.Date,
		SlotTime:       best.Time,
		PartySize:      job.PartySize,
		ConfirmationID: conf,
		Status:         jobs.ReservationConfirmed,
	}
	if err := e.store.SaveReservation(ctx, rec); err != nil {
		slog.Error("engine: reservation record write failed", "job", job.ID, "confirmation", conf, "err", err)
	}

	upd := jobs.StatusUpdate{ConfirmationID: &conf, BookedTime: &best.Time, Attempts: &attempts}
	ok, err := e.store.Transition(ctx, job.ID, jobs.StatusSucceeded, upd, jobs.StatusRunning)
	if err != nil {
		slog.Error("engine: success transition failed", "job", job.ID, "err", err)
	} else if !ok {
		// The job was cancelled under us after the booking went through
		// (a sibling won the race). Release the duplicate.
		slog.Warn("engine: booked but job no longer running, releasing reservation",
			"job", job.ID, "confirmation", conf)
		if cerr := e.client.CancelReservation(ctx, conf); cerr != nil {
			slog.Error("engine: duplicate reservation release failed", "confirmation", conf, "err", cerr)
		}
		_ = e.store.SetReservationStatus(ctx, rec.ID, jobs.ReservationCancelled)
		e.jobFinished(jobs.StatusCancelled)
		return Result{
			JobID:       job.ID,
			Status:      jobs.StatusCancelled,
			Reason:      "superseded after booking; duplicate reservation released",
			Attempts:    attempts,
			Diagnostics: diag.Summarize(),
		}
	}

	e.observe(metrics.PollBooked)
	e.jobFinished(jobs.StatusSucceeded)
	slog.Info("engine: booked", "job", job.ID, "venue", job.VenueID,
		"slot", best.Time.Format(time.RFC3339), "confirmation", conf, "attempts", attempts)
	return Result{
		JobID:          job.ID,
		Status:         jobs.StatusSucceeded,
		ConfirmationID: conf,
		SlotTime:       best.Time,
		Attempts:       attempts,
		Diagnostics:    diag.Summarize(),
	}
}

// terminal persists a failed/cancelled status. Uses a detached context so the
// write survives process shutdown.
func (e *Engine) terminal(job jobs.SniperJob, to jobs.Status, attempts int, diag *Diagnostics, reason string) Result {
	ctx, cancel := detachedCtx()
	defer cancel()

	status := to
	upd := jobs.StatusUpdate{LastError: &reason, Attempts: &attempts}
	ok, err := e.store.Transition(ctx, job.ID, to, upd, jobs.StatusRunning)
	if err != nil {
		slog.Error("engine: terminal transition failed", "job", job.ID, "to", to, "err", err)
	} else if !ok {
		// Someone else moved the job first (sibling cancellation); report
		// what the store says rather than what we intended.
		if j, gerr := e.store.GetJob(ctx, job.ID); gerr == nil && j.Status.Terminal() {
			status = j.Status
		}
	}

	e.jobFinished(status)
	return Result{
		JobID:       job.ID,
		Status:      status,
		Reason:      reason,
		Attempts:    attempts,
		Diagnostics: diag.Summarize(),
	}
}

func (e *Engine) recordPoll(ctx context.Context, job jobs.SniperJob, diag *Diagnostics, cat Category, msg string) {
	diag.Record(cat, msg)
	e.observe(string(cat))
	if e.analytics != nil {
		e.analytics.RecordPoll(ctx, job.VenueID, string(cat))
	}
}

func (e *Engine) observe(category string) {
	if e.metrics != nil {
		e.metrics.PollCompleted(category)
	}
}

func (e *Engine) jobFinished(status jobs.Status) {
	if e.metrics != nil {
		e.metrics.JobFinished(string(status))
	}
}

func (e *Engine) escalate(interval time.Duration) time.Duration {
	interval *= 2
	if interval > e.backoffCap {
		interval = e.backoffCap
	}
	return interval
}

func classify(err error) Category {
	switch {
	case errors.Is(err, reservation.ErrRateLimited):
		return CategoryRateLimited
	case errors.Is(err, reservation.ErrAuthFailure):
		return CategoryAuthentication
	case errors.Is(err, reservation.ErrNotFound):
		return CategoryFatalOther
	case errors.Is(err, reservation.ErrSlotTaken):
		return CategorySlotTaken
	default:
		return CategoryTransientNetwork
	}
}

// sleepCtx blocks for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func uniformJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func detachedCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
