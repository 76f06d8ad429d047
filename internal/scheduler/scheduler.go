// Package scheduler loads due sniper jobs and drives one polling engine per
// claimed job.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/metrics"
	"github.com/example/resy-sniper/internal/notify"
	"github.com/example/resy-sniper/internal/sniper"
)

// Engine runs one claimed job to a terminal state.
type Engine interface {
	Run(ctx context.Context, job jobs.SniperJob) sniper.Result
}

type Config struct {
	// ScanInterval is how often the store is checked for due jobs.
	ScanInterval time.Duration
	// BatchSize caps the jobs claimed per scan.
	BatchSize int
}

type Scheduler struct {
	config   Config
	store    jobs.Store
	engine   Engine
	notifier notify.Dispatcher
	metrics  metrics.Sink // optional, nil = disabled
	clock    func() time.Time

	wg sync.WaitGroup
}

func New(config Config, store jobs.Store, engine Engine, notifier notify.Dispatcher) *Scheduler {
	if config.ScanInterval <= 0 {
		config.ScanInterval = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 25
	}
	return &Scheduler{
		config:   config,
		store:    store,
		engine:   engine,
		notifier: notifier,
		clock:    time.Now,
	}
}

func (s *Scheduler) WithMetrics(sink metrics.Sink) *Scheduler { s.metrics = sink; return s }

// Run scans for due jobs until ctx is cancelled, then waits for every
// launched engine to persist its terminal status before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.config.ScanInterval)
	defer t.Stop()

	slog.Info("scheduler: started", "scan_interval", s.config.ScanInterval)
	s.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler: shutting down, waiting for running jobs")
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.scan(ctx)
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	due, err := s.store.DueJobs(ctx, s.clock(), s.config.BatchSize)
	if s.metrics != nil {
		s.metrics.ScanCompleted(len(due), err)
	}
	if err != nil {
		// Retried on the next scan.
		slog.Error("scheduler: due jobs query failed", "err", err)
		return
	}

	for _, job := range due {
		claimed, err := s.store.Transition(ctx, job.ID, jobs.StatusRunning, jobs.StatusUpdate{}, jobs.StatusPending)
		if err != nil {
			slog.Error("scheduler: claim failed", "job", job.ID, "err", err)
			continue
		}
		if !claimed {
			// Another process took it first.
			continue
		}
		job.Status = jobs.StatusRunning

		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runJob(ctx, job)
		}()
	}
}

func (s *Scheduler) runJob(ctx context.Context, job jobs.SniperJob) {
	if s.metrics != nil {
		s.metrics.JobsInFlightIncr()
		defer s.metrics.JobsInFlightDecr()
	}
	slog.Info("scheduler: job started", "job", job.ID, "venue", job.VenueID,
		"date", job.Date.Format("2006-01-02"), "group", job.GroupID)

	res := s.engine.Run(ctx, job)

	// Notifications and sibling cleanup use a detached context: they must
	// still happen when Run returned because of shutdown.
	nctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch res.Status {
	case jobs.StatusSucceeded:
		s.cancelSiblings(nctx, job)
		if err := s.notifier.NotifySuccess(nctx, job, res); err != nil {
			slog.Error("scheduler: success notification failed", "job", job.ID, "err", err)
		}
	case jobs.StatusFailed, jobs.StatusCancelled:
		if err := s.notifier.NotifyFailure(nctx, job, res); err != nil {
			slog.Error("scheduler: failure notification failed", "job", job.ID, "err", err)
		}
	default:
		slog.Error("scheduler: engine returned non-terminal status", "job", job.ID, "status", res.Status)
	}

	slog.Info("scheduler: job finished", "job", job.ID, "status", res.Status,
		"attempts", res.Attempts, "reason", res.Reason)
}

// cancelSiblings transitions every other pending or running job of the group
// to cancelled. Reads go to the store, not memory: a sibling may live in
// another process. A pending sibling never reaches an engine, so its
// notification is emitted here; a running one reports through its own engine
// when it observes the cancellation.
func (s *Scheduler) cancelSiblings(ctx context.Context, winner jobs.SniperJob) {
	siblings, err := s.store.Siblings(ctx, winner.GroupID)
	if err != nil {
		slog.Error("scheduler: sibling lookup failed", "group", winner.GroupID, "err", err)
		return
	}

	reason := fmt.Sprintf("superseded: job %s booked this target", winner.ID)
	for _, sib := range siblings {
		if sib.ID == winner.ID || sib.Status.Terminal() {
			continue
		}
		s.cancelSibling(ctx, sib, winner.ID, reason)
	}
}

func (s *Scheduler) cancelSibling(ctx context.Context, sib jobs.SniperJob, winnerID uuid.UUID, reason string) {
	upd := jobs.StatusUpdate{LastError: &reason}

	// Pending first: a job cancelled before it ever ran gets its report here.
	ok, err := s.store.Transition(ctx, sib.ID, jobs.StatusCancelled, upd, jobs.StatusPending)
	if err != nil {
		slog.Error("scheduler: sibling cancel failed", "job", sib.ID, "err", err)
		return
	}
	if ok {
		slog.Info("scheduler: cancelled pending sibling", "job", sib.ID, "winner", winnerID)
		sib.Status = jobs.StatusCancelled
		res := sniper.Result{JobID: sib.ID, Status: jobs.StatusCancelled, Reason: reason, Attempts: sib.Attempts}
		if nerr := s.notifier.NotifyFailure(ctx, sib, res); nerr != nil {
			slog.Error("scheduler: sibling notification failed", "job", sib.ID, "err", nerr)
		}
		return
	}

	// Running sibling: its engine observes the status change at the next
	// wait-point and emits its own report.
	ok, err = s.store.Transition(ctx, sib.ID, jobs.StatusCancelled, upd, jobs.StatusRunning)
	if err != nil {
		slog.Error("scheduler: sibling cancel failed", "job", sib.ID, "err", err)
		return
	}
	if ok {
		slog.Info("scheduler: cancelled running sibling", "job", sib.ID, "winner", winnerID)
	}
}
