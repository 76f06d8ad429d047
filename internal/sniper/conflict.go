package sniper

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/resy-sniper/internal/domain/reservation"
	"github.com/example/resy-sniper/internal/jobs"
)

// Outcome of a conflict resolution.
type Outcome int

const (
	// OutcomeProceed authorizes booking the chosen slot.
	OutcomeProceed Outcome = iota
	// OutcomeSuperseded means another job in the group already succeeded;
	// the caller must not book and should cancel itself.
	OutcomeSuperseded
)

// Resolver sequences the cancel-before-rebook dance and enforces the
// at-most-one-winner-per-group invariant. It is only invoked once a valid
// slot candidate is in hand: an existing booking is never cancelled unless a
// replacement has already been chosen.
type Resolver struct {
	store  jobs.Store
	client reservation.Client
}

func NewResolver(store jobs.Store, client reservation.Client) *Resolver {
	return &Resolver{store: store, client: client}
}

// Resolve re-checks sibling state from the store (not memory: another process
// may have won), then cancels any existing confirmed booking for the same
// group/venue/date. If cancellation fails the call fails closed and no new
// booking is authorized; the existing booking is presumably still intact, so
// the error is retryable.
func (r *Resolver) Resolve(ctx context.Context, job jobs.SniperJob, slot reservation.SlotCandidate) (Outcome, error) {
	siblings, err := r.store.Siblings(ctx, job.GroupID)
	if err != nil {
		return OutcomeProceed, fmt.Errorf("sibling check: %w", err)
	}
	for _, s := range siblings {
		if s.ID != job.ID && s.Status == jobs.StatusSucceeded {
			return OutcomeSuperseded, nil
		}
	}

	existing, err := r.store.ActiveReservation(ctx, job.GroupID, job.VenueID, job.Date)
	if errors.Is(err, jobs.ErrNotFound) {
		return OutcomeProceed, nil
	}
	if err != nil {
		return OutcomeProceed, fmt.Errorf("existing booking lookup: %w", err)
	}

	if err := r.client.CancelReservation(ctx, existing.ConfirmationID); err != nil {
		return OutcomeProceed, fmt.Errorf("cancel existing booking %s: %w", existing.ConfirmationID, err)
	}
	if err := r.store.SetReservationStatus(ctx, existing.ID, jobs.ReservationReplaced); err != nil {
		// The provider-side cancel already happened; a stale record here is
		// recoverable, a duplicate booking is not.
		return OutcomeProceed, fmt.Errorf("mark replaced: %w", err)
	}
	return OutcomeProceed, nil
}
