package reservation

import (
	"context"
	"errors"
	"time"
)

// Classified client failures. Callers distinguish transient from fatal with
// errors.Is; anything not matching a sentinel is treated as transient.
var (
	// ErrUnavailable: the availability source could not be reached or
	// answered with a server error. Transient.
	ErrUnavailable = errors.New("availability source unavailable")
	// ErrNotFound: the venue is unknown to the provider. Fatal.
	ErrNotFound = errors.New("venue not found")
	// ErrSlotTaken: the slot disappeared between check and book. Transient.
	ErrSlotTaken = errors.New("slot no longer available")
	// ErrAuthFailure: credentials rejected. Fatal.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrRateLimited: the provider asked us to slow down. Transient, and the
	// polling engine escalates its interval when it sees this.
	ErrRateLimited = errors.New("rate limited")
)

// Client is the capability the sniper needs from a reservation provider.
// Implementations are selected by the caller (API client, browser automation);
// the core never constructs one itself.
type Client interface {
	// GetAvailability returns the offered slots for a venue/date/party size.
	GetAvailability(ctx context.Context, venueID string, date time.Time, partySize int) ([]SlotCandidate, error)

	// MakeReservation books the given slot and returns the provider's
	// confirmation identifier.
	MakeReservation(ctx context.Context, venueID string, slot SlotCandidate, partySize int) (string, error)

	// CancelReservation cancels a previously confirmed booking.
	CancelReservation(ctx context.Context, confirmationID string) error
}

// IsFatal reports whether err should terminate a job immediately instead of
// being retried within the attempt budget.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuthFailure)
}
