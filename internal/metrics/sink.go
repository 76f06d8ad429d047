// Package metrics records sniper telemetry. Sinks are fire-and-forget:
// implementations must not block or propagate errors.
package metrics

// Sink is the interface the scheduler and polling engines record through.
type Sink interface {
	// ScanCompleted is recorded after each due-job scan.
	ScanCompleted(due int, err error)

	// PollCompleted is recorded after every availability poll; category is a
	// diagnostics category for failures, or "booked" / "slot_found".
	PollCompleted(category string)

	// JobFinished is recorded once per job with its terminal status.
	JobFinished(status string)

	JobsInFlightIncr()
	JobsInFlightDecr()
}

// Poll result labels that are not failure categories.
const (
	PollBooked    = "booked"
	PollSlotFound = "slot_found"
)
