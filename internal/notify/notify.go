// Package notify delivers the one report every job produces when it reaches
// a terminal state.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/sniper"
)

// Dispatcher receives exactly one call per terminal job. Failures include
// cancellations: a superseded job is not an error, but its report still goes
// through the failure channel with a reason saying so.
type Dispatcher interface {
	NotifySuccess(ctx context.Context, job jobs.SniperJob, res sniper.Result) error
	NotifyFailure(ctx context.Context, job jobs.SniperJob, res sniper.Result) error
}

// LogDispatcher writes reports to the log. The fallback when nothing else is
// configured, and the inner dispatcher most deployments wrap.
type LogDispatcher struct{}

func NewLogDispatcher() *LogDispatcher { return &LogDispatcher{} }

func (*LogDispatcher) NotifySuccess(ctx context.Context, job jobs.SniperJob, res sniper.Result) error {
	slog.Info("notify: reservation booked",
		"job", job.ID, "venue", job.VenueID, "date", job.Date.Format("2006-01-02"),
		"slot", res.SlotTime.Format(time.RFC3339), "confirmation", res.ConfirmationID,
		"attempts", res.Attempts)
	return nil
}

func (*LogDispatcher) NotifyFailure(ctx context.Context, job jobs.SniperJob, res sniper.Result) error {
	slog.Warn("notify: sniper job did not book",
		"job", job.ID, "venue", job.VenueID, "date", job.Date.Format("2006-01-02"),
		"status", res.Status, "reason", res.Reason, "attempts", res.Attempts,
		"diagnostics", res.Diagnostics.String())
	return nil
}

// FormatSuccess renders the human-readable success report body.
func FormatSuccess(job jobs.SniperJob, res sniper.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reservation booked: %s on %s at %s\n",
		job.VenueID, job.Date.Format("2006-01-02"), res.SlotTime.Format("3:04 PM"))
	fmt.Fprintf(&b, "Party size: %d\n", job.PartySize)
	fmt.Fprintf(&b, "Confirmation: %s\n", res.ConfirmationID)
	fmt.Fprintf(&b, "Attempts used: %d / %d\n", res.Attempts, job.MaxAttempts)
	fmt.Fprintf(&b, "Preferred windows: %s", formatWindows(job))
	return b.String()
}

// FormatFailure renders the human-readable failure/cancellation report body,
// including the aggregated poll diagnostics.
func FormatFailure(job jobs.SniperJob, res sniper.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sniper job %s for %s on %s: %s\n",
		job.ID, job.VenueID, job.Date.Format("2006-01-02"), res.Status)
	fmt.Fprintf(&b, "Reason: %s\n", res.Reason)
	fmt.Fprintf(&b, "Attempts used: %d / %d\n", res.Attempts, job.MaxAttempts)
	fmt.Fprintf(&b, "Preferred windows: %s\n", formatWindows(job))
	fmt.Fprintf(&b, "Poll failures:\n%s", res.Diagnostics.String())
	return b.String()
}

func formatWindows(job jobs.SniperJob) string {
	parts := make([]string, 0, len(job.Windows))
	for _, w := range job.Windows {
		parts = append(parts, fmt.Sprintf("%s ±%dm", w.Center, w.Slack))
	}
	return strings.Join(parts, ", ")
}
