package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/resy-sniper/internal/config"
	"github.com/example/resy-sniper/internal/domain/reservation"
	"github.com/example/resy-sniper/internal/jobs"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage sniper jobs",
	}
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var (
		venueID     string
		resDate     string
		times       string
		slack       int
		partySize   int
		activateAt  string
		deadline    string
		timezone    string
		groupID     string
		maxAttempts int
		interval    time.Duration
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a sniper job that activates at a drop time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return fmt.Errorf("invalid --timezone: %w", err)
			}
			date, err := time.ParseInLocation("2006-01-02", resDate, loc)
			if err != nil {
				return fmt.Errorf("invalid --date (want YYYY-MM-DD)")
			}

			if slack < 0 {
				slack = cfg.DefaultSlackMinutes
			}
			windows, err := parseWindows(times, slack)
			if err != nil {
				return err
			}

			scheduledAt, err := parseActivation(activateAt, loc)
			if err != nil {
				return err
			}

			j := jobs.SniperJob{
				VenueID:      venueID,
				Date:         date,
				Windows:      windows,
				PartySize:    partySize,
				ScheduledAt:  scheduledAt,
				MaxAttempts:  maxAttempts,
				PollInterval: interval,
				JitterMin:    cfg.JitterMin,
				JitterMax:    cfg.JitterMax,
			}
			if maxAttempts == 0 {
				j.MaxAttempts = cfg.DefaultMaxAttempts
			}
			if interval == 0 {
				j.PollInterval = cfg.DefaultPollInterval
			}
			if deadline != "" {
				d, err := time.ParseInLocation(time.RFC3339, deadline, loc)
				if err != nil {
					return fmt.Errorf("invalid --deadline (want RFC 3339): %w", err)
				}
				j.Deadline = &d
			}
			if groupID != "" {
				g, err := uuid.Parse(groupID)
				if err != nil {
					return fmt.Errorf("invalid --group: %w", err)
				}
				j.GroupID = g
			}
			if err := j.Validate(); err != nil {
				return err
			}

			if err := store.CreateJob(ctx, &j); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created job id=%s group=%s activates=%s\n",
				j.ID, j.GroupID, j.ScheduledAt.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().StringVar(&venueID, "venue-id", "", "resy venue id")
	c.Flags().StringVar(&resDate, "date", "", "reservation date YYYY-MM-DD")
	c.Flags().StringVar(&times, "times", "19:00", "comma-separated preferred times, most preferred first")
	c.Flags().IntVar(&slack, "slack", -1, "acceptable minutes around each preferred time")
	c.Flags().IntVar(&partySize, "party-size", 2, "party size")
	c.Flags().StringVar(&activateAt, "at", "now", "activation time RFC 3339, or 'now'")
	c.Flags().StringVar(&deadline, "deadline", "", "optional hard stop RFC 3339")
	c.Flags().StringVar(&timezone, "timezone", "America/New_York", "timezone for date and deadline parsing")
	c.Flags().StringVar(&groupID, "group", "", "join an existing job group instead of starting one")
	c.Flags().IntVar(&maxAttempts, "max-attempts", 0, "poll attempt budget (0 = configured default)")
	c.Flags().DurationVar(&interval, "interval", 0, "poll interval (0 = configured default)")

	_ = c.MarkFlagRequired("venue-id")
	_ = c.MarkFlagRequired("date")
	return c
}

func newJobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			js, err := store.ListJobs(ctx)
			if err != nil {
				return err
			}
			for _, j := range js {
				line := fmt.Sprintf("id=%s status=%s venue=%s date=%s windows=%s attempts=%d/%d",
					j.ID, j.Status, j.VenueID, j.Date.Format("2006-01-02"),
					formatWindows(j.Windows), j.Attempts, j.MaxAttempts)
				if j.ConfirmationID != nil {
					line += " confirmation=" + *j.ConfirmationID
				}
				if j.LastError != nil {
					line += fmt.Sprintf(" last_error=%q", *j.LastError)
				}
				fmt.Fprintln(os.Stdout, line)
			}
			return nil
		},
	}
}

func newJobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			reason := "cancelled by operator"
			ok, err := store.Transition(ctx, id, jobs.StatusCancelled,
				jobs.StatusUpdate{LastError: &reason},
				jobs.StatusPending, jobs.StatusRunning)
			if err != nil {
				return err
			}
			if !ok {
				j, err := store.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return fmt.Errorf("job %s is already %s", id, j.Status)
			}
			fmt.Fprintf(os.Stdout, "cancelled job %s\n", id)
			return nil
		},
	}
}

// parseWindows turns "19:00,18:45" plus a slack into ordered time windows.
func parseWindows(times string, slack int) ([]reservation.TimeWindow, error) {
	var out []reservation.TimeWindow
	for _, part := range strings.Split(times, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		center, err := reservation.ParseTimeOfDay(part)
		if err != nil {
			return nil, fmt.Errorf("invalid --times entry %q: %w", part, err)
		}
		out = append(out, reservation.TimeWindow{Center: center, Slack: slack})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("--times must name at least one time")
	}
	return out, nil
}

func parseActivation(s string, loc *time.Location) (time.Time, error) {
	if s == "" || s == "now" {
		return time.Now().UTC(), nil
	}
	t, err := time.ParseInLocation(time.RFC3339, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at (want RFC 3339 or 'now'): %w", err)
	}
	return t, nil
}

func formatWindows(ws []reservation.TimeWindow) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = fmt.Sprintf("%s±%dm", w.Center, w.Slack)
	}
	return strings.Join(parts, ",")
}
