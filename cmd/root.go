package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func NewRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "resysnipe",
		Short: "Schedules sniper jobs that grab Resy reservations the moment they drop",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, ok := logLevels[logLevel]
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level: level,
			})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newJobCmd())
	root.AddCommand(newRunCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
