package cmd

import (
	"context"
	"fmt"

	"github.com/example/resy-sniper/internal/config"
	"github.com/example/resy-sniper/internal/db"
	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/migrate"
	"github.com/example/resy-sniper/internal/store/postgres"
	"github.com/example/resy-sniper/internal/store/sqlite"
)

// jobStore is jobs.Store plus the listing query the CLI needs.
type jobStore interface {
	jobs.Store
	ListJobs(ctx context.Context) ([]jobs.SniperJob, error)
}

// openStore opens the configured backend, running migrations for Postgres.
// The returned func releases the connection.
func openStore(ctx context.Context, cfg config.Config) (jobStore, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		if err := migrate.Up(ctx, d); err != nil {
			d.Close()
			return nil, nil, err
		}
		return postgres.New(d), d.Close, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
