package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/resy-sniper/internal/analytics"
	"github.com/example/resy-sniper/internal/config"
	"github.com/example/resy-sniper/internal/metrics"
	"github.com/example/resy-sniper/internal/notify"
	"github.com/example/resy-sniper/internal/resy"
	"github.com/example/resy-sniper/internal/scheduler"
	"github.com/example/resy-sniper/internal/sniper"
)

func newRunCmd() *cobra.Command {
	var skipPing bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireResyCredentials(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			store, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			client := resy.New(
				resy.Credentials{APIKey: cfg.ResyAPIKey, AuthToken: cfg.ResyAuthToken},
				resy.WithBaseURL(cfg.ResyBaseURL),
			)
			if !skipPing {
				if err := client.Ping(ctx); err != nil {
					return fmt.Errorf("resy credentials check: %w", err)
				}
			}

			limiter := sniper.NewLimiter(cfg.RequestSpacing, cfg.JitterMin, cfg.JitterMax)
			engine := sniper.NewEngine(store, client, limiter)

			var sink metrics.Sink = metrics.NewNoopSink()
			if cfg.MetricsAddr != "" {
				sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
				go serveMetrics(ctx, cfg.MetricsAddr)
			}
			engine.WithMetrics(sink)

			if cfg.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
				defer rdb.Close()
				engine.WithAnalytics(analytics.NewRedisSink(rdb))
			}

			var notifier notify.Dispatcher = notify.NewLogDispatcher()
			if cfg.WebhookURL != "" {
				notifier = notify.NewWebhookDispatcher(cfg.WebhookURL, cfg.WebhookSecret)
			}

			sched := scheduler.New(scheduler.Config{
				ScanInterval: cfg.ScanInterval,
				BatchSize:    cfg.BatchSize,
			}, store, engine, notifier).WithMetrics(sink)

			slog.Info("scheduler starting",
				"store", cfg.StoreDriver,
				"scan_interval", cfg.ScanInterval,
				"request_spacing", cfg.RequestSpacing)
			return sched.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&skipPing, "skip-ping", false, "skip the startup credentials check")
	return cmd
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "err", err)
	}
}
