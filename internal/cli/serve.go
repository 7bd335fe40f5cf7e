package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"smarthub/internal/config"
	"smarthub/internal/homeassistant"
	"smarthub/internal/logging"
	"smarthub/internal/server"
	"smarthub/internal/syncer"
)

func newServeCmd(flags *GlobalFlags) *cobra.Command {
	var listen string
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with periodic and event-driven sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags, listen, noWatch)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "host:port to listen on (default from config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable the Home Assistant event watcher")
	return cmd
}

func runServe(cmd *cobra.Command, flags *GlobalFlags, listen string, noWatch bool) error {
	cfg, _, err := loadConfig(flags, config.Requirements{HomeAssistant: true})
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, "serve")
	if err != nil {
		return err
	}
	defer a.Close()

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return withExit(ExitBindFailure, fmt.Errorf("server bind failure: %w", err))
	}

	scheduler := syncer.NewScheduler(a.engine, cfg.Sync.Interval.Duration)
	scheduler.Logger = logging.Component(a.logger, "scheduler")
	scheduler.Start(ctx)

	var watcher *homeassistant.Watcher
	if cfg.HomeAssistant.Watch && !noWatch {
		watcher = homeassistant.NewWatcher(cfg.HABaseURL(), cfg.HomeAssistant.Token, func(event string) {
			a.logger.Info().Str("event", event).Msg("registry changed; triggering sync")
			scheduler.Trigger()
		})
		watcher.Logger = logging.Component(a.logger, "watcher")
		watcher.Start(ctx)
	}

	srv, err := server.New(server.Options{
		Turns:           a.turns,
		Syncer:          a.engine,
		Index:           a.index,
		Catalog:         a.catalog,
		Metrics:         a.metrics.Handler(),
		Logger:          logging.Component(a.logger, "http"),
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
	})
	if err != nil {
		_ = listener.Close()
		return err
	}

	if !flags.Quiet {
		st := newStyles(os.Stdout, flags.JSON)
		fmt.Println(st.banner(), st.dim(version))
		fmt.Println(st.kv("Listening", "http://"+listener.Addr().String()))
		fmt.Println(st.kv("Home Assistant", cfg.HABaseURL()))
		fmt.Println(st.kv("Ollama", cfg.Ollama.URL))
		fmt.Println(st.kv("Sync every", cfg.Sync.Interval.String()))
	}

	serveErr := srv.Serve(ctx, listener)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration+5*time.Second)
	defer cancel()
	var stopErrs []error
	if watcher != nil {
		stopErrs = append(stopErrs, watcher.Stop(shutdownCtx))
	}
	stopErrs = append(stopErrs, scheduler.Stop(shutdownCtx))
	if err := errors.Join(stopErrs...); err != nil {
		a.logger.Warn().Err(err).Msg("background workers did not stop cleanly")
	}
	return serveErr
}
