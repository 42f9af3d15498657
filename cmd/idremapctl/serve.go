package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"idremap/internal/config"
	"idremap/internal/health"
	"idremap/internal/logging"
	"idremap/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Initialize and expose /metrics, /healthz and /readyz over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Metrics.Listen
			}
			return a.serve(cmd.Context(), listen, watch, func(addr net.Addr) {
				fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", addr)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: metrics.listen)")
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the log level when the config file changes")
	return cmd
}

// serve runs until ctx is done. ready is called once the listener is bound.
func (a *app) serve(ctx context.Context, listen string, watch bool, ready func(net.Addr)) error {
	s, err := a.initSession(ctx)
	if err != nil {
		return err
	}
	defer s.engine.Close()

	if watch {
		loader := config.NewLoader(a.configPath, config.WithLoaderLogger(a.logger.Logger))
		if _, err := loader.Load(); err != nil {
			a.logger.Warn("config watch disabled", "error", err)
		} else if err := loader.Watch(); err != nil {
			a.logger.Warn("config watch disabled", "error", err)
		} else {
			defer loader.Close()
			loader.OnChange(func(old, cur *config.Config) { a.applyReload(ctx, old, cur) })
		}
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	checker := health.NewChecker()
	checker.Register("engine", true, health.ErrCheck(s.engine.Healthy))
	checker.Register("interception", false, health.InterceptionCheck(s.engine.Interception))

	router := metrics.NewRouter(a.metrics.Registry(), s.engine.Healthy)
	router.Method(http.MethodGet, "/readyz", checker.Handler())

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ready != nil {
		ready(ln.Addr())
	}
	a.logger.Info("serving metrics", "addr", ln.Addr().String(), "status", s.status)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := a.audit.LogShutdown(ctx, "signal"); err != nil {
		a.logger.Warn("audit write failed", "error", err)
	}
	return nil
}

// applyReload picks up settings that can change without a restart. Only the
// log level is live; everything else needs a new Init.
func (a *app) applyReload(ctx context.Context, old, cur *config.Config) {
	if old != nil && old.Logging.Level == cur.Logging.Level {
		return
	}
	level, err := logging.ParseLevel(cur.Logging.Level)
	if err != nil {
		return
	}
	prev := logging.LevelString(a.logger.Level())
	a.logger.SetLevel(level)
	a.logger.Info("log level changed", "from", prev, "to", cur.Logging.Level)
	if err := a.audit.LogConfigChange(ctx, "logging.level", prev, cur.Logging.Level); err != nil {
		a.logger.Warn("audit write failed", "error", err)
	}
}
