package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"controlroom/internal/config"
	"controlroom/internal/db"
	"controlroom/internal/engine"
	"controlroom/internal/metrics"
	"controlroom/internal/server"
	"controlroom/internal/stream"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long: `Serves the API, polls every project's budget and forwards audit entries to
configured webhooks. Process settings come from CONTROLROOM_* environment
variables; --addr and --base-path override them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := config.LoadRuntime()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				rt.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				rt.BasePath = basePath
			}
			if rt.JWTSecret == "" && !rt.AllowActorHeader {
				return fmt.Errorf("CONTROLROOM_JWT_SECRET is required unless CONTROLROOM_ALLOW_ACTOR_HEADER is set")
			}
			logger := rt.Logger(os.Stderr)

			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()

			e := engine.New(conn)
			e.Logger = logger
			e.Metrics = metrics.New()
			e.Runner = &stream.Client{
				HTTPClient: &http.Client{Transport: runnerTransport(rt.RunnerTimeout)},
				Logger:     logger,
			}
			defer e.Close()

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: rt.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              rt.JWTSecret,
					AllowLegacyActorHeader: rt.AllowActorHeader,
					Logger:                 logger,
				},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := &http.Server{Addr: rt.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			dispatcher := &server.WebhookDispatcher{Engine: e, Interval: rt.WebhookInterval, Logger: logger}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving controlroom API", "addr", rt.Addr, "base_path", rt.BasePath, "docs", "/docs", "metrics", "/metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return e.WatchAllBudgets(gctx, rt.BudgetPoll) })
			g.Go(func() error { return dispatcher.Run(gctx) })
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// runnerTransport bounds connecting to the runner and waiting for its
// response headers. The event stream itself has no deadline.
func runnerTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.ResponseHeaderTimeout = timeout
	return t
}
