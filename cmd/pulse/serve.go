package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/socialpulse/pulse/engine/control"
	"github.com/socialpulse/pulse/engine/schedule"
	"github.com/socialpulse/pulse/pkg/telemetry"
)

type serveOptions struct {
	addr        string
	corsOrigin  string
	noScheduler bool
}

func newServeCmd(g *globals) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides infra.http_addr)")
	cmd.Flags().StringVar(&opts.corsOrigin, "cors-origin", "*", "Access-Control-Allow-Origin value")
	cmd.Flags().BoolVar(&opts.noScheduler, "no-scheduler", false, "serve the API without automatic runs")
	return cmd
}

func (g *globals) serve(ctx context.Context, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := g.logger

	s, err := g.settings()
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "pulse",
		Endpoint:    s.Infra.OTLPEndpoint,
		SampleRatio: s.Infra.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}()

	a, err := newApp(ctx, g.configPath, s, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", "err", err)
		}
	}()

	if a.nc != nil {
		stopNATS, err := control.ServeNATS(a.nc, a.svc)
		if err != nil {
			return err
		}
		defer stopNATS()
	}

	addr := opts.addr
	if addr == "" {
		addr = s.Infra.HTTPAddr
	}
	srv := &http.Server{
		Addr: addr,
		Handler: control.NewHandler(a.svc, control.HandlerOptions{
			Metrics:    a.metrics,
			Logger:     logger,
			CORSOrigin: opts.corsOrigin,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		logger.Info("control api starting", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	grp.Go(func() error {
		return a.settings.Watch(gctx)
	})
	if !opts.noScheduler {
		driver := schedule.New(schedule.Options{
			Settings: a.settings,
			Collect: func(ctx context.Context) error {
				a.svc.CollectAll(ctx)
				return nil
			},
			Process: func(ctx context.Context) error {
				_, err := a.svc.Process(ctx, 0)
				return err
			},
			Logger: logger,
		})
		grp.Go(func() error {
			driver.Run(gctx)
			return nil
		})
	}

	return grp.Wait()
}
