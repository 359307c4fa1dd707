package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/concache/pkg/bgcalc"
	"github.com/Sumatoshi-tech/concache/pkg/observability"
)

// NewServeCommand creates the task server command.
func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the calculation task server",
		Long: `Run the concordance calculation workers behind an HTTP task API.

Clients configured with calc_backend.type=http dispatch conc_calculate and
conc_sync_calculate tasks here. Health, readiness and Prometheus metrics are
served on the diagnostics address.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := loadRuntime(cmd, observability.ModeServe)
			if err != nil {
				return err
			}

			defer rt.close(context.Background())

			if addr != "" {
				rt.cfg.Server.Addr = addr
			}

			return runServer(ctx, rt, nil)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")

	return cmd
}

// runServer serves until ctx is done. ready, when set, receives the bound
// task server address.
func runServer(ctx context.Context, rt *appRuntime, ready chan<- string) error {
	app, err := rt.localApp()
	if err != nil {
		return err
	}

	red, err := observability.NewREDMetrics(rt.providers.Meter)
	if err != nil {
		return err
	}

	traced := func(next http.Handler) http.Handler {
		return observability.HTTPMiddleware(rt.providers.Tracer, red, next)
	}

	handler := bgcalc.NewServer(app, rt.logger, mux.MiddlewareFunc(traced))

	var diag *observability.DiagnosticsServer

	if rt.cfg.Diagnostics.Enabled {
		diag, err = observability.NewDiagnosticsServer(rt.cfg.Diagnostics.Addr, rt.providers.MetricsHandler, rt.logger,
			func(context.Context) error { return cacheDirCheck(rt.cfg.Cache.Directory) })
		if err != nil {
			return errors.Join(err, app.Close(context.Background()))
		}
	}

	var lc net.ListenConfig

	listener, err := lc.Listen(ctx, "tcp", rt.cfg.Server.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen on %s: %w", rt.cfg.Server.Addr, err), shutdown(rt, app, nil, diag))
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: rt.cfg.Server.ReadTimeout,
		ReadTimeout:       rt.cfg.Server.ReadTimeout,
		WriteTimeout:      rt.cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- srv.Serve(listener)
	}()

	rt.logger.InfoContext(ctx, "task server started", "addr", listener.Addr().String(),
		"max_workers", rt.cfg.CalcBackend.MaxWorkers)

	if ready != nil {
		ready <- listener.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(fmt.Errorf("task server: %w", err), shutdown(rt, app, nil, diag))
		}
	}

	rt.logger.Info("task server stopping")

	return shutdown(rt, app, srv, diag)
}

func shutdown(rt *appRuntime, app *bgcalc.LocalApp, srv *http.Server, diag *observability.DiagnosticsServer) error {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error

	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}

	errs = append(errs, app.Close(ctx))

	if diag != nil {
		errs = append(errs, diag.Close(ctx))
	}

	return errors.Join(errs...)
}

func cacheDirCheck(dir string) error {
	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		return fmt.Errorf("cache directory: %w", err)
	}

	probe, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("cache directory not writable: %w", err)
	}

	name := probe.Name()

	return errors.Join(probe.Close(), os.Remove(name))
}
