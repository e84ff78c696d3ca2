package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/zerodha/hp3par-exporter/internal/collector"
	"github.com/zerodha/hp3par-exporter/internal/connmgr"
)

const SHUTDOWN_TIMEOUT = 10 * time.Second

type App struct {
	lo   *slog.Logger
	opts Opts

	conns     *connmgr.Manager
	collector *collector.Collector

	srv *http.Server
}

type Opts struct {
	Address     string
	MetricsPath string
}

// registry holds the array collector alongside the exporter's own process
// and build metrics.
func (app *App) registry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()

	for _, c := range []prometheus.Collector{
		app.collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector("hp3par_exporter"),
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return reg, nil
}

// handler returns the HTTP routes: the metrics endpoint and /health.
func (app *App) handler() (http.Handler, error) {
	reg, err := app.registry()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(app.opts.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(app.lo.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux, nil
}

// Serve blocks serving HTTP until ctx is cancelled, then shuts the server
// down.
func (app *App) Serve(ctx context.Context) error {
	h, err := app.handler()
	if err != nil {
		return err
	}

	app.srv = &http.Server{
		Addr:              app.opts.Address,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.lo.Info("starting http server", "address", app.opts.Address, "path", app.opts.MetricsPath)
		if err := app.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	app.lo.Info("stopping http server")
	sctx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()

	if err := app.srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

// Run serves HTTP until ctx is cancelled or the server fails. Upstream
// channels are closed while the server drains.
func (app *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.Close()
	})

	return g.Wait()
}

// Close releases both upstream channels.
func (app *App) Close() error {
	app.lo.Info("closing array connections")
	if err := app.conns.Close(); err != nil {
		return fmt.Errorf("failed to close connections: %w", err)
	}
	return nil
}
