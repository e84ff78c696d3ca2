package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/common/version"
)

var (
	// Version of the build. This is injected at build-time.
	buildString = "unknown"
	exit        = func() { os.Exit(1) }
)

func main() {
	// Initialise and load the config.
	ko, err := initConfig(os.Args[1:], "config.sample.toml", "HP3PAR_EXPORTER_")
	if err != nil {
		panic(err.Error())
	}

	version.Version = buildString

	lo := initLogger(ko.MustString("app.log_level"))
	lo.Info("booting hp3par-exporter version", "version", buildString)

	conns, err := initConnections(ko, lo)
	if err != nil {
		lo.Error("failed to init connection manager", "error", err)
		exit()
	}

	coll, err := initCollector(ko, lo, conns)
	if err != nil {
		lo.Error("failed to init collector", "error", err)
		exit()
	}

	// Init the app.
	app := &App{
		lo:        lo,
		opts:      initOpts(ko),
		conns:     conns,
		collector: coll,
	}

	// Create a new context which is cancelled when `SIGINT`/`SIGTERM` is received.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		lo.Error("error during shutdown", "error", err)
	}

	app.lo.Info("shutting down")
}
