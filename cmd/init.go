package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"
	"golang.org/x/exp/slog"

	"github.com/zerodha/hp3par-exporter/internal/collector"
	"github.com/zerodha/hp3par-exporter/internal/connmgr"
	"github.com/zerodha/hp3par-exporter/internal/sshcmd"
	"github.com/zerodha/hp3par-exporter/internal/wbem"
)

// defaults are loaded before the config file.
var defaults = map[string]any{
	"app.log_level":                 "info",
	"app.scrape_timeout":            "50s",
	"app.namespace":                 "",
	"server.address":                ":9101",
	"server.path":                   "/metrics",
	"wbem.port":                     5989,
	"wbem.namespace":                "root/tpd",
	"wbem.verify_tls":               false,
	"wbem.timeout":                  "50s",
	"ssh.port":                      22,
	"ssh.timeout":                   "30s",
	"overprovisioning.enabled":      true,
	"overprovisioning.max_attempts": collector.DEFAULT_MAX_ATTEMPTS,
}

// initConfig loads config to `ko`
// object.
func initConfig(args []string, cfgDefault, envPrefix string) (*koanf.Koanf, error) {
	var (
		ko = koanf.New(".")
		f  = flag.NewFlagSet("hp3par-exporter", flag.ContinueOnError)
	)

	// Configure Flags.
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	// Register `--config` and `--version` flags.
	cfgPath := f.String("config", cfgDefault, "Path to a TOML or YAML config file to load.")
	showVersion := f.Bool("version", false, "Print the version and exit.")

	// Parse and Load Flags.
	if err := f.Parse(args); err != nil {
		return nil, err
	}

	if *showVersion {
		fmt.Println(buildString)
		os.Exit(0)
	}

	for k, v := range defaults {
		if err := ko.Set(k, v); err != nil {
			return nil, err
		}
	}

	// Load the config file from the path provided.
	if err := ko.Load(file.Provider(*cfgPath), parserFor(*cfgPath)); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", *cfgPath, err)
	}

	// Load environment variables if the key is given
	// and merge into the loaded config.
	if envPrefix != "" {
		err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
			return strings.Replace(strings.ToLower(
				strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
		}), nil)
		if err != nil {
			return nil, err
		}
	}

	return ko, nil
}

// parserFor picks the config parser from the file extension.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	default:
		return toml.Parser()
	}
}

// initLogger initialises a logger.
func initLogger(lvl string) *slog.Logger {
	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
	}
	if lvl == "debug" {
		opts.Level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &opts).WithAttrs([]slog.Attr{slog.String("component", "hp3par-exporter")}))
}

// initWBEMOpts reads the query channel settings.
func initWBEMOpts(ko *koanf.Koanf) wbem.Opts {
	host := ko.MustString("wbem.address")
	return wbem.Opts{
		Endpoint:  "https://" + net.JoinHostPort(host, strconv.Itoa(ko.MustInt("wbem.port"))),
		Namespace: ko.MustString("wbem.namespace"),
		Username:  ko.String("wbem.username"),
		Password:  ko.String("wbem.password"),
		VerifyTLS: ko.Bool("wbem.verify_tls"),
		Timeout:   ko.MustDuration("wbem.timeout"),
	}
}

// initSSHOpts reads the command channel settings. Address and credentials
// fall back to the wbem ones.
func initSSHOpts(ko *koanf.Koanf) sshcmd.Opts {
	opts := sshcmd.Opts{
		Host:       ko.String("ssh.address"),
		Port:       ko.MustInt("ssh.port"),
		Username:   ko.String("ssh.username"),
		Password:   ko.String("ssh.password"),
		Timeout:    ko.MustDuration("ssh.timeout"),
		KnownHosts: ko.String("ssh.known_hosts"),
	}
	if opts.Host == "" {
		opts.Host = ko.MustString("wbem.address")
	}
	if opts.Username == "" {
		opts.Username = ko.String("wbem.username")
	}
	if opts.Password == "" {
		opts.Password = ko.String("wbem.password")
	}
	return opts
}

// initConnections builds the connection manager. No connection is made
// until the first scrape.
func initConnections(ko *koanf.Koanf, lo *slog.Logger) (*connmgr.Manager, error) {
	var (
		wOpts = initWBEMOpts(ko)
		sOpts = initSSHOpts(ko)
	)

	// Validate the endpoint up front so a typo fails at boot.
	if _, err := wbem.New(lo, wOpts); err != nil {
		return nil, err
	}

	dialQuery := func(ctx context.Context) (connmgr.QueryClient, error) {
		c, err := wbem.New(lo.With("channel", connmgr.ChannelQuery), wOpts)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to wbem service: %w", err)
		}
		return c, nil
	}

	dialCommand := func(ctx context.Context) (connmgr.CommandClient, error) {
		c, err := sshcmd.Dial(ctx, lo.With("channel", connmgr.ChannelCommand), sOpts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	return connmgr.New(lo, dialQuery, dialCommand), nil
}

// initCollector builds the scrape orchestrator.
func initCollector(ko *koanf.Koanf, lo *slog.Logger, conns collector.Connections) (*collector.Collector, error) {
	storage := ko.String("app.storage_name")
	if storage == "" {
		return nil, fmt.Errorf("app.storage_name is required")
	}

	return collector.New(lo, conns, collector.Opts{
		Namespace:        ko.String("app.namespace"),
		StorageName:      storage,
		ScrapeTimeout:    ko.MustDuration("app.scrape_timeout"),
		Overprovisioning: ko.Bool("overprovisioning.enabled"),
		MaxAttempts:      ko.MustInt("overprovisioning.max_attempts"),
	}), nil
}

func initOpts(ko *koanf.Koanf) Opts {
	return Opts{
		Address:     ko.MustString("server.address"),
		MetricsPath: ko.MustString("server.path"),
	}
}
