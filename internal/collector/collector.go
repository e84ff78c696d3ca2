// Package collector turns the array's CIM instances and CLI output into a
// de-duplicated metric set, once per scrape.
package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slog"

	"github.com/zerodha/hp3par-exporter/internal/connmgr"
)

const (
	META_NAMESPACE = "hp3par"

	stageResources        = "resources"
	stageOverprovisioning = "overprovisioning"

	DEFAULT_SCRAPE_TIMEOUT = 50 * time.Second
)

// Connections is the part of the connection manager the collectors use.
type Connections interface {
	EnsureQuery(ctx context.Context) (connmgr.QueryClient, error)
	EnsureCommand(ctx context.Context) (connmgr.CommandClient, error)
	Invalidate(ch connmgr.Channel, cause error)
}

type Opts struct {
	// Namespace is an optional prefix for array metric names.
	Namespace string
	// StorageName is attached to every metric as the storage_name label.
	StorageName string
	// ScrapeTimeout bounds a whole scrape.
	ScrapeTimeout time.Duration
	// Overprovisioning enables the per-pool CLI collection.
	Overprovisioning bool
	// MaxAttempts bounds overprovisioning passes per scrape.
	MaxAttempts int
}

// Result reports the outcome of each stage of a scrape.
type Result struct {
	// Resources is set when the scrape was aborted: a channel could not be
	// established or the resource sweep failed.
	Resources error
	// Overprovisioning is set when that sub-collection failed or was not
	// reached.
	Overprovisioning error
	Duration         time.Duration
}

// Collector is the scrape entry point. It implements prometheus.Collector;
// scrapes are serialized.
type Collector struct {
	mu sync.Mutex

	lo    *slog.Logger
	opts  Opts
	conns Connections
	now   func() time.Time

	resources *ResourceCollector
	overprov  *OverprovisioningCollector

	successDesc  *prometheus.Desc
	durationDesc *prometheus.Desc
}

func New(lo *slog.Logger, conns Connections, opts Opts) *Collector {
	if opts.ScrapeTimeout <= 0 {
		opts.ScrapeTimeout = DEFAULT_SCRAPE_TIMEOUT
	}

	lgr := lo.With("component", "collector", "storage_name", opts.StorageName)
	constLabels := prometheus.Labels{"storage_name": opts.StorageName}

	return &Collector{
		lo:        lgr,
		opts:      opts,
		conns:     conns,
		now:       time.Now,
		resources: NewResourceCollector(lgr, ResourceClasses),
		overprov:  NewOverprovisioningCollector(lgr, conns, opts.MaxAttempts),
		successDesc: prometheus.NewDesc(
			prometheus.BuildFQName(META_NAMESPACE, "scrape", "success"),
			"Whether the last scrape of a collection stage succeeded.",
			[]string{"stage"}, constLabels,
		),
		durationDesc: prometheus.NewDesc(
			prometheus.BuildFQName(META_NAMESPACE, "scrape", "duration_seconds"),
			"Duration of the last scrape of the array.",
			nil, constLabels,
		),
	}
}

// Scrape runs one full collection into a fresh Registry, bounded by the
// scrape timeout. The timeout starts once any earlier scrape has finished.
// On abort the returned Registry is empty.
func (c *Collector) Scrape(ctx context.Context) (*Registry, Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ScrapeTimeout)
	defer cancel()

	var (
		start = c.now()
		reg   = NewRegistry(c.lo)
		res   Result
	)

	abort := func(err error) (*Registry, Result) {
		c.lo.Error("scrape aborted", "error", err)
		res.Resources = err
		res.Overprovisioning = err
		res.Duration = c.now().Sub(start)
		return NewRegistry(c.lo), res
	}

	q, err := c.conns.EnsureQuery(ctx)
	if err != nil {
		return abort(err)
	}
	if c.opts.Overprovisioning {
		if _, err := c.conns.EnsureCommand(ctx); err != nil {
			return abort(err)
		}
	}

	if err := c.resources.Collect(ctx, q, reg); err != nil {
		var connErr *connmgr.ConnectionError
		if errors.As(err, &connErr) {
			c.conns.Invalidate(connmgr.ChannelQuery, err)
		}
		return abort(err)
	}

	if c.opts.Overprovisioning {
		if err := c.overprov.Collect(ctx, q, reg); err != nil {
			c.lo.Error("overprovisioning collection failed", "error", err)
			res.Overprovisioning = err
		}
	}

	res.Duration = c.now().Sub(start)
	c.lo.Info("scrape completed", "samples", reg.Len(), "duration", res.Duration)
	return reg, res
}

// Describe sends no descriptors: the metric set depends on what the array
// returns, so the collector is registered unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect runs a scrape and emits its samples along with per-stage success
// and duration metrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	reg, res := c.Scrape(context.Background())

	metrics, err := reg.Metrics(c.opts.Namespace, prometheus.Labels{"storage_name": c.opts.StorageName})
	if err != nil {
		c.lo.Error("failed to render metrics", "error", err)
	}
	for _, m := range metrics {
		ch <- m
	}

	ch <- prometheus.MustNewConstMetric(c.successDesc, prometheus.GaugeValue, success(res.Resources), stageResources)
	if c.opts.Overprovisioning {
		ch <- prometheus.MustNewConstMetric(c.successDesc, prometheus.GaugeValue, success(res.Overprovisioning), stageOverprovisioning)
	}
	ch <- prometheus.MustNewConstMetric(c.durationDesc, prometheus.GaugeValue, res.Duration.Seconds())
}

func success(err error) float64 {
	if err != nil {
		return 0
	}
	return 1
}
