package collector

import (
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"

	"github.com/zerodha/hp3par-exporter/pkg/models"
)

// Registry accumulates the samples of one scrape, grouped into families by
// metric name. It holds at most one sample per (name, label set): the first
// write wins. A Registry is never reused across scrapes.
type Registry struct {
	lo       *slog.Logger
	families map[string]*family
	order    []string
}

type family struct {
	help       string
	labelNames []string
	seen       map[string]struct{}
	samples    []models.Sample
}

func NewRegistry(lo *slog.Logger) *Registry {
	return &Registry{
		lo:       lo,
		families: make(map[string]*family),
	}
}

// Record adds s to its family, creating the family on first use. It
// reports whether the sample was kept.
func (r *Registry) Record(s models.Sample) bool {
	f, ok := r.families[s.Name]
	if !ok {
		f = &family{
			help:       s.Help,
			labelNames: s.LabelNames(),
			seen:       make(map[string]struct{}),
		}
		r.families[s.Name] = f
		r.order = append(r.order, s.Name)
	}

	if !slices.Equal(f.labelNames, s.LabelNames()) {
		r.lo.Warn("dropping sample with inconsistent label names", "metric", s.Name, "labels", s.Labels)
		return false
	}

	key := s.LabelKey()
	if _, dup := f.seen[key]; dup {
		r.lo.Debug("dropping duplicate sample", "metric", s.Name, "labels", s.Labels, "value", s.Value)
		return false
	}

	f.seen[key] = struct{}{}
	f.samples = append(f.samples, s)
	return true
}

// Len returns the number of samples held.
func (r *Registry) Len() int {
	n := 0
	for _, f := range r.families {
		n += len(f.samples)
	}
	return n
}

// Samples returns all samples in family creation order, then record order.
func (r *Registry) Samples() []models.Sample {
	out := make([]models.Sample, 0, r.Len())
	for _, name := range r.order {
		out = append(out, r.families[name].samples...)
	}
	return out
}

// Metrics renders the families as constant gauges. namespace is prepended to
// every metric name and constLabels are attached to every sample. A sample
// that cannot be rendered is skipped and reported in the returned error.
func (r *Registry) Metrics(namespace string, constLabels prometheus.Labels) ([]prometheus.Metric, error) {
	var (
		out  = make([]prometheus.Metric, 0, r.Len())
		errs error
	)
	for _, name := range r.order {
		f := r.families[name]
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), f.help, f.labelNames, constLabels)

		for _, s := range f.samples {
			m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, s.Value, s.LabelValues()...)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("failed to build metric %s: %w", name, err))
				continue
			}
			out = append(out, m)
		}
	}
	return out, errs
}
