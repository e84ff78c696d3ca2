package collector

import (
	"context"

	"golang.org/x/exp/slog"

	"github.com/zerodha/hp3par-exporter/internal/connmgr"
)

// ResourceCollector sweeps every resource class over the query channel.
type ResourceCollector struct {
	lo      *slog.Logger
	classes []ResourceClass
}

func NewResourceCollector(lo *slog.Logger, classes []ResourceClass) *ResourceCollector {
	return &ResourceCollector{
		lo:      lo.With("collector", "resources"),
		classes: classes,
	}
}

// Collect enumerates each class in order and records the normalized samples
// into reg. The first failing class aborts the sweep.
func (c *ResourceCollector) Collect(ctx context.Context, q connmgr.QueryClient, reg *Registry) error {
	for _, rc := range c.classes {
		insts, err := q.EnumerateInstances(ctx, rc.Name, rc.Properties())
		if err != nil {
			return classifyQueryErr(rc.Name, err)
		}

		kept := 0
		for _, inst := range insts {
			_, samples := Normalize(rc, inst)
			for _, s := range samples {
				if reg.Record(s) {
					kept++
				}
			}
		}

		c.lo.Debug("collected class", "class", rc.Name, "instances", len(insts), "samples", kept)
	}

	return nil
}
