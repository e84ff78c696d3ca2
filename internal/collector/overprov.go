package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/exp/slog"

	"github.com/zerodha/hp3par-exporter/internal/connmgr"
	"github.com/zerodha/hp3par-exporter/pkg/models"
)

const (
	// OVERPROVISIONING_CMD reports a pool's space usage. The value of
	// interest is the last field of the fourth output line.
	OVERPROVISIONING_CMD = "showspace -cpg %s"

	overprvLine = 3

	DEFAULT_MAX_ATTEMPTS = 2
)

var invalidMarker = []byte("invalid")

// cpgName is the character set and length the array CLI accepts for a CPG
// name. Anything else is not passed to the shell.
var cpgName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,31}$`)

// OverprovisioningCollector runs one CLI command per storage pool over the
// command channel.
type OverprovisioningCollector struct {
	lo          *slog.Logger
	conns       Connections
	maxAttempts int
}

func NewOverprovisioningCollector(lo *slog.Logger, conns Connections, maxAttempts int) *OverprovisioningCollector {
	if maxAttempts < 1 {
		maxAttempts = DEFAULT_MAX_ATTEMPTS
	}
	return &OverprovisioningCollector{
		lo:          lo.With("collector", "overprovisioning"),
		conns:       conns,
		maxAttempts: maxAttempts,
	}
}

// Collect enumerates pools over q and records one sample per pool whose
// command output parses. Pools with unusable output are skipped. A command
// channel failure aborts the pass; the pass is retried after a reconnect up
// to maxAttempts times.
func (c *OverprovisioningCollector) Collect(ctx context.Context, q connmgr.QueryClient, reg *Registry) error {
	pools, err := c.pools(ctx, q)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.pass(ctx, pools, reg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		c.lo.Warn("overprovisioning pass failed", "attempt", attempt, "max_attempts", c.maxAttempts, "error", lastErr)
	}

	return fmt.Errorf("overprovisioning collection failed: %w", lastErr)
}

// pools returns the names of all storage pools.
func (c *OverprovisioningCollector) pools(ctx context.Context, q connmgr.QueryClient) ([]string, error) {
	insts, err := q.EnumerateInstances(ctx, poolClassName, []string{propElementName})
	if err != nil {
		err = classifyQueryErr(poolClassName, err)
		var connErr *connmgr.ConnectionError
		if errors.As(err, &connErr) {
			c.conns.Invalidate(connmgr.ChannelQuery, err)
		}
		return nil, err
	}

	names := make([]string, 0, len(insts))
	for _, inst := range insts {
		name := strings.TrimSpace(inst.String(propElementName))
		if name == "" {
			c.lo.Warn("skipping storage pool without a name")
			continue
		}
		if !cpgName.MatchString(name) {
			c.lo.Warn("skipping storage pool with unsupported name", "pool", name)
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// pass runs the command for every pool once.
func (c *OverprovisioningCollector) pass(ctx context.Context, pools []string, reg *Registry) error {
	for _, pool := range pools {
		cli, err := c.conns.EnsureCommand(ctx)
		if err != nil {
			return err
		}

		stdout, stderr, err := cli.Run(ctx, fmt.Sprintf(OVERPROVISIONING_CMD, pool))
		if err != nil {
			c.conns.Invalidate(connmgr.ChannelCommand, err)
			return &connmgr.ConnectionError{Channel: connmgr.ChannelCommand, Err: err}
		}

		v, err := ParseOverprovisioning(pool, stdout, stderr)
		if err != nil {
			c.lo.Warn("skipping storage pool", "pool", pool, "error", err)
			continue
		}

		reg.Record(models.Sample{
			Name:   ResourceClass{Name: poolClassName}.Prefix() + "_" + kindOverprv,
			Help:   "Overprovisioning of DynamicStoragePool",
			Labels: map[string]string{ResourceLabel: NormalizeIdentifier(pool)},
			Value:  v,
		})
	}

	return nil
}

// ParseOverprovisioning extracts the overprovisioning value from the output
// of OVERPROVISIONING_CMD: the last whitespace separated field of line
// index 3. Output mentioning "invalid" in any case is rejected.
func ParseOverprovisioning(pool string, stdout, stderr []byte) (float64, error) {
	if bytes.Contains(bytes.ToLower(stdout), invalidMarker) || bytes.Contains(bytes.ToLower(stderr), invalidMarker) {
		return 0, &ParseError{Pool: pool, Reason: "output reports invalid input", Err: ErrPoolRejected}
	}

	lines := strings.Split(string(stdout), "\n")
	if len(lines) <= overprvLine {
		return 0, &ParseError{Pool: pool, Reason: fmt.Sprintf("expected at least %d lines, got %d", overprvLine+1, len(lines))}
	}

	fields := strings.Fields(lines[overprvLine])
	if len(fields) == 0 {
		return 0, &ParseError{Pool: pool, Reason: "value line is empty"}
	}

	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, &ParseError{Pool: pool, Reason: "value is not numeric", Err: err}
	}
	return v, nil
}
