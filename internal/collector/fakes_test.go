package collector

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"

	"github.com/zerodha/hp3par-exporter/internal/connmgr"
	"github.com/zerodha/hp3par-exporter/internal/wbem"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQuery serves canned instances per class. Classes in block wait for
// the context to end. inSweep counts resource sweeps in progress, from the
// first class to the last, and overlap records whether two ever ran at once.
type fakeQuery struct {
	mu        sync.Mutex
	instances map[string][]wbem.Instance
	errs      map[string]error
	block     map[string]bool
	delay     time.Duration
	probeErr  error
	calls     []string

	inSweep atomic.Int32
	overlap atomic.Bool
}

func (f *fakeQuery) EnumerateInstances(ctx context.Context, class string, _ []string) ([]wbem.Instance, error) {
	if class == ResourceClasses[0].Name && f.inSweep.Add(1) > 1 {
		f.overlap.Store(true)
	}
	if class == ResourceClasses[len(ResourceClasses)-1].Name {
		defer f.inSweep.Add(-1)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.block[class] {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, class)
	if err := f.errs[class]; err != nil {
		return nil, err
	}
	return f.instances[class], nil
}

func (f *fakeQuery) EnumerateClassNames(context.Context) ([]string, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return []string{"TPD_Fan"}, nil
}

func (f *fakeQuery) Close() error { return nil }

// fakeCLI serves canned command output. failures lists commands that fail
// at the transport level, each entry consumed once.
type fakeCLI struct {
	mu       sync.Mutex
	outputs  map[string]string
	failures []string
	runs     []string
	alive    bool
}

func (f *fakeCLI) Run(_ context.Context, cmd string) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, cmd)
	for i, c := range f.failures {
		if c == cmd {
			f.failures = append(f.failures[:i], f.failures[i+1:]...)
			f.alive = false
			return nil, nil, io.ErrUnexpectedEOF
		}
	}
	return []byte(f.outputs[cmd]), nil, nil
}

func (f *fakeCLI) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeCLI) Close() error { return nil }

// dialCounter wraps fake handles in connmgr dialers.
type dialCounter struct {
	queryDials   int
	commandDials int
	queryErr     error
	commandErr   error
}

func (d *dialCounter) manager(q *fakeQuery, cli *fakeCLI) *connmgr.Manager {
	return connmgr.New(testLogger(),
		func(context.Context) (connmgr.QueryClient, error) {
			d.queryDials++
			if d.queryErr != nil {
				return nil, d.queryErr
			}
			return q, nil
		},
		func(context.Context) (connmgr.CommandClient, error) {
			d.commandDials++
			if d.commandErr != nil {
				return nil, d.commandErr
			}
			cli.mu.Lock()
			cli.alive = true
			cli.mu.Unlock()
			return cli, nil
		},
	)
}

func inst(class string, props map[string]wbem.Property) wbem.Instance {
	return wbem.Instance{ClassName: class, Properties: props}
}

func pool(name string) wbem.Instance {
	return inst(poolClassName, map[string]wbem.Property{propElementName: wbem.Scalar(name)})
}

var errRefused = errors.New("connection refused")
