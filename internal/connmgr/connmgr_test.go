package connmgr

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/zerodha/hp3par-exporter/internal/wbem"
)

type fakeQuery struct {
	probeErr error
	closed   int
	closeErr error
}

func (f *fakeQuery) EnumerateInstances(context.Context, string, []string) ([]wbem.Instance, error) {
	return nil, nil
}

func (f *fakeQuery) EnumerateClassNames(context.Context) ([]string, error) {
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return []string{"TPD_Fan"}, nil
}

func (f *fakeQuery) Close() error {
	f.closed++
	return f.closeErr
}

type fakeCommand struct {
	alive  bool
	closed int
}

func (f *fakeCommand) Run(context.Context, string) ([]byte, []byte, error) { return nil, nil, nil }
func (f *fakeCommand) Alive() bool                                         { return f.alive }
func (f *fakeCommand) Close() error                                        { f.closed++; return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// queryDialer hands out the given clients in order and counts dials.
func queryDialer(dials *int, results ...any) QueryDialer {
	return func(context.Context) (QueryClient, error) {
		r := results[*dials]
		*dials++
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r.(QueryClient), nil
	}
}

func commandDialer(dials *int, results ...any) CommandDialer {
	return func(context.Context) (CommandClient, error) {
		r := results[*dials]
		*dials++
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r.(CommandClient), nil
	}
}

func TestEnsureQueryTransitions(t *testing.T) {
	var (
		dials  int
		first  = &fakeQuery{}
		second = &fakeQuery{}
		down   = errors.New("connection refused")
	)
	m := New(testLogger(), queryDialer(&dials, down, first, second), nil)
	ctx := context.Background()

	assert.Equal(t, Unestablished, m.State(ChannelQuery))

	// Unestablished -> Stale on failed connect.
	_, err := m.EnsureQuery(ctx)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, ChannelQuery, connErr.Channel)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, Stale, m.State(ChannelQuery))

	// Stale -> Active on reconnect.
	q, err := m.EnsureQuery(ctx)
	require.NoError(t, err)
	assert.Same(t, first, q)
	assert.Equal(t, Active, m.State(ChannelQuery))

	// Active and probe passes: handle reused, no dial.
	q, err = m.EnsureQuery(ctx)
	require.NoError(t, err)
	assert.Same(t, first, q)
	assert.Equal(t, 2, dials)

	// Probe fails: old handle closed, one inline reconnect.
	first.probeErr = errors.New("broken pipe")
	q, err = m.EnsureQuery(ctx)
	require.NoError(t, err)
	assert.Same(t, second, q)
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 3, dials)
	assert.Equal(t, Active, m.State(ChannelQuery))
}

func TestEnsureQueryCloseErrorIsNotPropagated(t *testing.T) {
	var (
		dials int
		first = &fakeQuery{closeErr: errors.New("close failed")}
		next  = &fakeQuery{}
	)
	m := New(testLogger(), queryDialer(&dials, first, next), nil)
	ctx := context.Background()

	_, err := m.EnsureQuery(ctx)
	require.NoError(t, err)

	m.Invalidate(ChannelQuery, errors.New("io timeout"))
	assert.Equal(t, Stale, m.State(ChannelQuery))

	q, err := m.EnsureQuery(ctx)
	require.NoError(t, err)
	assert.Same(t, next, q)
	assert.Equal(t, 1, first.closed)
}

func TestEnsureCommandTransitions(t *testing.T) {
	var (
		dials  int
		first  = &fakeCommand{alive: true}
		second = &fakeCommand{alive: true}
	)
	m := New(testLogger(), nil, commandDialer(&dials, first, errors.New("auth failed"), second))
	ctx := context.Background()

	c, err := m.EnsureCommand(ctx)
	require.NoError(t, err)
	assert.Same(t, first, c)
	assert.Equal(t, Active, m.State(ChannelCommand))

	c, err = m.EnsureCommand(ctx)
	require.NoError(t, err)
	assert.Same(t, first, c)
	assert.Equal(t, 1, dials)

	// Transport dropped: reconnect fails, channel stays Stale.
	first.alive = false
	_, err = m.EnsureCommand(ctx)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, ChannelCommand, connErr.Channel)
	assert.Equal(t, Stale, m.State(ChannelCommand))
	assert.Equal(t, 1, first.closed)

	c, err = m.EnsureCommand(ctx)
	require.NoError(t, err)
	assert.Same(t, second, c)
	assert.Equal(t, Active, m.State(ChannelCommand))
}

func TestInvalidateCommand(t *testing.T) {
	var (
		dials  int
		first  = &fakeCommand{alive: true}
		second = &fakeCommand{alive: true}
	)
	m := New(testLogger(), nil, commandDialer(&dials, first, second))
	ctx := context.Background()

	_, err := m.EnsureCommand(ctx)
	require.NoError(t, err)

	m.Invalidate(ChannelCommand, io.ErrUnexpectedEOF)
	assert.Equal(t, Stale, m.State(ChannelCommand))

	c, err := m.EnsureCommand(ctx)
	require.NoError(t, err)
	assert.Same(t, second, c)
	assert.Equal(t, 1, first.closed)
}

func TestClose(t *testing.T) {
	var (
		qd, cd int
		q      = &fakeQuery{closeErr: errors.New("q")}
		c      = &fakeCommand{alive: true}
	)
	m := New(testLogger(), queryDialer(&qd, q), commandDialer(&cd, c))
	ctx := context.Background()

	_, err := m.EnsureQuery(ctx)
	require.NoError(t, err)
	_, err = m.EnsureCommand(ctx)
	require.NoError(t, err)

	err = m.Close()
	assert.EqualError(t, err, "q")
	assert.Equal(t, 1, q.closed)
	assert.Equal(t, 1, c.closed)
	assert.Equal(t, Unestablished, m.State(ChannelQuery))
	assert.Equal(t, Unestablished, m.State(ChannelCommand))
}

func TestEnsureWithExpiredContextLeavesChannels(t *testing.T) {
	var (
		qDials, cDials int
		q              = &fakeQuery{}
		c              = &fakeCommand{alive: true}
	)
	m := New(testLogger(), queryDialer(&qDials, q), commandDialer(&cDials, c))

	_, err := m.EnsureQuery(context.Background())
	require.NoError(t, err)
	_, err = m.EnsureCommand(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.EnsureQuery(ctx)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ChannelQuery, connErr.Channel)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = m.EnsureCommand(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, Active, m.State(ChannelQuery))
	assert.Equal(t, Active, m.State(ChannelCommand))
	assert.Zero(t, q.closed)
	assert.Zero(t, c.closed)
	assert.Equal(t, 1, qDials)
	assert.Equal(t, 1, cDials)
}
