// Package connmgr supervises the two long-lived upstream channels to the
// array: the WBEM query channel and the SSH command channel. Callers get
// either a healthy handle or a *ConnectionError.
package connmgr

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/exp/slog"

	"github.com/zerodha/hp3par-exporter/internal/wbem"
)

// Channel names an upstream channel.
type Channel string

const (
	ChannelQuery   Channel = "query"
	ChannelCommand Channel = "command"
)

// State of a channel.
type State int

const (
	Unestablished State = iota
	Active
	Stale
)

func (s State) String() string {
	switch s {
	case Unestablished:
		return "unestablished"
	case Active:
		return "active"
	case Stale:
		return "stale"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConnectionError is returned when a channel cannot be (re)established.
type ConnectionError struct {
	Channel Channel
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// QueryClient is the query channel handle.
type QueryClient interface {
	EnumerateInstances(ctx context.Context, class string, props []string) ([]wbem.Instance, error)
	EnumerateClassNames(ctx context.Context) ([]string, error)
	Close() error
}

// CommandClient is the command channel handle.
type CommandClient interface {
	Run(ctx context.Context, cmd string) (stdout, stderr []byte, err error)
	Alive() bool
	Close() error
}

// QueryDialer opens a verified query channel.
type QueryDialer func(ctx context.Context) (QueryClient, error)

// CommandDialer opens an authenticated command channel.
type CommandDialer func(ctx context.Context) (CommandClient, error)

// Manager owns both channel handles and their state.
type Manager struct {
	sync.Mutex

	lo *slog.Logger

	dialQuery   QueryDialer
	dialCommand CommandDialer

	query      QueryClient
	queryState State

	cmd      CommandClient
	cmdState State
}

// New returns a manager with both channels unestablished. No connection is
// attempted until the first Ensure call.
func New(lo *slog.Logger, dq QueryDialer, dc CommandDialer) *Manager {
	return &Manager{
		lo:          lo.With("component", "connmgr"),
		dialQuery:   dq,
		dialCommand: dc,
	}
}

// EnsureQuery returns a usable query channel. A handle that was Active in a
// prior cycle is probed first; a failed probe demotes it to Stale and one
// reconnect is attempted inline.
func (m *Manager) EnsureQuery(ctx context.Context) (QueryClient, error) {
	m.Lock()
	defer m.Unlock()

	// An expired caller says nothing about the channel; leave it as is.
	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Channel: ChannelQuery, Err: err}
	}

	if m.queryState == Active {
		_, err := m.query.EnumerateClassNames(ctx)
		if err == nil {
			return m.query, nil
		}
		m.lo.Warn("query channel liveness probe failed", "error", err)
		m.queryState = Stale
	}

	if m.query != nil {
		m.closeQuery()
	}

	q, err := m.dialQuery(ctx)
	if err != nil {
		m.queryState = Stale
		m.lo.Error("failed to establish query channel", "error", err)
		return nil, &ConnectionError{Channel: ChannelQuery, Err: err}
	}

	m.query = q
	m.queryState = Active
	m.lo.Info("query channel established")
	return q, nil
}

// EnsureCommand returns a usable command channel. Liveness is the
// transport's own view of whether it is open; no round trip is made.
func (m *Manager) EnsureCommand(ctx context.Context) (CommandClient, error) {
	m.Lock()
	defer m.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &ConnectionError{Channel: ChannelCommand, Err: err}
	}

	if m.cmdState == Active {
		if m.cmd.Alive() {
			return m.cmd, nil
		}
		m.lo.Warn("command channel transport is no longer active")
		m.cmdState = Stale
	}

	if m.cmd != nil {
		m.closeCommand()
	}

	c, err := m.dialCommand(ctx)
	if err != nil {
		m.cmdState = Stale
		m.lo.Error("failed to establish command channel", "error", err)
		return nil, &ConnectionError{Channel: ChannelCommand, Err: err}
	}

	m.cmd = c
	m.cmdState = Active
	m.lo.Info("command channel established")
	return c, nil
}

// Invalidate marks a channel Stale after an I/O failure observed by a
// caller. The next Ensure call reconnects it.
func (m *Manager) Invalidate(ch Channel, cause error) {
	m.Lock()
	defer m.Unlock()

	switch ch {
	case ChannelQuery:
		if m.queryState == Active {
			m.queryState = Stale
		}
	case ChannelCommand:
		if m.cmdState == Active {
			m.cmdState = Stale
		}
	}
	m.lo.Warn("channel marked stale", "channel", ch, "error", cause)
}

// State returns the current state of a channel.
func (m *Manager) State(ch Channel) State {
	m.Lock()
	defer m.Unlock()

	if ch == ChannelCommand {
		return m.cmdState
	}
	return m.queryState
}

// Close releases both channels. Channels return to Unestablished.
func (m *Manager) Close() error {
	m.Lock()
	defer m.Unlock()

	var err error
	if m.query != nil {
		err = multierr.Append(err, m.query.Close())
		m.query = nil
	}
	if m.cmd != nil {
		err = multierr.Append(err, m.cmd.Close())
		m.cmd = nil
	}
	m.queryState = Unestablished
	m.cmdState = Unestablished
	return err
}

// closeQuery drops the current query handle. Errors are logged only.
func (m *Manager) closeQuery() {
	if err := m.query.Close(); err != nil {
		m.lo.Warn("error closing query channel", "error", err)
	}
	m.query = nil
}

// closeCommand drops the current command handle. Errors are logged only.
func (m *Manager) closeCommand() {
	if err := m.cmd.Close(); err != nil {
		m.lo.Warn("error closing command channel", "error", err)
	}
	m.cmd = nil
}
