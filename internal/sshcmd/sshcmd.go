// Package sshcmd runs one-shot CLI commands on the array over SSH.
package sshcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/exp/slog"
)

const CLIENT_VERSION = "SSH-2.0-hp3par-exporter"

type Opts struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
	// KnownHosts is an optional known_hosts file. When empty any host key
	// is accepted.
	KnownHosts string
}

// Client is an authenticated SSH connection to the array CLI.
type Client struct {
	lo     *slog.Logger
	conn   *ssh.Client
	closed atomic.Bool
}

// Dial connects and authenticates. The context bounds connection
// establishment only; Opts.Timeout bounds the TCP dial and handshake too.
func Dial(ctx context.Context, lo *slog.Logger, opts Opts) (*Client, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if opts.KnownHosts != "" {
		cb, err := knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	cfg := &ssh.ClientConfig{
		User: opts.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(opts.Password),
			// The array CLI falls back to keyboard-interactive on some firmware.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = opts.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeyCallback,
		ClientVersion:   CLIENT_VERSION,
		Timeout:         opts.Timeout,
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	lgr := lo.With("address", addr, "user", opts.Username)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	d := net.Dialer{Timeout: opts.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}

	// NewClientConn has no context, bound the handshake with a deadline.
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(dl)
	}
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake failed: %w", err)
	}
	_ = nc.SetDeadline(time.Time{})

	c := &Client{
		lo:   lgr,
		conn: ssh.NewClient(sc, chans, reqs),
	}

	// Track transport liveness without a network round trip.
	go func() {
		err := c.conn.Wait()
		c.closed.Store(true)
		lgr.Debug("ssh transport closed", "error", err)
	}()

	lgr.Info("ssh connection established")
	return c, nil
}

// Alive reports whether the underlying transport is still open.
func (c *Client) Alive() bool {
	return !c.closed.Load()
}

// Run executes cmd in a fresh session and returns its stdout and stderr.
// A non-zero exit status is not an error: the CLI reports rejected
// arguments on stdout. Transport failures, a missing exit status and
// context cancellation are returned as errors.
func (c *Client) Run(ctx context.Context, cmd string) ([]byte, []byte, error) {
	sess, err := c.conn.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		// Closing the session unblocks Run.
		sess.Close()
		<-done
		return nil, nil, fmt.Errorf("ssh command %q aborted: %w", cmd, ctx.Err())
	case err = <-done:
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		c.lo.Debug("ssh command exited with non-zero status", "command", cmd, "status", exitErr.ExitStatus())
		err = nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ssh command %q failed: %w", cmd, err)
	}

	return stdout.Bytes(), stderr.Bytes(), nil
}

// Close closes the transport.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close ssh connection: %w", err)
	}
	c.lo.Info("ssh connection closed")
	return nil
}
