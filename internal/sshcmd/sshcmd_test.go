package sshcmd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/exp/slog"
)

type execResult struct {
	stdout     string
	status     uint32
	noStatus   bool
	holdOpenCh chan struct{}
}

// fakeArray is a minimal SSH server that answers exec requests.
type fakeArray struct {
	t       *testing.T
	ln      net.Listener
	handler func(cmd string) execResult

	mu    sync.Mutex
	conns []*ssh.ServerConn
}

func newFakeArray(t *testing.T, handler func(cmd string) execResult) *fakeArray {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "3paradm" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeArray{t: t, ln: ln, handler: handler}
	go f.serve(cfg)
	t.Cleanup(func() {
		ln.Close()
		f.dropAll()
	})
	return f
}

func (f *fakeArray) serve(cfg *ssh.ServerConfig) {
	for {
		nc, err := f.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
			if err != nil {
				nc.Close()
				return
			}
			f.mu.Lock()
			f.conns = append(f.conns, sconn)
			f.mu.Unlock()

			go ssh.DiscardRequests(reqs)
			for newCh := range chans {
				if newCh.ChannelType() != "session" {
					_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
					continue
				}
				ch, chReqs, err := newCh.Accept()
				if err != nil {
					continue
				}
				go f.session(ch, chReqs)
			}
		}()
	}
}

func (f *fakeArray) session(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		res := f.handler(payload.Command)
		if res.holdOpenCh != nil {
			<-res.holdOpenCh
			return
		}
		_, _ = io.WriteString(ch, res.stdout)
		if !res.noStatus {
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.status}))
		}
		return
	}
}

func (f *fakeArray) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeArray) opts(password string) Opts {
	host, port, _ := net.SplitHostPort(f.ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return Opts{
		Host:     host,
		Port:     p,
		Username: "3paradm",
		Password: password,
		Timeout:  5 * time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun(t *testing.T) {
	arr := newFakeArray(t, func(cmd string) execResult {
		switch cmd {
		case "showspace -cpg FC_r5":
			return execResult{stdout: "hdr\nhdr\nhdr\nFC_r5 used 42.5\n"}
		case "showspace -cpg nope":
			return execResult{stdout: "Error: Invalid CPG name nope\n", status: 1}
		default:
			return execResult{noStatus: true}
		}
	})

	c, err := Dial(context.Background(), testLogger(), arr.opts("secret"))
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.Alive())

	out, _, err := c.Run(context.Background(), "showspace -cpg FC_r5")
	require.NoError(t, err)
	assert.Equal(t, "hdr\nhdr\nhdr\nFC_r5 used 42.5\n", string(out))

	out, _, err = c.Run(context.Background(), "showspace -cpg nope")
	require.NoError(t, err, "non-zero exit status is not a transport failure")
	assert.Contains(t, string(out), "Invalid")

	_, _, err = c.Run(context.Background(), "truncated")
	assert.Error(t, err, "missing exit status is a transport failure")
}

func TestRunHonoursContext(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)

	arr := newFakeArray(t, func(string) execResult {
		return execResult{holdOpenCh: hold}
	})

	c, err := Dial(context.Background(), testLogger(), arr.opts("secret"))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, _, err = c.Run(ctx, "showspace -cpg slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialBadPassword(t *testing.T) {
	arr := newFakeArray(t, func(string) execResult { return execResult{} })

	_, err := Dial(context.Background(), testLogger(), arr.opts("wrong"))
	assert.Error(t, err)
}

func TestAliveTracksTransport(t *testing.T) {
	arr := newFakeArray(t, func(string) execResult { return execResult{} })

	c, err := Dial(context.Background(), testLogger(), arr.opts("secret"))
	require.NoError(t, err)
	require.True(t, c.Alive())

	arr.dropAll()
	assert.Eventually(t, func() bool { return !c.Alive() }, 5*time.Second, 10*time.Millisecond)

	c2, err := Dial(context.Background(), testLogger(), arr.opts("secret"))
	require.NoError(t, err)
	require.NoError(t, c2.Close())
	assert.False(t, c2.Alive())
	assert.NoError(t, c2.Close(), "close is idempotent")
}
