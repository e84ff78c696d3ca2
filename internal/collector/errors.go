package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/zerodha/hp3par-exporter/internal/connmgr"
	"github.com/zerodha/hp3par-exporter/internal/wbem"
)

// ErrPoolRejected is returned when the array CLI rejects a pool name or
// the command itself.
var ErrPoolRejected = errors.New("command rejected by array")

// ProtocolError is a malformed or unexpected response from the query
// channel.
type ProtocolError struct {
	Class string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected response enumerating %s: %v", e.Class, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ParseError is command output that does not have the expected shape.
type ParseError struct {
	Pool   string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot parse output for pool %s: %s: %v", e.Pool, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot parse output for pool %s: %s", e.Pool, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// classifyQueryErr maps a query channel failure to a ProtocolError when the
// CIMOM answered but made no sense, and to a ConnectionError otherwise. A
// cancelled or expired scrape is neither and is returned wrapped as is.
func classifyQueryErr(class string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("enumerating %s: %w", class, err)
	}

	var cimErr *wbem.Error
	if errors.As(err, &cimErr) || errors.Is(err, wbem.ErrMalformedResponse) {
		return &ProtocolError{Class: class, Err: err}
	}
	return &connmgr.ConnectionError{Channel: connmgr.ChannelQuery, Err: err}
}
