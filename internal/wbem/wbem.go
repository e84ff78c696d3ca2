// Package wbem is a minimal CIM-XML client for the array's WBEM service. It
// implements only the intrinsic operations the exporter issues:
// EnumerateInstances and EnumerateClassNames.
package wbem

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"
)

const (
	USER_AGENT   = "hp3par-exporter"
	CIMOM_PATH   = "/cimom"
	MAX_RESP_LEN = 64 << 20
)

// ErrMalformedResponse is returned when the CIMOM answers with a body that
// is not a CIM-XML method response.
var ErrMalformedResponse = errors.New("malformed cim-xml response")

// Error is a CIM status returned by the CIMOM for a method call.
type Error struct {
	Code        int
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cim error %d: %s", e.Code, e.Description)
}

type Opts struct {
	// Endpoint is the base URL of the WBEM service, eg. https://10.0.0.1:5989.
	Endpoint        string
	Namespace       string
	Username        string
	Password        string
	VerifyTLS       bool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
}

// Client issues CIM-XML operations over HTTP(S).
type Client struct {
	lo     *slog.Logger
	opts   Opts
	client *http.Client
	url    string
	msgID  atomic.Uint64
}

// New returns a client for the given endpoint. No request is made.
func New(lo *slog.Logger, opts Opts) (*Client, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid wbem endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid wbem endpoint scheme: %q", u.Scheme)
	}
	if opts.Namespace == "" {
		opts.Namespace = "root/tpd"
	}
	if opts.IdleConnTimeout == 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        2,
			IdleConnTimeout:     opts.IdleConnTimeout,
			TLSHandshakeTimeout: opts.Timeout,
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: !opts.VerifyTLS,
			},
		},
	}

	return &Client{
		lo:     lo.With("endpoint", opts.Endpoint, "namespace", opts.Namespace),
		opts:   opts,
		client: client,
		url:    strings.TrimRight(opts.Endpoint, "/") + CIMOM_PATH,
	}, nil
}

// Ping checks that the CIMOM is reachable and accepts the credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.EnumerateClassNames(ctx)
	return err
}

// EnumerateClassNames lists all class names in the namespace.
func (c *Client) EnumerateClassNames(ctx context.Context) ([]string, error) {
	rv, err := c.call(ctx, "EnumerateClassNames", []iParamValue{
		boolParam("DeepInheritance", true),
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rv.ClassNames))
	for _, cn := range rv.ClassNames {
		names = append(names, cn.Name)
	}
	return names, nil
}

// EnumerateInstances returns all instances of a class, restricted to the
// given properties. An empty property list requests all properties.
func (c *Client) EnumerateInstances(ctx context.Context, class string, props []string) ([]Instance, error) {
	params := []iParamValue{
		{Name: "ClassName", ClassName: &classNameRef{Name: class}},
		boolParam("LocalOnly", false),
		boolParam("DeepInheritance", true),
		boolParam("IncludeQualifiers", false),
	}
	if len(props) > 0 {
		params = append(params, iParamValue{Name: "PropertyList", Array: &paramArray{Values: props}})
	}

	rv, err := c.call(ctx, "EnumerateInstances", params)
	if err != nil {
		return nil, err
	}

	out := make([]Instance, 0, len(rv.NamedInstances))
	for _, ni := range rv.NamedInstances {
		out = append(out, ni.Instance.toInstance())
	}
	return out, nil
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// call sends one intrinsic method call and returns its IRETURNVALUE.
func (c *Client) call(ctx context.Context, method string, params []iParamValue) (*iReturnValue, error) {
	payload, err := c.encode(method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	req.Header.Set("Content-Type", `application/xml; charset="utf-8"`)
	req.Header.Set("User-Agent", USER_AGENT)
	req.Header.Set("CIMOperation", "MethodCall")
	req.Header.Set("CIMMethod", method)
	req.Header.Set("CIMObject", url.PathEscape(c.opts.Namespace))
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	c.lo.Debug("sending cim request", "method", method)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request for %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if code := resp.Header.Get("CIMError"); code != "" {
			return nil, fmt.Errorf("http request for %s failed with status code %d (%s): %w", method, resp.StatusCode, code, ErrMalformedResponse)
		}
		return nil, fmt.Errorf("http request for %s failed with status code: %d", method, resp.StatusCode)
	}

	var r cimResponse
	if err := xml.NewDecoder(io.LimitReader(resp.Body, MAX_RESP_LEN)).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %v: %w", method, err, ErrMalformedResponse)
	}

	rsp := r.Message.Response
	if rsp == nil {
		return nil, fmt.Errorf("%s response has no method response: %w", method, ErrMalformedResponse)
	}
	if rsp.Error != nil {
		return nil, &Error{Code: rsp.Error.Code, Description: rsp.Error.Description}
	}
	if rsp.Return == nil {
		// An empty result set may omit IRETURNVALUE altogether.
		return &iReturnValue{}, nil
	}

	return rsp.Return, nil
}

func (c *Client) encode(method string, params []iParamValue) ([]byte, error) {
	var ns []nsElem
	for _, part := range strings.Split(c.opts.Namespace, "/") {
		if part != "" {
			ns = append(ns, nsElem{Name: part})
		}
	}

	req := cimRequest{
		CIMVersion: "2.0",
		DTDVersion: "2.0",
		Message: reqMessage{
			ID:              strconv.FormatUint(c.msgID.Add(1)+1000, 10),
			ProtocolVersion: "1.0",
			Call: iMethodCall{
				Name:       method,
				Namespaces: ns,
				Params:     params,
			},
		},
	}

	body, err := xml.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func boolParam(name string, v bool) iParamValue {
	s := "FALSE"
	if v {
		s = "TRUE"
	}
	return iParamValue{Name: name, Value: &s}
}
