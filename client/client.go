// Package client provides the HTTP discovery endpoints of a browser started
// with remote debugging enabled.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mailru/easyjson"
)

const (
	// DefaultEndpoint is the default endpoint to connect to.
	DefaultEndpoint = "http://localhost:9222"

	// DefaultTimeout bounds a single discovery request when the context
	// carries no deadline.
	DefaultTimeout = 5 * time.Second
)

// Error is a client error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

const (
	// ErrUnsupportedProtocolVersion is the unsupported protocol version error.
	ErrUnsupportedProtocolVersion Error = "unsupported protocol version"

	// ErrMissingWebsocketURL is returned when the browser does not report a
	// browser websocket URL.
	ErrMissingWebsocketURL Error = "missing browser websocket url"
)

// Client is a client for the /json endpoints of a browser.
type Client struct {
	url     string
	timeout time.Duration
	hc      *http.Client
}

// New creates a new client.
func New(opts ...Option) *Client {
	c := &Client{
		url:     DefaultEndpoint,
		timeout: DefaultTimeout,
		hc:      http.DefaultClient,
	}

	// apply opts
	for _, o := range opts {
		o(c)
	}

	return c
}

// doReq executes a request.
func (c *Client) doReq(ctx context.Context, action string, v interface{}) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/json/"+action, nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", req.URL, res.Status)
	}
	if v == nil {
		return nil
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if z, ok := v.(easyjson.Unmarshaler); ok {
		return easyjson.Unmarshal(body, z)
	}
	return json.Unmarshal(body, v)
}

// VersionInfo returns information about the remote debugging protocol.
func (c *Client) VersionInfo(ctx context.Context) (*VersionInfo, error) {
	v := new(VersionInfo)
	if err := c.doReq(ctx, "version", v); err != nil {
		return nil, err
	}
	return v, nil
}

// BrowserWebsocketURL returns the browser-level websocket URL, checking the
// protocol version on the way.
func (c *Client) BrowserWebsocketURL(ctx context.Context) (string, error) {
	v, err := c.VersionInfo(ctx)
	if err != nil {
		return "", err
	}
	if v.ProtocolVersion != "" && !strings.HasPrefix(v.ProtocolVersion, "1.") {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProtocolVersion, v.ProtocolVersion)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", ErrMissingWebsocketURL
	}
	return v.WebSocketDebuggerURL, nil
}

// ListTargets returns a list of all targets.
func (c *Client) ListTargets(ctx context.Context) ([]*Target, error) {
	var l []*Target
	if err := c.doReq(ctx, "list", &l); err != nil {
		return nil, err
	}
	return l, nil
}

// ListTargetsWithType returns a list of Targets with the specified target
// type.
func (c *Client) ListTargetsWithType(ctx context.Context, typ TargetType) ([]*Target, error) {
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return nil, err
	}

	var ret []*Target
	for _, t := range targets {
		if t.Type == typ {
			ret = append(ret, t)
		}
	}
	return ret, nil
}

// ListPageTargets lists the available Page targets.
func (c *Client) ListPageTargets(ctx context.Context) ([]*Target, error) {
	return c.ListTargetsWithType(ctx, Page)
}

// Option is a client option.
type Option func(*Client)

// URL is a client option to specify the remote endpoint, such as
// "http://localhost:9222". A trailing "/json" is accepted.
func URL(urlstr string) Option {
	return func(c *Client) {
		urlstr = strings.TrimSuffix(strings.TrimSuffix(urlstr, "/"), "/json")
		c.url = urlstr
	}
}

// Port is a client option to use the endpoint on localhost at port.
func Port(port uint16) Option {
	return URL(fmt.Sprintf("http://localhost:%d", port))
}

// Timeout is a client option to bound requests made with a context that has
// no deadline.
func Timeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// HTTPClient is a client option to set the underlying *http.Client.
func HTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}
