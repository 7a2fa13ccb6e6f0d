// Package client provides discovery of Chrome DevTools Protocol targets
// through the browser HTTP endpoint (/json).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mailru/easyjson"
)

const (
	// DefaultEndpoint is the default endpoint to connect to.
	DefaultEndpoint = "http://localhost:9222/json"

	// DefaultWatchInterval is the default check duration.
	DefaultWatchInterval = 100 * time.Millisecond

	// DefaultWatchTimeout is the default watch timeout.
	DefaultWatchTimeout = 5 * time.Second
)

// Error is a client error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string {
	return string(err)
}

const (
	// ErrUnsupportedProtocolType is the unsupported protocol type error.
	ErrUnsupportedProtocolType Error = "unsupported protocol type"

	// ErrUnsupportedProtocolVersion is the unsupported protocol version error.
	ErrUnsupportedProtocolVersion Error = "unsupported protocol version"

	// ErrNoBrowserWebsocketURL is returned when the endpoint does not report
	// a browser websocket URL.
	ErrNoBrowserWebsocketURL Error = "no browser websocket url"
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	Method, URL string
	StatusCode  int
	Body        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client is a Chrome DevTools Protocol HTTP endpoint client.
type Client struct {
	url     string
	check   time.Duration
	timeout time.Duration
	hc      *http.Client

	ver, typ string
	rw       sync.RWMutex
}

// New creates a new Chrome DevTools Protocol client.
func New(opts ...Option) *Client {
	c := &Client{
		url:     DefaultEndpoint,
		check:   DefaultWatchInterval,
		timeout: DefaultWatchTimeout,
		hc:      http.DefaultClient,
	}

	// apply opts
	for _, o := range opts {
		o(c)
	}

	return c
}

// doReq executes a request.
func (c *Client) doReq(ctx context.Context, method, action string, v interface{}) error {
	urlstr := c.url + "/" + action
	req, err := http.NewRequestWithContext(ctx, method, urlstr, nil)
	if err != nil {
		return err
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{
			Method:     method,
			URL:        urlstr,
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if v == nil {
		return nil
	}
	if z, ok := v.(easyjson.Unmarshaler); ok {
		return easyjson.Unmarshal(body, z)
	}
	return json.Unmarshal(body, v)
}

// ListTargets returns a list of all targets.
func (c *Client) ListTargets(ctx context.Context) ([]Target, error) {
	var l []easyjson.RawMessage
	if err := c.doReq(ctx, http.MethodGet, "list", &l); err != nil {
		return nil, err
	}

	t := make([]Target, len(l))
	for i, v := range l {
		var err error
		t[i], err = c.newTarget(ctx, v)
		if err != nil {
			return nil, err
		}
	}

	return t, nil
}

// ListTargetsWithType returns a list of Targets with the specified target
// type.
func (c *Client) ListTargetsWithType(ctx context.Context, typ TargetType) ([]Target, error) {
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return nil, err
	}

	var ret []Target
	for _, t := range targets {
		if t.GetType() == typ {
			ret = append(ret, t)
		}
	}

	return ret, nil
}

// ListPageTargets lists the available Page targets.
func (c *Client) ListPageTargets(ctx context.Context) ([]Target, error) {
	return c.ListTargetsWithType(ctx, Page)
}

var browserRE = regexp.MustCompile(`(?i)^(headlesschrome|chrome|chromium|microsoft edge|safari)`)

// loadProtocolInfo loads the protocol information from the remote URL.
func (c *Client) loadProtocolInfo(ctx context.Context) (string, string, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.ver == "" {
		v, err := c.VersionInfo(ctx)
		if err != nil {
			return "", "", err
		}

		if m := browserRE.FindAllStringSubmatch(v["Browser"], -1); len(m) != 0 {
			c.typ = strings.ToLower(m[0][0])
		}
		c.ver = v["Protocol-Version"]
	}

	return c.ver, c.typ, nil
}

// newTarget creates a new target.
func (c *Client) newTarget(ctx context.Context, buf []byte) (Target, error) {
	ver, typ, err := c.loadProtocolInfo(ctx)
	if err != nil {
		return nil, err
	}

	if ver != "1.1" && ver != "1.2" && ver != "1.3" {
		return nil, ErrUnsupportedProtocolVersion
	}

	switch typ {
	case "headlesschrome", "chrome", "chromium", "microsoft edge", "safari", "":
		x := new(Chrome)
		if buf != nil {
			if err = easyjson.Unmarshal(buf, x); err != nil {
				return nil, err
			}
		}

		return x, nil
	}

	return nil, ErrUnsupportedProtocolType
}

// NewPageTargetWithURL creates a new page target with the specified url.
func (c *Client) NewPageTargetWithURL(ctx context.Context, urlstr string) (Target, error) {
	t, err := c.newTarget(ctx, nil)
	if err != nil {
		return nil, err
	}

	u := "new"
	if urlstr != "" {
		u += "?" + url.PathEscape(urlstr)
	}

	// Chrome 111+ rejects GET requests to /json/new.
	if err = c.doReq(ctx, http.MethodPut, u, t); err != nil {
		return nil, err
	}

	return t, nil
}

// NewPageTarget creates a new page target.
func (c *Client) NewPageTarget(ctx context.Context) (Target, error) {
	return c.NewPageTargetWithURL(ctx, "")
}

// ActivateTarget activates a target.
func (c *Client) ActivateTarget(ctx context.Context, t Target) error {
	return c.doReq(ctx, http.MethodGet, "activate/"+t.GetID(), nil)
}

// CloseTarget closes a target.
func (c *Client) CloseTarget(ctx context.Context, t Target) error {
	return c.doReq(ctx, http.MethodGet, "close/"+t.GetID(), nil)
}

// VersionInfo returns information about the remote debugging protocol.
func (c *Client) VersionInfo(ctx context.Context) (map[string]string, error) {
	v := make(map[string]string)
	if err := c.doReq(ctx, http.MethodGet, "version", &v); err != nil {
		return nil, err
	}
	return v, nil
}

// BrowserWebsocketURL returns the websocket URL of the browser target, to
// open a browser-level session.
func (c *Client) BrowserWebsocketURL(ctx context.Context) (string, error) {
	v, err := c.VersionInfo(ctx)
	if err != nil {
		return "", err
	}
	if u := v["webSocketDebuggerUrl"]; u != "" {
		return u, nil
	}
	return "", ErrNoBrowserWebsocketURL
}

// WatchPageTargets watches for new page targets.
func (c *Client) WatchPageTargets(ctx context.Context) <-chan Target {
	ch := make(chan Target)
	go func() {
		defer close(ch)

		encountered := make(map[string]bool)
		check := func() error {
			targets, err := c.ListPageTargets(ctx)
			if err != nil {
				return err
			}

			for _, t := range targets {
				if !encountered[t.GetID()] {
					select {
					case ch <- t:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				encountered[t.GetID()] = true
			}
			return nil
		}

		lastGood := time.Now()
		for {
			if err := check(); err == nil {
				lastGood = time.Now()
			} else if time.Now().After(lastGood.Add(c.timeout)) {
				return
			}

			select {
			case <-time.After(c.check):
				continue

			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Option is a Chrome DevTools Protocol client option.
type Option func(*Client)

// URL is a client option to specify the remote Chrome DevTools Protocol
// instance to connect to.
func URL(urlstr string) Option {
	return func(c *Client) {
		// since chrome 66+, dev tools requires the host name to be either an
		// IP address, or "localhost"
		if strings.HasPrefix(strings.ToLower(urlstr), "http://") {
			host, port, path := urlstr[7:], "", ""
			if i := strings.Index(host, "/"); i != -1 {
				host, path = host[:i], host[i:]
			}
			if i := strings.Index(host, ":"); i != -1 {
				host, port = host[:i], host[i:]
			}
			if addr, err := net.ResolveIPAddr("ip", host); err == nil {
				urlstr = "http://" + addr.IP.String() + port + path
			}
		}
		c.url = strings.TrimSuffix(urlstr, "/")
	}
}

// WatchInterval is a client option that specifies the check interval duration.
func WatchInterval(check time.Duration) Option {
	return func(c *Client) {
		c.check = check
	}
}

// WatchTimeout is a client option that specifies the watch timeout duration.
func WatchTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// HTTPClient is a client option to specify the http.Client used for
// requests.
func HTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}
