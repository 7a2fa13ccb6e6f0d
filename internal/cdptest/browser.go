// Package cdptest provides a fake DevTools endpoint for tests: a websocket
// server speaking the protocol wire format, and the HTTP /json discovery
// API.
package cdptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// ErrNoReply makes the browser skip the response to a command. A handler
// returning it may reply later with Conn.Reply.
var ErrNoReply = errors.New("no reply")

// Error is a protocol error returned by a HandlerFunc.
type Error struct {
	Code    int64
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Request is a command received by the browser.
type Request struct {
	ID     int64
	Method string
	Params easyjson.RawMessage
}

// HandlerFunc answers a command. The returned result is marshaled as the
// response result; a nil result is sent as {} and a string is sent as raw
// JSON.
type HandlerFunc func(c *Conn, req Request) (interface{}, error)

// Target is a target listed by the HTTP discovery API.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`

	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Browser is a fake browser debugging endpoint.
type Browser struct {
	t      testing.TB
	Mux    *http.ServeMux
	Server *httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	received []Request
	conns    []*Conn
	targets  []*Target
	nextID   int

	connCh chan *Conn
}

// Option is a Browser option.
type Option func(*Browser)

// WithHandler registers h for method.
func WithHandler(method string, h HandlerFunc) Option {
	return func(b *Browser) {
		b.handlers[method] = h
	}
}

// WithTarget adds a page target to the discovery API.
func WithTarget(id, title, urlstr string) Option {
	return func(b *Browser) {
		b.targets = append(b.targets, b.newTarget(id, "page", title, urlstr))
	}
}

// NewBrowser starts a fake browser. It is closed when the test ends.
func NewBrowser(t testing.TB, opts ...Option) *Browser {
	t.Helper()
	b := New(opts...)
	b.t = t
	t.Cleanup(b.Close)
	return b
}

// New starts a fake browser outside of a test. The caller must Close it.
func New(opts ...Option) *Browser {
	b := &Browser{
		Mux:      http.NewServeMux(),
		handlers: make(map[string]HandlerFunc),
		connCh:   make(chan *Conn, 16),
	}
	b.Mux.HandleFunc("/devtools/", b.serveWS)
	b.Mux.HandleFunc("/json/version", b.serveVersion)
	b.Mux.HandleFunc("/json/list", b.serveList)
	b.Mux.HandleFunc("/json", b.serveList)
	b.Mux.HandleFunc("/json/new", b.serveNew)
	b.Mux.HandleFunc("/json/activate/", b.serveActivate)
	b.Mux.HandleFunc("/json/close/", b.serveClose)
	b.Server = httptest.NewServer(b.Mux)

	for _, o := range opts {
		o(b)
	}
	return b
}

// Close closes every connection and shuts the server down.
func (b *Browser) Close() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	b.Server.Close()
}

// Handle registers h for method, replacing any previous handler.
func (b *Browser) Handle(method string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[method] = h
}

// URL returns the websocket URL of the browser target.
func (b *Browser) URL() string {
	return b.wsURL("browser", "fake")
}

// PageURL returns the websocket URL of the page target id.
func (b *Browser) PageURL(id string) string {
	return b.wsURL("page", id)
}

// JSONURL returns the base URL of the HTTP discovery API.
func (b *Browser) JSONURL() string {
	return b.Server.URL + "/json"
}

func (b *Browser) wsURL(kind, id string) string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/devtools/" + kind + "/" + id
}

// Received returns the commands received so far, in arrival order.
func (b *Browser) Received() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Request(nil), b.received...)
}

// Methods returns the methods of the commands received so far.
func (b *Browser) Methods() []string {
	var methods []string
	for _, req := range b.Received() {
		methods = append(methods, req.Method)
	}
	return methods
}

// WaitConn returns the next accepted websocket connection. It fails the
// test, or returns nil for a Browser created with New, on timeout.
func (b *Browser) WaitConn(timeout time.Duration) *Conn {
	select {
	case c := <-b.connCh:
		return c
	case <-time.After(timeout):
		if b.t != nil {
			b.t.Helper()
			b.t.Fatalf("no connection after %v", timeout)
		}
		return nil
	}
}

// Targets returns the targets listed by the discovery API.
func (b *Browser) Targets() []Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	targets := make([]Target, len(b.targets))
	for i, t := range b.targets {
		targets[i] = *t
	}
	return targets
}

func (b *Browser) newTarget(id, typ, title, urlstr string) *Target {
	if id == "" {
		b.nextID++
		id = fmt.Sprintf("TARGET%d", b.nextID)
	}
	return &Target{
		ID:                   id,
		Type:                 typ,
		Title:                title,
		URL:                  urlstr,
		WebSocketDebuggerURL: b.wsURL(typ, id),
	}
}

func (b *Browser) handler(method string) HandlerFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.handlers[method]; ok {
		return h
	}
	return func(*Conn, Request) (interface{}, error) {
		return nil, nil
	}
}

func (b *Browser) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{ws: ws, Path: r.URL.Path}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	select {
	case b.connCh <- c:
	default:
	}

	for {
		_, buf, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg cdproto.Message
		in := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&in)
		if err := in.Error(); err != nil {
			return
		}
		req := Request{ID: msg.ID, Method: string(msg.Method), Params: msg.Params}
		b.mu.Lock()
		b.received = append(b.received, req)
		b.mu.Unlock()

		res, err := b.handler(req.Method)(c, req)
		var perr *Error
		switch {
		case errors.Is(err, ErrNoReply):
			continue
		case errors.As(err, &perr):
			err = c.ReplyError(req.ID, perr.Code, perr.Message)
		case err != nil:
			err = c.ReplyError(req.ID, -32000, err.Error())
		default:
			err = c.Reply(req.ID, res)
		}
		if err != nil {
			return
		}
	}
}

func (b *Browser) serveVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":              "HeadlessChrome/120.0.6099.109",
		"Protocol-Version":     "1.3",
		"User-Agent":           "Mozilla/5.0 HeadlessChrome/120.0.6099.109",
		"webSocketDebuggerUrl": b.URL(),
	})
}

func (b *Browser) serveList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, b.Targets())
}

func (b *Browser) serveNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new. This action supports only PUT verb.", http.StatusMethodNotAllowed)
		return
	}
	urlstr, err := url.PathUnescape(r.URL.RawQuery)
	if err != nil || urlstr == "" {
		urlstr = "about:blank"
	}
	b.mu.Lock()
	t := b.newTarget("", "page", "", urlstr)
	b.targets = append(b.targets, t)
	b.mu.Unlock()
	writeJSON(w, t)
}

func (b *Browser) serveActivate(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.findTarget(strings.TrimPrefix(r.URL.Path, "/json/activate/")); !ok {
		http.Error(w, "No such target id", http.StatusNotFound)
		return
	}
	_, _ = w.Write([]byte("Target activated"))
}

func (b *Browser) serveClose(w http.ResponseWriter, r *http.Request) {
	i, ok := b.findTarget(strings.TrimPrefix(r.URL.Path, "/json/close/"))
	if !ok {
		http.Error(w, "No such target id", http.StatusNotFound)
		return
	}
	b.mu.Lock()
	b.targets = append(b.targets[:i], b.targets[i+1:]...)
	b.mu.Unlock()
	_, _ = w.Write([]byte("Target is closing"))
}

func (b *Browser) findTarget(id string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.targets {
		if t.ID == id {
			return i, true
		}
	}
	return -1, false
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	_ = json.NewEncoder(w).Encode(v)
}

// Conn is a connection accepted by the browser.
type Conn struct {
	// Path is the request path, such as /devtools/page/TARGET1.
	Path string

	ws  *websocket.Conn
	wmu sync.Mutex
}

// WriteMessage sends msg.
func (c *Conn) WriteMessage(msg *cdproto.Message) error {
	var out jwriter.Writer
	msg.MarshalEasyJSON(&out)
	if out.Error != nil {
		return out.Error
	}
	buf, err := out.BuildBytes()
	if err != nil {
		return err
	}
	return c.WriteRaw(buf)
}

// WriteRaw sends frame as is.
func (c *Conn) WriteRaw(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// WriteBinary sends frame as a binary message.
func (c *Conn) WriteBinary(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Reply sends the response to command id.
func (c *Conn) Reply(id int64, result interface{}) error {
	buf, err := marshal(result)
	if err != nil {
		return err
	}
	return c.WriteMessage(&cdproto.Message{ID: id, Result: buf})
}

// ReplyError sends an error response to command id.
func (c *Conn) ReplyError(id, code int64, message string) error {
	return c.WriteMessage(&cdproto.Message{
		ID:    id,
		Error: &cdproto.Error{Code: code, Message: message},
	})
}

// Event sends the event method with params.
func (c *Conn) Event(method string, params interface{}) error {
	buf, err := marshal(params)
	if err != nil {
		return err
	}
	return c.WriteMessage(&cdproto.Message{Method: cdproto.MethodType(method), Params: buf})
}

// Ping sends a ping control frame.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second))
}

// CloseNormal sends a normal closure close frame.
func (c *Conn) CloseNormal() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Close closes the connection without a close handshake.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func marshal(v interface{}) (easyjson.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return easyjson.RawMessage("{}"), nil
	case string:
		return easyjson.RawMessage(x), nil
	case easyjson.RawMessage:
		return x, nil
	case easyjson.Marshaler:
		return easyjson.Marshal(x)
	}
	return json.Marshal(v)
}
