package devtools

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// DefaultReadLimit is the default maximum size of a received message.
	DefaultReadLimit int64 = 25 * 1024 * 1024

	// DefaultDialTimeout is the default WebSocket handshake timeout.
	DefaultDialTimeout = 60 * time.Second
)

// Transport is the common interface to send/receive frames to a debugging
// endpoint.
//
// Read returns the next complete text message, and io.EOF once the
// connection has been closed. Write sends one text message; it must be
// safe for concurrent use. Close must be idempotent.
type Transport interface {
	Read(context.Context) ([]byte, error)
	Write(context.Context, []byte) error
	io.Closer
}

// Dialer opens a Transport to the endpoint at urlstr.
type Dialer func(ctx context.Context, urlstr string) (Transport, error)

// DefaultDialer dials urlstr with DialContext and no options.
func DefaultDialer(ctx context.Context, urlstr string) (Transport, error) {
	return DialContext(ctx, urlstr)
}

// Conn implements Transport with a github.com/gobwas/ws client connection.
type Conn struct {
	conn net.Conn

	// reader is only used by the goroutine calling Read.
	reader  wsutil.Reader
	control wsutil.FrameHandlerFunc

	// wmu serializes writers, including control frame replies sent from
	// Read.
	wmu    sync.Mutex
	writer *wsutil.Writer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	dialTimeout time.Duration
	readLimit   int64
}

// DialOption is a Conn option.
type DialOption func(*Conn)

// WithDialTimeout sets the handshake timeout.
func WithDialTimeout(d time.Duration) DialOption {
	return func(c *Conn) {
		c.dialTimeout = d
	}
}

// WithReadLimit sets the maximum size of a received message. Zero or a
// negative value disables the limit.
func WithReadLimit(n int64) DialOption {
	return func(c *Conn) {
		c.readLimit = n
	}
}

// DialContext dials the specified websocket URL using github.com/gobwas/ws.
func DialContext(ctx context.Context, urlstr string, opts ...DialOption) (*Conn, error) {
	c := &Conn{
		dialTimeout: DefaultDialTimeout,
		readLimit:   DefaultReadLimit,
	}
	for _, o := range opts {
		o(c)
	}

	d := ws.Dialer{Timeout: c.dialTimeout}
	conn, br, _, err := d.Dial(ctx, urlstr)
	if err != nil {
		return nil, &ConnectError{URL: urlstr, Err: err}
	}

	// br holds any bytes the server sent right after the handshake.
	var src io.Reader = conn
	if br != nil {
		src = br
	}

	c.conn = conn
	ctrl := lockedWriter{mu: &c.wmu, w: conn}
	c.control = wsutil.ControlFrameHandler(ctrl, ws.StateClientSide)
	c.reader = wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		OnIntermediate: c.control,
	}
	// pass 0 to use the default initial buffer size (4KiB).
	// github.com/gobwas/ws will fragment larger messages.
	c.writer = wsutil.NewWriterBufferSize(conn, ws.StateClientSide, ws.OpText, 0)
	return c, nil
}

// Read reads the next text message.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := c.reader.NextFrame()
		if err != nil {
			return nil, c.readErr(err)
		}
		if h.OpCode.IsControl() {
			if err := c.control(h, &c.reader); err != nil {
				return nil, c.readErr(err)
			}
			continue
		}
		if h.OpCode != ws.OpText {
			if err := c.reader.Discard(); err != nil {
				return nil, c.readErr(err)
			}
			return nil, ErrInvalidWebsocketMessage
		}

		var r io.Reader = &c.reader
		if c.readLimit > 0 {
			r = io.LimitReader(r, c.readLimit+1)
		}
		buf, err := io.ReadAll(r)
		if err != nil {
			return nil, c.readErr(err)
		}
		if c.readLimit > 0 && int64(len(buf)) > c.readLimit {
			if err := c.reader.Discard(); err != nil {
				return nil, c.readErr(err)
			}
			return nil, ErrMessageTooLarge
		}
		return buf, nil
	}
}

// readErr maps errors caused by a closed connection to io.EOF.
func (c *Conn) readErr(err error) error {
	var closeErr wsutil.ClosedError
	switch {
	case c.closed.Load():
		return io.EOF
	case errors.As(err, &closeErr):
		return io.EOF
	}
	return err
}

// Write writes a text message.
func (c *Conn) Write(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return &SendError{Err: ErrTransportClosed}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return &SendError{Err: ErrTransportClosed}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := c.writer.Write(frame); err != nil {
		return &SendError{Err: err}
	}
	if err := c.writer.Flush(); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

// Close sends a close frame and closes the underlying connection. It is
// safe to call Close more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		// unblocks a Write stuck on a peer that stopped reading.
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		c.wmu.Unlock()

		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// ForceIP forces the host component in urlstr to be an IP address.
//
// Since Chrome 66+, Chrome DevTools Protocol clients connecting to a browser
// must send the "Host:" header as either an IP address, or "localhost".
func ForceIP(urlstr string) string {
	if i := strings.Index(urlstr, "://"); i != -1 {
		scheme := urlstr[:i+3]
		host, port, path := urlstr[len(scheme):], "", ""
		if i := strings.Index(host, "/"); i != -1 {
			host, path = host[:i], host[i:]
		}
		if i := strings.Index(host, ":"); i != -1 {
			host, port = host[:i], host[i:]
		}
		if addr, err := net.ResolveIPAddr("ip", host); err == nil {
			urlstr = scheme + addr.IP.String() + port + path
		}
	}
	return urlstr
}
