package devtools

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailru/easyjson"
)

// DefaultCallTimeout is the default per-call timeout.
const DefaultCallTimeout = 30 * time.Second

// State is a Session lifecycle state.
type State int32

// State values. A session only moves forward through them.
const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// String satisfies fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Session is a connection to a single debugging endpoint, either a tab or
// the browser itself.
//
// Commands may be issued from any number of goroutines with Call; each
// caller is suspended until its own response arrives. Events are handed to
// the handlers registered with On.
type Session struct {
	url         string
	dial        Dialer
	callTimeout time.Duration
	log         *Logger

	dispatchOpts []DispatcherOption

	// mu guards state transitions and conn. Commands are registered under
	// mu so that none is added after shutdown has failed the pending ones.
	mu    sync.Mutex
	state atomic.Int32
	conn  Transport
	err   error

	corr *Correlator
	disp *Dispatcher

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	closeErr error

	// wg tracks the read loop.
	wg sync.WaitGroup
}

// NewSession creates a session for the debugging endpoint at urlstr. The
// session does not connect until Start is called.
func NewSession(urlstr string, opts ...SessionOption) *Session {
	s := &Session{
		url:         urlstr,
		dial:        DefaultDialer,
		callTimeout: DefaultCallTimeout,
		log:         NewLogger(nil),
		corr:        NewCorrelator(),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("url", urlstr)
	s.disp = NewDispatcher(append([]DispatcherOption{WithDispatchLogger(s.log)}, s.dispatchOpts...)...)
	return s
}

// URL returns the endpoint the session connects to.
func (s *Session) URL() string {
	return s.url
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done returns a channel closed once the session has shut down, either
// through Stop or because the connection went away.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session shut down. It is nil while the session is
// running and after a clean Stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start connects to the endpoint and starts reading from it. ctx bounds
// the connection handshake only.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.State() != StateCreated {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state.Store(int32(StateStarting))
	s.mu.Unlock()

	s.log.Debugf(catSession, "connecting")
	conn, err := s.dial(ctx, s.url)
	if err != nil {
		s.shutdown(err)
		return &StartError{Err: err}
	}

	s.mu.Lock()
	if s.State() != StateStarting {
		// stopped while connecting.
		s.mu.Unlock()
		_ = conn.Close()
		return &StartError{Err: ErrConnectionClosed}
	}
	rctx, cancel := context.WithCancel(context.Background())
	s.conn, s.cancel = conn, cancel
	s.state.Store(int32(StateRunning))
	s.wg.Add(1)
	s.mu.Unlock()

	go s.disp.Run(rctx)
	go s.run(rctx, conn)

	s.log.Debugf(catSession, "running")
	return nil
}

// run is the read loop. It routes responses to the correlator and events
// to the dispatcher until the transport ends.
func (s *Session) run(ctx context.Context, conn Transport) {
	defer s.wg.Done()
	for {
		frame, err := conn.Read(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrInvalidWebsocketMessage), errors.Is(err, ErrMessageTooLarge):
			s.log.Errorf(catRecv, "%v", err)
			continue
		case errors.Is(err, io.EOF), ctx.Err() != nil:
			s.shutdown(ErrConnectionClosed)
			return
		default:
			s.shutdown(err)
			return
		}

		s.log.Debugf(catRecv, "<- %s", frame)
		msg, err := Decode(frame)
		if err != nil {
			s.log.Errorf(catRecv, "%v", err)
			continue
		}

		if msg.IsResponse() {
			var ok bool
			if msg.Error != nil {
				ok = s.corr.Fail(msg.ID, msg.Error)
			} else {
				ok = s.corr.Resolve(msg.ID, msg.Result)
			}
			if !ok {
				s.log.Warnf(catRecv, "dropped response for unknown id %d", msg.ID)
			}
			continue
		}

		s.disp.Dispatch(&Event{Method: msg.Method, Params: msg.Params})
	}
}

// Call sends the command method with params and waits for its result,
// for at most the session call timeout.
//
// params may be nil, raw JSON, an easyjson.Marshaler (such as any cdproto
// params type) or any value encoding/json can marshal.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (easyjson.RawMessage, error) {
	return s.CallTimeout(ctx, method, params, s.callTimeout)
}

// CallTimeout is like Call with an explicit timeout. A timeout of zero or
// less waits until ctx is done.
func (s *Session) CallTimeout(ctx context.Context, method string, params interface{}, timeout time.Duration) (easyjson.RawMessage, error) {
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, &EncodeError{Method: method, Err: err}
	}

	s.mu.Lock()
	if s.State() != StateRunning {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	p := s.corr.Submit(method, raw)
	conn := s.conn
	s.mu.Unlock()

	frame, err := Encode(p.ID, method, raw)
	if err != nil {
		s.corr.Fail(p.ID, err)
		return nil, err
	}

	s.log.Debugf(catSend, "-> %s", frame)
	if err := conn.Write(ctx, frame); err != nil {
		// a write cut short by Stop fails like any other pending command.
		if s.State() != StateRunning {
			<-p.Done()
			return p.Result()
		}
		serr := newSendError(method, err)
		if !s.corr.Fail(p.ID, serr) {
			<-p.Done()
			return p.Result()
		}
		s.shutdown(serr)
		return nil, serr
	}

	return s.corr.Await(ctx, p, timeout)
}

func newSendError(method string, err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		err = se.Err
	}
	return &SendError{Method: method, Err: err}
}

// Execute satisfies cdp.Executor, so cdproto commands can be run on the
// session:
//
//	err := page.Enable().Do(cdp.WithExecutor(ctx, s))
//
// The call is bounded by the ctx deadline, or by the session call timeout
// when ctx has none.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var p interface{}
	if params != nil {
		p = params
	}
	var timeout time.Duration
	if _, ok := ctx.Deadline(); !ok {
		timeout = s.callTimeout
	}
	buf, err := s.CallTimeout(ctx, method, p, timeout)
	if err != nil {
		return err
	}
	if res == nil || len(buf) == 0 {
		return nil
	}
	return easyjson.Unmarshal(buf, res)
}

// On registers h for the event, such as "Network.responseReceived". It
// may be called in any state.
func (s *Session) On(event string, h Handler) Subscription {
	return s.disp.Subscribe(event, h)
}

// Off removes a handler registered with On.
func (s *Session) Off(sub Subscription) bool {
	return s.disp.Unsubscribe(sub)
}

// Pending returns the number of commands waiting for a response.
func (s *Session) Pending() int {
	return s.corr.Len()
}

// Stop shuts the session down: the connection is closed and every pending
// command fails with ErrConnectionClosed. Stop waits for the read loop to
// exit. It is safe to call Stop more than once, and from an event handler.
func (s *Session) Stop() error {
	s.shutdown(nil)
	s.wg.Wait()
	return s.closeErr
}

func (s *Session) shutdown(cause error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		prev := s.State()
		s.state.Store(int32(StateStopping))
		s.err = cause
		conn, cancel := s.conn, s.cancel
		s.mu.Unlock()

		if conn != nil {
			s.closeErr = conn.Close()
		}
		if n := s.corr.FailAll(ErrConnectionClosed); n != 0 {
			s.log.Debugf(catSession, "failed %d pending commands", n)
		}
		s.disp.Close()
		if cancel != nil {
			cancel()
		}

		s.state.Store(int32(StateStopped))
		close(s.done)

		switch {
		case cause != nil && prev == StateRunning:
			s.log.Errorf(catSession, "stopped: %v", cause)
		default:
			s.log.Debugf(catSession, "stopped from %s", prev)
		}
	})
}

// Domain returns a handle for the commands and events of the named domain.
func (s *Session) Domain(name string) Domain {
	return Domain{s: s, name: name}
}

// Domain scopes commands and events to one protocol domain, so that
//
//	s.Domain("Page").Call(ctx, "navigate", params)
//
// sends Page.navigate.
type Domain struct {
	s    *Session
	name string
}

// Name returns the domain name.
func (d Domain) Name() string {
	return d.name
}

// Call calls the domain command method.
func (d Domain) Call(ctx context.Context, method string, params interface{}) (easyjson.RawMessage, error) {
	return d.s.Call(ctx, d.name+"."+method, params)
}

// On registers h for the domain event.
func (d Domain) On(event string, h Handler) Subscription {
	return d.s.On(d.name+"."+event, h)
}
