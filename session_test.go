package devtools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/chromedp/devtools/internal/cdptest"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startSession(t *testing.T, urlstr string, opts ...SessionOption) (*Session, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	s := NewSession(urlstr, append([]SessionOption{WithLogger(logger)}, opts...)...)
	require.NoError(t, s.Start(testContext(t)))
	t.Cleanup(func() { _ = s.Stop() })
	return s, hook
}

func hasEntry(hook *test.Hook, level logrus.Level, substr string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	s := NewSession(b.URL(), WithLogger(logrus.New()))
	assert.Equal(t, StateCreated, s.State())
	assert.Equal(t, b.URL(), s.URL())

	_, err := s.Call(testContext(t), "Page.enable", nil)
	require.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.Start(testContext(t)))
	assert.Equal(t, StateRunning, s.State())
	require.ErrorIs(t, s.Start(testContext(t)), ErrAlreadyStarted)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	assert.NoError(t, s.Err())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// idempotent.
	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())

	_, err = s.Call(testContext(t), "Page.enable", nil)
	require.ErrorIs(t, err, ErrNotRunning)
	require.ErrorIs(t, s.Start(testContext(t)), ErrAlreadyStarted)
}

func TestSessionStopBeforeStart(t *testing.T) {
	t.Parallel()

	s := NewSession("ws://127.0.0.1:1/devtools/browser/x", WithLogger(logrus.New()))
	require.NoError(t, s.Stop())
	assert.Equal(t, StateStopped, s.State())
	require.ErrorIs(t, s.Start(testContext(t)), ErrAlreadyStarted)
}

func TestSessionStartError(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	urlstr := b.URL()
	b.Close()

	s := NewSession(urlstr, WithLogger(logrus.New()), WithDialOptions(WithDialTimeout(time.Second)))
	err := s.Start(testContext(t))
	var serr *StartError
	require.ErrorAs(t, err, &serr)
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Stop())
}

func TestSessionNavigate(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	b.Handle("Page.navigate", func(c *cdptest.Conn, req cdptest.Request) (interface{}, error) {
		assert.Equal(t, "https://example.com", gjson.GetBytes(req.Params, "url").String())
		return `{"frameId":"F1","loaderId":"L1"}`, nil
	})
	s, _ := startSession(t, b.URL())

	res, err := s.Call(testContext(t), "Page.navigate", map[string]string{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "F1", gjson.GetBytes(res, "frameId").String())

	res, err = s.Domain("Page").Call(testContext(t), "navigate", map[string]string{"url": "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "L1", gjson.GetBytes(res, "loaderId").String())

	reqs := b.Received()
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(1), reqs[0].ID)
	assert.Equal(t, int64(2), reqs[1].ID)
	assert.Equal(t, "Page.navigate", reqs[1].Method)
	assert.Equal(t, 0, s.Pending())
}

func TestSessionExecute(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	b.Handle("Page.navigate", func(*cdptest.Conn, cdptest.Request) (interface{}, error) {
		return `{"frameId":"F1","loaderId":"L1"}`, nil
	})
	b.Handle("Runtime.evaluate", func(c *cdptest.Conn, req cdptest.Request) (interface{}, error) {
		return `{"result":{"type":"string","value":"Example Domain"}}`, nil
	})
	s, _ := startSession(t, b.URL())

	ctx := cdp.WithExecutor(testContext(t), s)
	require.NoError(t, page.Enable().Do(ctx))

	frameID, loaderID, errText, err := page.Navigate("https://example.com").Do(ctx)
	require.NoError(t, err)
	assert.Equal(t, cdp.FrameID("F1"), frameID)
	assert.Equal(t, cdp.LoaderID("L1"), loaderID)
	assert.Empty(t, errText)

	obj, exc, err := runtime.Evaluate("document.title").Do(ctx)
	require.NoError(t, err)
	assert.Nil(t, exc)
	assert.Equal(t, `"Example Domain"`, string(obj.Value))

	assert.Equal(t, []string{"Page.enable", "Page.navigate", "Runtime.evaluate"}, b.Methods())
}

func TestSessionConcurrentCalls(t *testing.T) {
	t.Parallel()

	const n = 20
	var (
		mu   sync.Mutex
		reqs []cdptest.Request
	)
	b := cdptest.NewBrowser(t)
	b.Handle("Runtime.evaluate", func(c *cdptest.Conn, req cdptest.Request) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		reqs = append(reqs, req)
		if len(reqs) == n {
			// answer in reverse order of arrival.
			for i := len(reqs) - 1; i >= 0; i-- {
				expr := gjson.GetBytes(reqs[i].Params, "expression").String()
				_ = c.Reply(reqs[i].ID, fmt.Sprintf(`{"result":{"type":"string","value":%q}}`, expr))
			}
		}
		return nil, cdptest.ErrNoReply
	})
	s, _ := startSession(t, b.URL())

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			expr := fmt.Sprintf("expr-%d", i)
			res, err := s.Call(testContext(t), "Runtime.evaluate", map[string]string{"expression": expr})
			if assert.NoError(t, err) {
				assert.Equal(t, expr, gjson.GetBytes(res, "result.value").String())
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, s.Pending())
}

func TestSessionProtocolError(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	b.Handle("Foo.bar", func(*cdptest.Conn, cdptest.Request) (interface{}, error) {
		return nil, &cdptest.Error{Code: -32601, Message: "'Foo.bar' wasn't found"}
	})
	s, _ := startSession(t, b.URL())

	_, err := s.Call(testContext(t), "Foo.bar", nil)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32601), perr.Code)
	assert.Equal(t, "'Foo.bar' wasn't found", perr.Message)
	assert.Equal(t, StateRunning, s.State())
}

func TestSessionTimeoutThenLateResponse(t *testing.T) {
	t.Parallel()

	late := make(chan cdptest.Request, 1)
	var lateConn *cdptest.Conn
	b := cdptest.NewBrowser(t)
	b.Handle("Page.navigate", func(c *cdptest.Conn, req cdptest.Request) (interface{}, error) {
		lateConn = c
		late <- req
		return nil, cdptest.ErrNoReply
	})
	s, hook := startSession(t, b.URL())

	_, err := s.CallTimeout(testContext(t), "Page.navigate", map[string]string{"url": "https://example.com"}, 50*time.Millisecond)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "Page.navigate", terr.Method)
	assert.Equal(t, 0, s.Pending())

	req := <-late
	require.NoError(t, lateConn.Reply(req.ID, `{"frameId":"F1"}`))
	require.Eventually(t, func() bool {
		return hasEntry(hook, logrus.WarnLevel, fmt.Sprintf("unknown id %d", req.ID))
	}, 5*time.Second, 10*time.Millisecond)

	// the session is unaffected.
	assert.Equal(t, StateRunning, s.State())
	_, err = s.Call(testContext(t), "Page.enable", nil)
	require.NoError(t, err)
}

func TestSessionCallContextCanceled(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	b.Handle("Page.navigate", func(*cdptest.Conn, cdptest.Request) (interface{}, error) {
		return nil, cdptest.ErrNoReply
	})
	s, _ := startSession(t, b.URL())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, "Page.navigate", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Pending())
}

func TestSessionEvents(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	s, _ := startSession(t, b.URL())
	sc := b.WaitConn(5 * time.Second)

	var (
		mu    sync.Mutex
		order []string
	)
	done := make(chan struct{})
	s.On("Page.loadEventFired", func(ev *Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "first")
	})
	s.Domain("Page").On("loadEventFired", func(ev *Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second:"+ev.Get("timestamp").String())
		close(done)
	})
	removed := s.On("Page.loadEventFired", func(*Event) {
		t.Error("removed handler called")
	})
	require.True(t, s.Off(removed))

	require.NoError(t, sc.Event("Page.loadEventFired", `{"timestamp":12.5}`))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
	mu.Lock()
	assert.Equal(t, []string{"first", "second:12.5"}, order)
	mu.Unlock()
}

func TestSessionMalformedFrame(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	s, hook := startSession(t, b.URL())
	sc := b.WaitConn(5 * time.Second)

	got := make(chan *Event, 1)
	s.On("Network.responseReceived", func(ev *Event) {
		got <- ev
	})

	require.NoError(t, sc.WriteRaw([]byte(`{not json`)))
	require.NoError(t, sc.WriteRaw([]byte(`{"id":1.5,"result":{}}`)))
	require.NoError(t, sc.Event("Network.responseReceived", `{"requestId":"R1"}`))

	select {
	case ev := <-got:
		assert.Equal(t, "R1", ev.Get("requestId").String())
	case <-time.After(5 * time.Second):
		t.Fatal("event after malformed frames not delivered")
	}
	assert.True(t, hasEntry(hook, logrus.ErrorLevel, "could not decode frame"))
	assert.Equal(t, StateRunning, s.State())
}

func TestSessionStopFailsPending(t *testing.T) {
	t.Parallel()

	received := make(chan struct{}, 3)
	b := cdptest.NewBrowser(t)
	b.Handle("Page.navigate", func(*cdptest.Conn, cdptest.Request) (interface{}, error) {
		received <- struct{}{}
		return nil, cdptest.ErrNoReply
	})
	s, _ := startSession(t, b.URL())

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.Call(context.Background(), "Page.navigate", nil)
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		<-received
	}
	assert.Equal(t, 3, s.Pending())

	require.NoError(t, s.Stop())
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("pending call not failed by Stop")
		}
	}
	assert.Equal(t, 0, s.Pending())
	require.NoError(t, s.Stop())
}

func TestSessionRemoteClose(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	b.Handle("Page.navigate", func(*cdptest.Conn, cdptest.Request) (interface{}, error) {
		return nil, cdptest.ErrNoReply
	})
	s, _ := startSession(t, b.URL())
	sc := b.WaitConn(5 * time.Second)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "Page.navigate", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sc.Close())
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session not shut down after the peer went away")
	}
	assert.ErrorIs(t, <-errs, ErrConnectionClosed)
	assert.ErrorIs(t, s.Err(), ErrConnectionClosed)
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Stop())
}

type brokenTransport struct {
	closed chan struct{}
	once   sync.Once
}

func (bt *brokenTransport) Read(ctx context.Context) ([]byte, error) {
	<-bt.closed
	return nil, io.EOF
}

func (bt *brokenTransport) Write(context.Context, []byte) error {
	return &SendError{Err: errors.New("broken pipe")}
}

func (bt *brokenTransport) Close() error {
	bt.once.Do(func() { close(bt.closed) })
	return nil
}

func TestSessionSendError(t *testing.T) {
	t.Parallel()

	bt := &brokenTransport{closed: make(chan struct{})}
	s, _ := startSession(t, "ws://broken", WithDialer(func(context.Context, string) (Transport, error) {
		return bt, nil
	}))

	_, err := s.Call(testContext(t), "Page.enable", nil)
	var serr *SendError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Page.enable", serr.Method)
	assert.EqualError(t, serr.Err, "broken pipe")

	<-s.Done()
	assert.Equal(t, StateStopped, s.State())
	assert.ErrorAs(t, s.Err(), &serr)
}

type stalledTransport struct {
	writing chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (st *stalledTransport) Read(ctx context.Context) ([]byte, error) {
	<-st.closed
	return nil, io.EOF
}

func (st *stalledTransport) Write(context.Context, []byte) error {
	close(st.writing)
	<-st.closed
	return &SendError{Err: ErrTransportClosed}
}

func (st *stalledTransport) Close() error {
	st.once.Do(func() { close(st.closed) })
	return nil
}

func TestSessionStopDuringWrite(t *testing.T) {
	t.Parallel()

	st := &stalledTransport{writing: make(chan struct{}), closed: make(chan struct{})}
	s, _ := startSession(t, "ws://stalled", WithDialer(func(context.Context, string) (Transport, error) {
		return st, nil
	}))

	errc := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "Page.enable", nil)
		errc <- err
	}()
	<-st.writing
	require.NoError(t, s.Stop())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnectionClosed)
		var serr *SendError
		assert.False(t, errors.As(err, &serr))
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return after Stop")
	}
	assert.NoError(t, s.Err())
}

func TestSessionStopFromHandler(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	s, _ := startSession(t, b.URL())
	sc := b.WaitConn(5 * time.Second)

	stopped := make(chan error, 1)
	s.On("Inspector.detached", func(*Event) {
		stopped <- s.Stop()
	})
	require.NoError(t, sc.Event("Inspector.detached", `{"reason":"target_closed"}`))

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop from a handler did not return")
	}
	assert.Equal(t, StateStopped, s.State())
}

func TestSessionLogHooks(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		debugs []string
	)
	b := cdptest.NewBrowser(t)
	s, _ := startSession(t, b.URL(), WithDebugf(func(format string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		debugs = append(debugs, fmt.Sprintf(format, args...))
	}))

	_, err := s.Call(testContext(t), "Page.enable", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var sent, recv bool
	for _, d := range debugs {
		sent = sent || strings.HasPrefix(d, catSend+": -> ")
		recv = recv || strings.HasPrefix(d, catRecv+": <- ")
	}
	assert.True(t, sent, "sent frame not logged: %v", debugs)
	assert.True(t, recv, "received frame not logged: %v", debugs)
}

func TestSessionNoLeaks(t *testing.T) {
	b := cdptest.NewBrowser(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewSession(b.URL(), WithLogger(logrus.New()))
	require.NoError(t, s.Start(testContext(t)))
	_, err := s.Call(testContext(t), "Page.enable", nil)
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}
