package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromedp/devtools/client"
	"github.com/chromedp/devtools/internal/cdptest"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestVersionInfo(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	c := client.New(client.URL(b.JSONURL()))

	v, err := c.VersionInfo(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "1.3", v["Protocol-Version"])

	urlstr, err := c.BrowserWebsocketURL(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, b.URL(), urlstr)
}

func TestBrowserWebsocketURLMissing(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Browser":"Chrome/120.0","Protocol-Version":"1.3"}`))
	}))
	defer s.Close()

	_, err := client.New(client.URL(s.URL+"/json")).BrowserWebsocketURL(testContext(t))
	require.ErrorIs(t, err, client.ErrNoBrowserWebsocketURL)
}

func TestListTargets(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t,
		cdptest.WithTarget("P1", "Example", "https://example.com/"),
		cdptest.WithTarget("P2", "Blank", "about:blank"),
	)
	c := client.New(client.URL(b.JSONURL() + "/"))

	targets, err := c.ListTargets(testContext(t))
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "P1", targets[0].GetID())
	assert.Equal(t, client.Page, targets[0].GetType())
	assert.Equal(t, b.PageURL("P1"), targets[0].GetWebsocketURL())
	assert.Equal(t, `[P2]: "Blank"`, targets[1].String())

	pages, err := c.ListPageTargets(testContext(t))
	require.NoError(t, err)
	assert.Len(t, pages, 2)

	workers, err := c.ListTargetsWithType(testContext(t), client.ServiceWorker)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestUnsupportedProtocolVersion(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json/version":
			_, _ = w.Write([]byte(`{"Browser":"Chrome/50.0","Protocol-Version":"0.1"}`))
		default:
			_, _ = w.Write([]byte(`[{"id":"P1","type":"page"}]`))
		}
	}))
	defer s.Close()

	_, err := client.New(client.URL(s.URL+"/json")).ListTargets(testContext(t))
	require.ErrorIs(t, err, client.ErrUnsupportedProtocolVersion)
}

func TestNewActivateClose(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t)
	c := client.New(client.URL(b.JSONURL()))

	tt, err := c.NewPageTargetWithURL(testContext(t), "https://example.com/?q=a b")
	require.NoError(t, err)
	assert.Equal(t, client.Page, tt.GetType())
	require.Len(t, b.Targets(), 1)
	assert.Equal(t, "https://example.com/?q=a b", b.Targets()[0].URL)
	assert.Equal(t, b.Targets()[0].WebSocketDebuggerURL, tt.GetWebsocketURL())

	blank, err := c.NewPageTarget(testContext(t))
	require.NoError(t, err)
	assert.NotEqual(t, tt.GetID(), blank.GetID())

	require.NoError(t, c.ActivateTarget(testContext(t), tt))
	require.NoError(t, c.CloseTarget(testContext(t), tt))
	assert.Len(t, b.Targets(), 1)

	err = c.CloseTarget(testContext(t), tt)
	var serr *client.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
	assert.Equal(t, "No such target id", serr.Body)
}

func TestWatchPageTargets(t *testing.T) {
	t.Parallel()

	b := cdptest.NewBrowser(t, cdptest.WithTarget("P1", "", "about:blank"))
	c := client.New(client.URL(b.JSONURL()), client.WatchInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	ch := c.WatchPageTargets(ctx)

	next := func() client.Target {
		t.Helper()
		select {
		case tt := <-ch:
			return tt
		case <-time.After(5 * time.Second):
			t.Fatal("no target reported")
			return nil
		}
	}
	assert.Equal(t, "P1", next().GetID())

	created, err := c.NewPageTarget(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, created.GetID(), next().GetID())

	cancel()
	for range ch {
	}
}
