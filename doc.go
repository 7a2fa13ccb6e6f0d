// Package devtools is a client for the Chrome DevTools Protocol.
//
// A Session holds a websocket connection to one debugging endpoint, either
// a tab or the browser itself. Commands are sent with Call, and any number
// of goroutines may have commands in flight at once; responses are matched
// to their callers by id. Events are delivered in arrival order to the
// handlers registered with On.
//
//	s := devtools.NewSession(wsURL)
//	if err := s.Start(ctx); err != nil {
//		return err
//	}
//	defer s.Stop()
//
//	s.On("Page.loadEventFired", func(ev *devtools.Event) {
//		log.Printf("loaded at %s", ev.Get("timestamp"))
//	})
//	res, err := s.Call(ctx, "Page.navigate", map[string]string{"url": urlstr})
//
// A Session also satisfies cdp.Executor, so the typed commands of the
// github.com/chromedp/cdproto packages run on it directly.
//
// Targets manages the tabs of a browser through a browser-level session.
// The client package talks to the HTTP discovery endpoints (/json/version,
// /json/list) a browser started with --remote-debugging-port serves.
package devtools
