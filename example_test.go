package devtools_test

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/tidwall/gjson"

	"github.com/chromedp/devtools"
	"github.com/chromedp/devtools/internal/cdptest"
)

func newExampleBrowser() *cdptest.Browser {
	return cdptest.New(
		cdptest.WithHandler("Page.navigate", func(c *cdptest.Conn, req cdptest.Request) (interface{}, error) {
			if err := c.Event("Page.loadEventFired", `{"timestamp":1}`); err != nil {
				return nil, err
			}
			return `{"frameId":"F1","loaderId":"L1"}`, nil
		}),
		cdptest.WithHandler("Runtime.evaluate", func(c *cdptest.Conn, req cdptest.Request) (interface{}, error) {
			return `{"result":{"type":"string","value":"Example Domain"}}`, nil
		}),
	)
}

func ExampleSession() {
	b := newExampleBrowser()
	defer b.Close()

	ctx := context.Background()
	s := devtools.NewSession(b.URL(), devtools.WithLogger(nil))
	if err := s.Start(ctx); err != nil {
		panic(err)
	}
	defer s.Stop()

	w := devtools.NewWaiter(s, "Page.loadEventFired", nil)
	if _, err := s.Call(ctx, "Page.navigate", map[string]string{"url": "https://example.com"}); err != nil {
		panic(err)
	}
	if _, err := w.Wait(ctx); err != nil {
		panic(err)
	}

	res, err := s.Call(ctx, "Runtime.evaluate", map[string]string{"expression": "document.title"})
	if err != nil {
		panic(err)
	}
	fmt.Println(gjson.GetBytes(res, "result.value"))

	// Output:
	// Example Domain
}

func ExampleSession_Execute() {
	b := newExampleBrowser()
	defer b.Close()

	s := devtools.NewSession(b.URL(), devtools.WithLogger(nil))
	if err := s.Start(context.Background()); err != nil {
		panic(err)
	}
	defer s.Stop()

	ctx := cdp.WithExecutor(context.Background(), s)
	frameID, _, _, err := page.Navigate("https://example.com").Do(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Println(frameID)

	// Output:
	// F1
}
