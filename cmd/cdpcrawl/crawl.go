package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chromedp/devtools"
	"github.com/chromedp/devtools/client"
)

func newCrawlCommand(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "crawl URL",
		Short: "Open URL in a new tab and report its network activity",
		Long: `Open URL in a new tab, print every request and response until the
page loaded and settled, then evaluate --expression in the page.

To check whether a page anonymizes Google Analytics hits, evaluate the
tracker field instead of the page title:

  cdpcrawl crawl --expression "` + gaAnonymizeIPExpression + `" URL`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(gs, cmd)
			if err != nil {
				return err
			}
			c := &crawler{
				conf: conf,
				log:  gs.logger,
				out:  newPrinter(gs.stdout, conf.NoColor.Bool),
			}
			return c.crawl(cmd.Context(), args[0])
		},
	}
}

type crawler struct {
	conf Config
	log  *logrus.Logger
	out  *printer
}

// crawl opens a tab on the browser, navigates it to urlstr, waits for the
// load event, lingers to collect late requests, and evaluates the
// configured expression.
func (c *crawler) crawl(ctx context.Context, urlstr string) error {
	cl := client.New(client.URL(discoveryURL(c.conf.DebuggerURL.String)))
	browserURL, err := cl.BrowserWebsocketURL(ctx)
	if err != nil {
		return fmt.Errorf("could not resolve browser: %w", err)
	}

	browser := devtools.NewSession(browserURL,
		devtools.WithLogger(c.log),
		devtools.WithCallTimeout(c.conf.Timeout.Duration),
	)
	if err := browser.Start(ctx); err != nil {
		return err
	}
	defer browser.Stop()

	targets := devtools.NewTargets(browser)
	tt, err := targets.NewTarget(ctx, "about:blank")
	if err != nil {
		return fmt.Errorf("could not create tab: %w", err)
	}
	defer func() {
		// the crawl context may be done already.
		cctx, cancel := context.WithTimeout(context.Background(), c.conf.Timeout.Duration)
		defer cancel()
		if err := targets.CloseTarget(cctx, tt.ID); err != nil {
			c.log.Warnf("could not close tab %s: %v", tt.ID, err)
		}
	}()

	tabURL, err := pageURL(browserURL, tt.ID)
	if err != nil {
		return err
	}
	tab := devtools.NewSession(tabURL,
		devtools.WithLogger(c.log),
		devtools.WithCallTimeout(c.conf.Timeout.Duration),
	)
	c.subscribe(tab)
	if err := tab.Start(ctx); err != nil {
		return err
	}
	defer tab.Stop()

	if err := c.navigate(ctx, tab, urlstr); err != nil {
		return err
	}

	if linger := c.conf.Linger.Duration; linger > 0 {
		c.log.Debugf("lingering for %v", linger)
		select {
		case <-time.After(linger):
		case <-ctx.Done():
			return ctx.Err()
		case <-tab.Done():
			return devtools.ErrConnectionClosed
		}
	}

	return c.evaluate(ctx, tab)
}

func (c *crawler) subscribe(tab *devtools.Session) {
	tab.On(cdproto.EventNetworkRequestWillBeSent, func(ev *devtools.Event) {
		var e network.EventRequestWillBeSent
		if err := ev.Unmarshal(&e); err != nil || e.Request == nil {
			c.log.Warnf("could not decode %s: %v", ev.Method, err)
			return
		}
		c.out.printf(color.FgCyan, "-> %s %s\n", e.Request.Method, e.Request.URL)
	})
	tab.On(cdproto.EventNetworkResponseReceived, func(ev *devtools.Event) {
		var e network.EventResponseReceived
		if err := ev.Unmarshal(&e); err != nil || e.Response == nil {
			c.log.Warnf("could not decode %s: %v", ev.Method, err)
			return
		}
		attr := color.FgGreen
		if e.Response.Status >= 400 {
			attr = color.FgRed
		}
		c.out.printf(attr, "<- %d %s\n", e.Response.Status, e.Response.URL)
	})
	tab.On(cdproto.EventPageLoadEventFired, func(ev *devtools.Event) {
		c.out.printf(color.FgYellow, "loaded at %s\n", ev.Get("timestamp"))
	})
}

func (c *crawler) navigate(ctx context.Context, tab *devtools.Session, urlstr string) error {
	exec := cdp.WithExecutor(ctx, tab)
	if err := network.Enable().Do(exec); err != nil {
		return fmt.Errorf("could not enable network: %w", err)
	}
	if err := page.Enable().Do(exec); err != nil {
		return fmt.Errorf("could not enable page: %w", err)
	}

	w := devtools.NewWaiter(tab, cdproto.EventPageLoadEventFired, nil)
	defer w.Cancel()

	_, _, errText, err := page.Navigate(urlstr).Do(exec)
	if err != nil {
		return fmt.Errorf("could not navigate to %s: %w", urlstr, err)
	}
	if errText != "" {
		return fmt.Errorf("could not navigate to %s: %s", urlstr, errText)
	}

	wctx, cancel := context.WithTimeout(ctx, c.conf.Timeout.Duration)
	defer cancel()
	if _, err := w.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s did not load within %v", urlstr, c.conf.Timeout.Duration)
		}
		return err
	}
	return nil
}

func (c *crawler) evaluate(ctx context.Context, tab *devtools.Session) error {
	expr := c.conf.Expression.String
	if expr == "" {
		return nil
	}
	obj, exc, err := runtime.Evaluate(expr).WithReturnByValue(true).Do(cdp.WithExecutor(ctx, tab))
	if err != nil {
		return err
	}
	if exc != nil {
		return exc
	}
	c.out.printf(color.FgMagenta, "%s = %s\n", expr, obj.Value)
	return nil
}

// pageURL returns the websocket URL of the page target id on the browser
// listening at browserURL.
func pageURL(browserURL string, id target.ID) (string, error) {
	u, err := url.Parse(browserURL)
	if err != nil {
		return "", err
	}
	u.Path = "/devtools/page/" + string(id)
	return u.String(), nil
}
