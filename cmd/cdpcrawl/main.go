// cdpcrawl drives a running browser over the DevTools protocol: it opens a
// tab, navigates it, reports the network requests the page makes, and
// evaluates an expression once the page has settled.
//
// The browser must be started with remote debugging enabled, for example:
//
//	google-chrome --headless=new --remote-debugging-port=9222
package main

import (
	"context"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	gs := newGlobalState()
	if err := newRootCommand(gs).ExecuteContext(ctx); err != nil {
		gs.logger.Error(err)
		stop()
		os.Exit(1)
	}
}
