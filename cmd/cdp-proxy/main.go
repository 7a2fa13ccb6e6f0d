// cdp-proxy proxies DevTools protocol connections from a client to a
// browser and logs every frame, classified as command, response or event.
//
// cdp-proxy is useful for recording the traffic of other DevTools clients
// (ChromeDriver, the DevTools frontend, a cdpcrawl run) against a browser
// started with --remote-debugging-port.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	log := logrus.New()
	if err := newRootCommand(log).Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newRootCommand(log *logrus.Logger) *cobra.Command {
	var (
		listen, remote, logFile, level string
	)
	cmd := &cobra.Command{
		Use:           "cdp-proxy",
		Short:         "Log DevTools protocol traffic between a client and a browser",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logrus.ParseLevel(level)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("could not open log file: %w", err)
				}
				defer f.Close()
				log.SetOutput(io.MultiWriter(os.Stderr, f))
			}

			log.Infof("proxying %s to %s", listen, remote)
			return http.ListenAndServe(listen, newProxy(remote, log))
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&listen, "listen", "l", "localhost:9223", "listen `address`")
	flags.StringVarP(&remote, "remote", "r", "localhost:9222", "remote browser `address`")
	flags.StringVar(&logFile, "log-file", "", "also append the log to `file`")
	flags.StringVar(&level, "log-level", "debug", "log `level` (frames are logged at debug)")
	return cmd
}
