package main

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// globalState holds what commands would otherwise take from the process,
// so tests can substitute it.
type globalState struct {
	stdout    io.Writer
	stderr    io.Writer
	lookupEnv func(string) (string, bool)
	logger    *logrus.Logger
}

func newGlobalState() *globalState {
	logger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: &logrus.TextFormatter{},
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
	return &globalState{
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		lookupEnv: os.LookupEnv,
		logger:    logger,
	}
}

func newRootCommand(gs *globalState) *cobra.Command {
	flags := configFlagSet()
	cmd := &cobra.Command{
		Use:           "cdpcrawl",
		Short:         "Drive a browser over the DevTools protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().AddFlagSet(flags)
	cmd.SetOut(gs.stdout)
	cmd.SetErr(gs.stderr)
	cmd.AddCommand(
		newCrawlCommand(gs),
		newTargetsCommand(gs),
	)
	return cmd
}

// loadConfig consolidates the configuration of cmd and applies its log
// level and color settings.
func loadConfig(gs *globalState, cmd *cobra.Command) (Config, error) {
	conf, err := getConsolidatedConfig(cmd.Flags(), gs.lookupEnv)
	if err != nil {
		return conf, err
	}
	level, err := logrus.ParseLevel(conf.LogLevel.String)
	if err != nil {
		return conf, err
	}
	gs.logger.SetLevel(level)
	if conf.NoColor.Bool {
		gs.logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}
	return conf, nil
}

// discoveryURL returns the HTTP discovery endpoint of the browser listening
// at debuggerURL.
func discoveryURL(debuggerURL string) string {
	u := strings.TrimSuffix(debuggerURL, "/")
	if strings.HasSuffix(u, "/json") {
		return u
	}
	return u + "/json"
}

// printer writes colored lines to the command output. Event handlers run
// concurrently, so writes are serialized.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	noColor bool
}

func newPrinter(w io.Writer, noColor bool) *printer {
	return &printer{w: w, noColor: noColor}
}

func (p *printer) printf(attr color.Attribute, format string, args ...interface{}) {
	c := color.New(attr)
	if p.noColor {
		c.DisableColor()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = c.Fprintf(p.w, format, args...)
}
