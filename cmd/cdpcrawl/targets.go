package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chromedp/devtools/client"
)

func newTargetsCommand(gs *globalState) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List the targets of the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(gs, cmd)
			if err != nil {
				return err
			}
			cl := client.New(client.URL(discoveryURL(conf.DebuggerURL.String)))

			var targets []client.Target
			if all {
				targets, err = cl.ListTargets(cmd.Context())
			} else {
				targets, err = cl.ListPageTargets(cmd.Context())
			}
			if err != nil {
				return err
			}

			p := newPrinter(gs.stdout, conf.NoColor.Bool)
			for _, t := range targets {
				attr := color.FgWhite
				if t.GetType() == client.Page {
					attr = color.FgGreen
				}
				p.printf(attr, "%-16s %s %s\n", t.GetType(), t.GetID(), t.GetWebsocketURL())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every target, not only pages")
	return cmd
}
