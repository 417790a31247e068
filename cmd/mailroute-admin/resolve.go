package main

import (
	"fmt"
	"strings"

	"github.com/migadu/mailroute/dispatch"
	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	var src routingSource

	c := &cobra.Command{
		Use:   "resolve ADDRESS...",
		Short: "Show where mail for each address would go (nothing is sent)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := src.load()
			if err != nil {
				return err
			}

			d := dispatch.New(raw)
			out := cmd.OutOrStdout()
			for _, addr := range args {
				action := d.Decide(addr)
				switch action.Kind {
				case dispatch.ActionForward:
					fmt.Fprintf(out, "%s: forward (%s %s) -> %s\n", addr, action.Match, action.Target, strings.Join(action.Addresses, ", "))
				default:
					fmt.Fprintf(out, "%s: reject (%s) %q\n", addr, action.Match, action.Reason)
				}
			}
			return nil
		},
	}

	src.register(c)
	return c
}
