// Command mailroute-admin inspects routing documents offline.
package main

import (
	"fmt"
	"os"

	"github.com/migadu/mailroute/config"
	"github.com/spf13/cobra"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mailroute-admin",
		Short:        "Inspect and test mailroute routing documents",
		SilenceUsage: true,
		Version:      fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
	}

	cmd.AddCommand(resolveCmd())
	cmd.AddCommand(checkCmd())
	return cmd
}

// routingSource holds the flags shared by commands that read a routing
// document.
type routingSource struct {
	file string
	env  string
}

func (s *routingSource) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.file, "routing", "r", "", "Path to the JSON routing document")
	cmd.Flags().StringVarP(&s.env, "env", "e", config.DefaultRoutingEnv, "Environment variable holding the document when --routing is not set")
}

func (s *routingSource) load() (string, error) {
	rc := config.RoutingConfig{File: s.file, Env: s.env}
	return rc.LoadDocument()
}
