package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/migadu/mailroute/routing"
	"github.com/spf13/cobra"
)

func checkCmd() *cobra.Command {
	var src routingSource

	c := &cobra.Command{
		Use:   "check",
		Short: "Validate a routing document and summarize each domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := src.load()
			if err != nil {
				return err
			}

			store, err := routing.Load(raw)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			warnings := 0
			for _, dc := range store.Domains() {
				t := routing.NewTable(dc)
				fmt.Fprintf(out, "%s: %d entries, %d aliases, %d groups, delimiters %q\n",
					t.Domain(), len(t.Entries()), len(t.Aliases()), len(t.Groups()), t.Delimiters())
				warnings += reportTableWarnings(out, t)
			}
			fmt.Fprintf(out, "%d domains, %d warnings\n", len(store.Domains()), warnings)
			return nil
		},
	}

	src.register(c)
	return c
}

// reportTableWarnings prints entries that load fine but route in ways an
// operator likely did not intend.
func reportTableWarnings(w io.Writer, t *routing.Table) int {
	warnings := 0
	warn := func(format string, args ...any) {
		warnings++
		fmt.Fprintf(w, "  warning: "+format+"\n", args...)
	}

	seen := make(map[string]string)
	for _, e := range t.Entries() {
		for _, kind := range []string{routing.TypeParent, routing.TypeChild} {
			if e.Type != kind && strings.EqualFold(e.Type, kind) {
				warn("%s has type %q, which is treated as a plain entry; did you mean %q?", e.EmailAddress, e.Type, kind)
			}
		}
		if e.EmailAddress == "" {
			warn("entry with aliases %v has no emailAddress", e.Aliases)
		}
		for _, a := range e.Aliases {
			la := strings.ToLower(a)
			if owner, dup := seen[la]; dup {
				warn("alias %q of %s is shadowed by %s", a, e.EmailAddress, owner)
				continue
			}
			seen[la] = e.EmailAddress
			if t.IsGroup(la) {
				warn("alias %q is also a group; the alias wins unless a delimiter follows", a)
			}
		}
	}
	return warnings
}
