package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/dylibmitm/exports"
)

var exportsCmd = &cobra.Command{
	Use:   "exports <library.dll>",
	Short: "List the named exports of a DLL in export-table order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := descriptor(cmd, nil)
		if err != nil {
			return err
		}
		exps, err := exports.ReadFile(args[0], t)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tORDINAL\tRVA\tNAME")
		for _, e := range exps {
			name := e.Name
			if e.Forwarder != "" {
				name += " -> " + e.Forwarder
			}
			fmt.Fprintf(w, "%d\t%d\t0x%08x\t%s\n", e.Index, e.Ordinal, e.RVA, name)
		}
		return w.Flush()
	},
}
