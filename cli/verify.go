package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/dylibmitm"
)

var verifyOverrides []string

var verifyCmd = &cobra.Command{
	Use:   "verify <original.dll> <shim.dll>",
	Short: "Check a built shim against the library it intercepts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := descriptor(cmd, nil)
		if err != nil {
			return err
		}

		report, err := dylibmitm.Verify(args[0], args[1], t, verifyOverrides)
		if report != nil {
			out := cmd.OutOrStdout()
			for _, th := range report.Forwarded {
				fmt.Fprintf(out, "forward  %s: jmp *0x%x (%s)\n", th.Export, th.Slot, th.Section)
			}
			for _, name := range report.Overridden {
				fmt.Fprintf(out, "override %s\n", name)
			}
			for _, name := range report.Missing {
				fmt.Fprintf(out, "missing  %s\n", name)
			}
			for _, name := range report.Extra {
				fmt.Fprintf(out, "extra    %s\n", name)
			}
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringArrayVar(&verifyOverrides, "override", nil, "Export implemented in Go (repeatable)")
}
