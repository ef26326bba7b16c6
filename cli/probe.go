package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/dylibmitm"
)

var probeLocator string

var probeCmd = &cobra.Command{
	Use:   "probe <library.dll>",
	Short: "Resolve every export of a DLL the way the shim loader will",
	Long: `Resolve every export of a DLL the way the shim loader will.

The library is mapped without running its entry point. Only Windows hosts can
probe.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := descriptor(cmd, nil)
		if err != nil {
			return err
		}

		resolved, err := dylibmitm.ProbeLibrary(args[0], probeLocator, t)
		if err != nil {
			return err
		}
		for _, r := range resolved {
			fmt.Fprintf(cmd.OutOrStdout(), "0x%x\t%s\n", r.Address, r.Export)
		}
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeLocator, "locator", "", "Path to open instead of the library path")
}
