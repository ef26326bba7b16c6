package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/dylibmitm"
	"github.com/sliverarmory/dylibmitm/target"
)

var (
	outputDir    string
	overrides    []string
	loadPath     string
	loadExpr     string
	initOnAttach bool
)

var generateCmd = &cobra.Command{
	Use:   "generate [library.dll]",
	Short: "Write a cgo shim package for a DLL",
	Long: `Write a cgo shim package for a DLL.

Exports listed with --override are implemented by Go functions carrying an
//export directive in the output directory; every other export is forwarded to
the real library. Build the result with go build -buildmode=c-shared.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := generateOptions(cmd, args)
		if err != nil {
			return err
		}

		shim, err := dylibmitm.Generate(opts)
		if err != nil {
			return err
		}
		if err := shim.Write(opts.PackageDir); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, f := range shim.Files {
			fmt.Fprintln(out, f.Name)
		}
		fmt.Fprintf(out, "%d forwarded, %d overridden; call %s before using the shim\n",
			len(shim.Plan.Forwarded()), len(shim.Plan.Overridden()), shim.InitSymbol())
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Shim package directory")
	generateCmd.Flags().StringArrayVar(&overrides, "override", nil, "Export implemented in Go (repeatable)")
	generateCmd.Flags().StringVar(&loadPath, "load-path", "", "Path the shim opens at runtime (default: the library path)")
	generateCmd.Flags().StringVar(&loadExpr, "load-expr", "", "C expression yielding the runtime path, e.g. mitm_system_path(\"x.dll\")")
	generateCmd.Flags().BoolVar(&initOnAttach, "init-on-attach", false, "Run the loader when the shim is attached")
	generateCmd.MarkFlagsMutuallyExclusive("load-path", "load-expr")
}

// generateOptions merges the configuration file with the flags. Flags that
// were set win.
func generateOptions(cmd *cobra.Command, args []string) (dylibmitm.Options, error) {
	var opts dylibmitm.Options
	if configPath != "" {
		cfg, err := dylibmitm.LoadConfig(configPath)
		if err != nil {
			return opts, err
		}
		if opts, err = cfg.Options(); err != nil {
			return opts, err
		}
	}

	t, err := descriptor(cmd, fallbackTarget(opts))
	if err != nil {
		return opts, err
	}
	opts.Target = t

	if len(args) == 1 {
		opts.LibraryPath = args[0]
	}
	flags := cmd.Flags()
	if flags.Changed("output") {
		opts.PackageDir = outputDir
	}
	if flags.Changed("override") {
		opts.Overrides = overrides
	}
	if flags.Changed("load-path") {
		opts.LoadPath, opts.LoadExpression = loadPath, ""
	}
	if flags.Changed("load-expr") {
		opts.LoadPath, opts.LoadExpression = "", loadExpr
	}
	if flags.Changed("init-on-attach") {
		opts.InitOnAttach = initOnAttach
	}

	if opts.LibraryPath == "" {
		return opts, errors.New("no library: pass one or set library in --config")
	}
	if opts.PackageDir == "" {
		return opts, errors.New("no output directory: pass -o or set output in --config")
	}
	return opts, nil
}

func fallbackTarget(opts dylibmitm.Options) *target.Descriptor {
	if opts.Target.OS == "" {
		return nil
	}
	return &opts.Target
}
