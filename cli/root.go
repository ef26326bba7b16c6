package main

import (
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sliverarmory/dylibmitm"
	"github.com/sliverarmory/dylibmitm/target"
)

var (
	targetOS   string
	targetArch string
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "dylibmitm",
	Short:        "Generate shims that intercept a Windows DLL and forward what they do not override",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(verbose)
		if err != nil {
			return err
		}
		dylibmitm.SetLogger(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&targetOS, "os", string(target.Windows), "Target operating system")
	rootCmd.PersistentFlags().StringVar(&targetArch, "arch", runtime.GOARCH, "Target architecture (386 or amd64)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every pipeline stage")

	rootCmd.AddCommand(generateCmd, exportsCmd, verifyCmd, probeCmd)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	cfg.Encoding = "console"
	return cfg.Build()
}

// descriptor returns the target named by --os and --arch. Flags left at
// their defaults yield to fallback when it is set.
func descriptor(cmd *cobra.Command, fallback *target.Descriptor) (target.Descriptor, error) {
	osName, arch := targetOS, targetArch
	if fallback != nil {
		if !cmd.Flags().Changed("os") {
			osName = string(fallback.OS)
		}
		if !cmd.Flags().Changed("arch") {
			arch = string(fallback.Arch)
		}
	}
	return target.Parse(osName, arch)
}
