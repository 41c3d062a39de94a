package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "armoureye",
		Short:         "Vulnerability scan orchestration over a shared tool sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", path, "path to config.yaml")

	root.AddCommand(
		newServeCmd(&configPath),
		newScanCmd(&configPath),
		newCleanupCmd(&configPath),
	)
	return root
}
