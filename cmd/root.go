package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCmd creates the root command for the taskloom CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskloom",
		Short: "AI-native task orchestration engine",
		Long: `taskloom recursively decomposes a feature into atomic tasks, tracks
their dependencies, and dispatches ready tasks to a coding agent under
an adaptive timeout budget until the feature is done.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "taskloom.yaml",
		"config file (default is taskloom.yaml)")

	rootCmd.AddCommand(newDecomposeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newGraphCmd())
	rootCmd.AddCommand(newScheduleCmd())

	return rootCmd
}

// GetConfigFile returns the --config flag's current value.
func GetConfigFile() string {
	return cfgFile
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
