// Package cmd assembles the transportd command tree.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ardourgo/transportcore/cmd/run"
	"github.com/ardourgo/transportcore/internal/engineconf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *engineconf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "transportd",
		Short: "Multitrack transport and disk-streaming engine",
	}

	rootCmd.PersistentFlags().BoolVar(&settings.Debug, "debug", settings.Debug, "Enable debug logging")

	rootCmd.AddCommand(run.Command(settings))

	return rootCmd
}
