package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build information, set from main via Execute.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printResult(map[string]string{
			"version": buildVersion,
			"commit":  buildCommit,
			"date":    buildDate,
		}, func() {
			fmt.Fprintf(ui.Out, "lineage %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
