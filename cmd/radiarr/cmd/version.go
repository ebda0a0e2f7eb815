package cmd

import (
	"fmt"

	"github.com/jmylchreest/radiarr/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit, build date, and build model of radiarr.",
	Run: func(cmd *cobra.Command, _ []string) {
		out := version.String()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			out = version.JSON()
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	},
}

func init() {
	versionCmd.Flags().Bool("json", false, "print version information as JSON")
	rootCmd.AddCommand(versionCmd)
}
