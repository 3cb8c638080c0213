package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := crucible.GetVersion()
		info := map[string]string{
			"version":   versionInfo.Version,
			"commit":    versionInfo.Commit,
			"buildDate": versionInfo.BuildDate,
			"goVersion": runtime.Version(),
			"gofulmen":  v.Gofulmen,
			"crucible":  v.Crucible,
		}
		if jsonOutput(cmd) {
			return printJSON(info)
		}
		fmt.Printf("godispatch %s (commit %s, built %s)\n", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		fmt.Printf("  go %s, gofulmen %s, crucible %s\n", runtime.Version(), v.Gofulmen, v.Crucible)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}
