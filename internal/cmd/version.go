package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keyrelay/keyrelay/internal/server/handlers"
)

var (
	extended    bool
	versionJSON bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for build and dependency details, --json for the /version payload.",
	RunE: func(cmd *cobra.Command, args []string) error {
		handlers.SetAppIdentity(GetAppIdentity())
		report := handlers.BuildVersionResponse(false)

		out := cmd.OutOrStdout()
		if versionJSON {
			payload, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, string(payload))
			return err
		}

		app := report.App
		_, _ = fmt.Fprintf(out, "%s %s\n", app.Name, app.Version)
		if extended {
			_, _ = fmt.Fprintf(out, "Commit: %s\nBuilt: %s\nGo: %s\n\n", app.Commit, app.BuildDate, app.GoVersion)
			_, _ = fmt.Fprintf(out, "Gofulmen: %s\nCrucible: %s\n", report.Dependencies.Gofulmen, report.Dependencies.Crucible)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version information as JSON")
}
