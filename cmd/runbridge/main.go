// runbridge bridges browser sessions to sandboxed runners: it leases runners
// from the runner management, streams program I/O over WebSockets and records
// every execution as a testrun.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codeocean/runbridge/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "runbridge",
	Short: "Execution sessions between browsers and sandboxed runners.",
	Long: `runbridge leases sandboxed runners from a runner management service,
executes submissions in them and streams the program I/O to the browser over
WebSockets. Every execution is persisted as a testrun with a bounded transcript.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, environmentsCmd, runnersCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
