// Command syncd keeps a device's replica of the focus app's rows and
// documents in sync with the remote authority.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Multi-device sync for focus sets, actions and logs",
	Long: `syncd keeps a local replica of sets, actions and action logs in sync with
the remote authority, and reads and writes single documents with conditional
requests.

Configuration is read from syncd.yaml or syncd.toml in the current directory
or ~/.syncd, then overridden by SYNCD_* environment variables
(e.g. SYNCD_SERVER_URL, SYNCD_USER_ID).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./syncd.yaml or ~/.syncd/syncd.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Mirror file logs to stderr")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Discard log output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
