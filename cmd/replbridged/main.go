// Command replbridged runs the REPL bridge daemon: a local-host process
// that fronts a tmux-hosted REPL session with chat, email, and peer-agent
// channels (spec §1). Subcommands mirror the daemon's own HTTP surface so
// an operator rarely needs to reach for curl directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "replbridged",
	Short: "REPL bridge daemon — chat/email/peer channels for a terminal agent",
	Long:  "replbridged fronts a tmux-hosted REPL with chat, email, and peer-agent channels: inject messages in, capture responses out, gated by per-sender access control.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(resolveConfigPath(), verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: config.json5 or $REPLBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("replbridged %s\n", Version)
		},
	}
}

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("REPLBRIDGE_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
