// Package cli implements the sdsync command line: the daemon and the
// commands that talk to its diagnostic API.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sdsync",
	Short: "SD card upload bridge for therapy devices",
	Long: `sdsync sits between a therapy device and its SD card, borrows the
card while the device is quiet, uploads new data to the configured
backends, and hands the card back untouched.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/sdsync/sdsync.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr",
		"127.0.0.1:9180", "address of the running daemon's diagnostic API")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(triggerCmd)
}
