// Package cli provides the command-line interface for pagesync.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "pagesync",
	Short: "Incrementally sync public page posts into a document store",
	Long: "pagesync pulls new posts for a configured list of pages through an Apify actor, " +
		"stores each post once, and remembers a per-page cursor so the next run only asks for newer posts.",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("pagesync %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "config directory")
	rootCmd.AddCommand(versionCmd)
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pagesync"
	}
	return filepath.Join(home, ".pagesync")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
