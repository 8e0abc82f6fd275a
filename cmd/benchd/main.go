package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "benchd",
	Short: "benchd - sandboxed container execution service",
	Long: `benchd manages sandboxed Docker containers on a single host and
exposes them as an HTTP tool catalog: spawn hardened containers, run
commands with streamed output, and operate on files confined to each
container's /workspace.

All state lives in an embedded SQLite database and is reconciled
against the engine on every boot.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"benchd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}
