// Package cmd implements the pan CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pan",
	Short: "Agent supervision and pipeline orchestration engine",
	Long: `Panopticon supervises long-running AI coding agents in tmux sessions
and drives their changes through a review, test, and merge pipeline of
specialist agents.

The engine runs as a single process (pan serve) exposing an HTTP/JSON
control surface. State lives under ~/.panopticon; agent transcripts are
read from the runtime's project directories.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pan:", err)
		return 1
	}
	return 0
}
