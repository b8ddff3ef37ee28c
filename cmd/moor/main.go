package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moored/moor/pkg/types"
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
		os.Exit(types.ExitUsage)
	}
}

var rootCmd = &cobra.Command{
	Use:   "moor",
	Short: "Moor - Deploy a repository to a remote host as a container",
	Long: `Moor takes an application repository and a remote host and makes the
application serve from it: it fetches the source, provisions the host
with a container runtime and reverse proxy over SSH, builds the image
on the target, swaps the release in without downtime, and routes nginx
to it.

Runs are idempotent: re-deploying converges the host to the requested
state instead of failing on leftovers from the previous run.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Moor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(statusCmd)
}
