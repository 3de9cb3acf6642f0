package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// noColor disables ANSI escapes in CLI output; set via --no-color.
var noColor bool

var rootCmd = &cobra.Command{
	Use:   "ctxd",
	Short: "Workspace context intelligence for coding agents",
	Long: `ctxd stores, retrieves, and evolves workspace context for AI coding
agents. It runs as a local daemon exposing an OpenAI-compatible proxy,
a management API, and an MCP server on stdio.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(contextCmd, composeCmd, ingestCmd, evolveCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
