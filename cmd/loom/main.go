// Package main provides the CLI entry point for loom, a durable
// conversational orchestrator that drives streaming chat completions
// against an external model provider and executes tool calls in
// per-conversation persistent shell sessions.
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Exercise a conversation locally without a running server:
//
//	loom conversation create
//	loom conversation send <id> "hello"
//	loom conversation tail <id>
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "loom",
		Short:        "loom - durable conversational orchestrator",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConversationCmd(),
	)

	return rootCmd
}
