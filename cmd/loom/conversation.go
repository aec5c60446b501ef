package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/bus"
	"github.com/haasonsaas/loom/pkg/model"
)

// buildConversationCmd builds the conversation subcommand group used
// for local smoke-testing: create, send, and tail exercise the
// Coordinator's public operations against an in-process graph built
// from the same config the serve command uses.
func buildConversationCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Exercise a conversation against an in-process coordinator",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (default: built-in defaults)")

	cmd.AddCommand(
		buildConversationCreateCmd(&configPath),
		buildConversationSendCmd(&configPath),
		buildConversationTailCmd(&configPath),
	)
	return cmd
}

func buildConversationCreateCmd(configPath *string) *cobra.Command {
	var userID, title string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new conversation and print its ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			graph, err := buildGraph(ctx, cfg)
			if err != nil {
				return err
			}
			defer graph.Close()

			conv := &model.Conversation{UserID: userID, Title: title}
			if err := graph.store.CreateConversation(ctx, conv); err != nil {
				return fmt.Errorf("failed to create conversation: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "User ID to attribute the conversation to")
	cmd.Flags().StringVar(&title, "title", "", "Optional conversation title")
	return cmd
}

func buildConversationSendCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <message>",
		Short: "Queue a user message onto a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			graph, err := buildGraph(ctx, cfg)
			if err != nil {
				return err
			}
			defer graph.Close()

			msg, err := graph.coordinator.QueueMessage(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to queue message: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
			return nil
		},
	}
	return cmd
}

func buildConversationTailCmd(configPath *string) *cobra.Command {
	var showStats bool

	cmd := &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Stream a conversation's events to stdout until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			graph, err := buildGraph(ctx, cfg)
			if err != nil {
				return err
			}
			defer graph.Close()

			return tailConversation(ctx, cmd, graph, args[0], showStats)
		},
	}
	cmd.Flags().BoolVar(&showStats, "stats", false, "Print a run-statistics summary on exit")
	return cmd
}

func tailConversation(ctx context.Context, cmd *cobra.Command, graph *serverGraph, conversationID string, showStats bool) error {
	snapshot, events, unsubscribe, err := graph.coordinator.StreamConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to stream conversation: %w", err)
	}
	defer unsubscribe()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "conversation %s: %d messages so far\n", conversationID, len(snapshot.Messages))

	stats := newRunStats()

	for {
		select {
		case <-ctx.Done():
			if showStats {
				stats.print(out)
			}
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if showStats {
					stats.print(out)
				}
				return nil
			}
			stats.observe(ev)
			printEvent(out, ev)
		}
	}
}

func printEvent(out io.Writer, ev bus.Event) {
	switch ev.Type {
	case bus.EventBlockDelta:
		if delta, ok := ev.Payload.(string); ok {
			fmt.Fprint(out, delta)
			return
		}
	case bus.EventPromptStarted:
		fmt.Fprintf(out, "\n[prompt %s started]\n", ev.PromptID)
	case bus.EventPromptCompleted:
		fmt.Fprintf(out, "\n[prompt %s completed]\n", ev.PromptID)
	case bus.EventPromptFailed:
		fmt.Fprintf(out, "\n[prompt %s failed]\n", ev.PromptID)
	case bus.EventToolCallStarted:
		fmt.Fprintf(out, "\n[tool call started]\n")
	case bus.EventToolCallComplete:
		fmt.Fprintf(out, "\n[tool call completed]\n")
	case bus.EventToolCallFailed:
		fmt.Fprintf(out, "\n[tool call failed]\n")
	}
}

// runStats accumulates the per-conversation counters the CLI's
// `conversation tail --stats` flag reports on exit: event counts by
// type, tool-call counts, and the number of prompts observed.
type runStats struct {
	eventCounts map[bus.EventType]int
	prompts     int
	toolCalls   int
}

func newRunStats() *runStats {
	return &runStats{eventCounts: make(map[bus.EventType]int)}
}

func (s *runStats) observe(ev bus.Event) {
	s.eventCounts[ev.Type]++
	switch ev.Type {
	case bus.EventPromptStarted:
		s.prompts++
	case bus.EventToolCallStarted:
		s.toolCalls++
	}
}

func (s *runStats) print(out io.Writer) {
	fmt.Fprintf(out, "\n--- run stats ---\n")
	fmt.Fprintf(out, "prompts started: %d\n", s.prompts)
	fmt.Fprintf(out, "tool calls started: %d\n", s.toolCalls)
	for t, n := range s.eventCounts {
		fmt.Fprintf(out, "%s: %d\n", t, n)
	}
}
