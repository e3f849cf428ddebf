package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sealor/ops-assistant/pkg/model"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Manage saved conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations",
	Args:  cobra.NoArgs,
	RunE:  runConversationsList,
}

var conversationsRenameCmd = &cobra.Command{
	Use:   "rename [id] [title]",
	Short: "Rename a conversation",
	Args:  cobra.ExactArgs(2),
	RunE:  runConversationsRename,
}

var conversationsPinCmd = &cobra.Command{
	Use:   "pin [id]",
	Short: "Pin or unpin a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsPin,
}

var conversationsDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsDelete,
}

func init() {
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsRenameCmd)
	conversationsCmd.AddCommand(conversationsPinCmd)
	conversationsCmd.AddCommand(conversationsDeleteCmd)
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := a.store.Refresh(cmd.Context()); err != nil {
		return err
	}
	printConversations(cmd.OutOrStdout(), a.store.List(), "")
	return nil
}

func runConversationsRename(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return a.store.Rename(cmd.Context(), args[0], args[1])
}

func runConversationsPin(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	// the store only toggles conversations it has listed
	if err := a.store.Refresh(cmd.Context()); err != nil {
		return err
	}
	if err := a.store.TogglePin(cmd.Context(), args[0]); err != nil {
		return err
	}
	if summary, ok := a.store.Get(args[0]); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s pinned: %t\n", summary.ID, summary.Pinned)
	}
	return nil
}

func runConversationsDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	return a.store.Delete(cmd.Context(), args[0])
}

func printConversations(w io.Writer, summaries []model.ConversationSummary, activeID string) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No conversations.")
		return
	}
	for _, c := range summaries {
		marker := " "
		if c.ID == activeID {
			marker = ">"
		}
		pin := " "
		if c.Pinned {
			pin = "*"
		}
		last := "-"
		if c.LastMessageAt != nil {
			last = c.LastMessageAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s%s %-36s %-16s %3d  %s\n", marker, pin, c.ID, last, c.MessageCount, c.DisplayTitle())
	}
}
