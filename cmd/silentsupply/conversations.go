package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	silentsupply "github.com/silentsupply/silentsupply/sdk/golang"
)

var (
	conversationsUnread  bool
	conversationsJSON    bool
	conversationShowJSON bool
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Browse conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()

		convs, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsUnread {
			kept := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					kept = append(kept, c)
				}
			}
			convs = kept
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		printConversations(convs)
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation's details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()

		c, err := client.Conversations.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationShowJSON {
			return printJSON(c)
		}

		fmt.Printf("ID:       %d\n", c.ID)
		fmt.Printf("Type:     %s\n", c.Type)
		if c.ReferenceID != nil {
			fmt.Printf("Ref:      %s #%d\n", c.Type, *c.ReferenceID)
		}
		fmt.Printf("Subject:  %s\n", c.Title())
		fmt.Printf("Created:  %s\n", relTime(c.CreatedAt))
		fmt.Printf("Unread:   %d\n", c.UnreadCount)
		fmt.Println("Participants:")
		for _, p := range c.Participants {
			fmt.Printf("  %d  %s\n", p.CompanyID, p.CompanyName)
		}
		if c.HasPreview() {
			fmt.Printf("Last message (%s) %s: %s\n", relTime(*c.LastMessageAt), deref(c.LastMessageSenderName), deref(c.LastMessagePreview))
		}
		return nil
	},
}

var conversationsSubjectCmd = &cobra.Command{
	Use:   "subject <conversation-id> <subject>",
	Short: "Change a conversation's subject",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()

		c, err := client.Conversations.UpdateSubject(ctx, id, strings.Join(args[1:], " "))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %d is now %q\n", c.ID, c.Title())
		return nil
	},
}

var conversationsReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()

		if err := client.Conversations.MarkRead(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %d marked as read\n", id)
		return nil
	},
}

func printConversations(convs []silentsupply.Conversation) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tUNREAD\tACTIVITY\tLAST MESSAGE")
	for _, c := range convs {
		preview := ""
		if c.HasPreview() {
			preview = deref(c.LastMessageSenderName) + ": " + deref(c.LastMessagePreview)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", c.ID, c.Title(), c.UnreadCount, relTime(c.ActivityAt()), preview)
	}
	w.Flush()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func init() {
	conversationsListCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsListCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsShowCmd.Flags().BoolVar(&conversationShowJSON, "json", false, "Output raw JSON")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsSubjectCmd)
	conversationsCmd.AddCommand(conversationsReadCmd)
	rootCmd.AddCommand(conversationsCmd)
}
