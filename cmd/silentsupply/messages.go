package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	silentsupply "github.com/silentsupply/silentsupply/sdk/golang"
)

var (
	messagesPage int
	messagesSize int
	messagesJSON bool

	sendTo            int64
	sendConversation  int64
	sendSubject       string
	sendReferenceType string
	sendReferenceID   int64
	sendJSON          bool
)

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print one page of a conversation's history",
	Long:  "Print one page of a conversation's history, oldest first.\nPage 0 holds the newest messages; higher pages go back in time.",
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

		page, err := client.Messages.Page(ctx, id, messagesPage, messagesSize)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(page)
		}

		msgs := slices.Clone(page.Content)
		slices.Reverse(msgs)
		for _, m := range msgs {
			printMessage(m)
		}
		if !page.Last {
			fmt.Printf("-- page %d of %d, older: --page %d\n", page.Number+1, page.TotalPages, page.Number+1)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message",
	Long: `Send a message to an existing conversation, to a company directly, or about an RFQ or order.
Exactly one of --conversation, --to, or --reference-type/--reference-id is required.

Examples:
  silentsupply send --conversation 12 "Can you ship by Friday?"
  silentsupply send --to 42 --subject "Bulk pricing" "Hello"
  silentsupply send --reference-type RFQ --reference-id 7 "Quote attached"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &silentsupply.SendMessageRequest{
			ConversationID:     sendConversation,
			RecipientCompanyID: sendTo,
			ReferenceType:      silentsupply.ConversationType(strings.ToUpper(sendReferenceType)),
			ReferenceID:        sendReferenceID,
			Subject:            sendSubject,
			Content:            strings.Join(args, " "),
		}
		if err := req.Validate(); err != nil {
			return err
		}

		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()

		msg, err := client.Messages.Send(ctx, req)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %d\n", msg.ConversationID)
		fmt.Printf("  Message ID: %d\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

func init() {
	messagesCmd.Flags().IntVar(&messagesPage, "page", 0, "Page number, 0 is the newest")
	messagesCmd.Flags().IntVar(&messagesSize, "size", silentsupply.DefaultPageSize, "Messages per page")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().Int64Var(&sendTo, "to", 0, "Recipient company ID (direct conversation)")
	sendCmd.Flags().Int64Var(&sendConversation, "conversation", 0, "Existing conversation ID")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Subject for a new conversation")
	sendCmd.Flags().StringVar(&sendReferenceType, "reference-type", "", "RFQ or ORDER")
	sendCmd.Flags().Int64Var(&sendReferenceID, "reference-id", 0, "ID of the RFQ or order")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
}
