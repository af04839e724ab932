package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	silentsupply "github.com/silentsupply/silentsupply/sdk/golang"
)

var unreadJSON bool

func init() {
	unreadCmd.Flags().BoolVar(&unreadJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(unreadCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the effective configuration, decode the stored session token, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(s.baseURL, "(default)"))
		fmt.Printf("  Log level:   %s\n", s.logLevel)

		client, err := s.client(false)
		if err != nil {
			return err
		}
		session := client.Session()

		fmt.Println()
		fmt.Println("Session:")
		if !session.Authenticated() {
			fmt.Println("  Token:       (not logged in)")
			return nil
		}
		fmt.Printf("  Email:       %s\n", valueOrDefault(session.Email(), "(unknown)"))
		if id := session.CompanyID(); id != 0 {
			fmt.Printf("  Company ID:  %d\n", id)
		}
		if role := session.Role(); role != "" {
			fmt.Printf("  Role:        %s\n", role)
		}

		tokenStatus := "present (no expiry)"
		if exp := session.ExpiresAt(); !exp.IsZero() {
			if session.Expired() {
				tokenStatus = fmt.Sprintf("EXPIRED (%s)", humanize.Time(exp))
			} else {
				tokenStatus = fmt.Sprintf("valid (expires %s)", humanize.Time(exp))
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)
		if session.Expired() {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()

		counts, err := fetchUnread(ctx, client)
		if err != nil {
			fmt.Printf("  Error fetching unread counts: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread messages:      %d\n", counts.Messages)
		fmt.Printf("  Unread notifications: %d\n", counts.Notifications)
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread message and notification counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd.Context())
		defer cancel()

		counts, err := fetchUnread(ctx, client)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if unreadJSON {
			return printJSON(counts)
		}
		fmt.Printf("Messages:      %d\n", counts.Messages)
		fmt.Printf("Notifications: %d\n", counts.Notifications)
		return nil
	},
}

type unreadCounts struct {
	Messages      int64 `json:"messages"`
	Notifications int64 `json:"notifications"`
}

func fetchUnread(ctx context.Context, client *silentsupply.Client) (*unreadCounts, error) {
	var counts unreadCounts
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := client.Messages.UnreadCount(ctx)
		counts.Messages = n
		return err
	})
	g.Go(func() error {
		n, err := client.Notifications.UnreadCount(ctx)
		counts.Notifications = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &counts, nil
}
