package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	silentsupply "github.com/silentsupply/silentsupply/sdk/golang"
)

var errSessionEnded = errors.New("session ended; run 'silentsupply login <email>' again")

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation interactively",
	Long:  "Show a conversation's recent history, follow new messages live, and send every line typed on stdin.\nType /older to load earlier messages and /quit to leave.",
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

		ctx, cancel := context.WithCancelCause(cmd.Context())
		defer cancel(nil)
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		defer client.Session().OnChange(func(authenticated bool) {
			if !authenticated {
				cancel(errSessionEnded)
			}
		})()

		push := silentsupply.NewPushManager(client, &silentsupply.PushConfig{
			OnStateChange: func(s silentsupply.ConnState) {
				if s == silentsupply.StateError {
					fmt.Fprintln(os.Stderr, "(live updates interrupted, reconnecting)")
				}
			},
		})
		push.Start(ctx)
		defer push.Close()

		history := silentsupply.NewMessageHistory(client, push, nil)
		defer history.Close()

		out := &chatPrinter{}
		history.OnChange(out.follow)
		if err := history.Open(ctx, id); err != nil {
			return fmt.Errorf("cannot load conversation %d: %w", id, err)
		}
		fmt.Fprintln(os.Stderr, "Type a message and press Enter. /older loads earlier messages, /quit exits.")

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				if cause := context.Cause(ctx); errors.Is(cause, errSessionEnded) {
					return cause
				}
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				line = strings.TrimSpace(line)
				switch line {
				case "":
				case "/quit":
					return nil
				case "/older":
					switch err := history.LoadOlder(ctx); {
					case errors.Is(err, silentsupply.ErrNoMoreHistory):
						fmt.Fprintln(os.Stderr, "(no older messages)")
					case err != nil:
						fmt.Fprintf(os.Stderr, "(cannot load older messages: %v)\n", err)
					default:
						out.reprint(history.Messages())
					}
				default:
					sendCtx, cancelSend := requestContext(ctx)
					_, err := history.Send(sendCtx, line)
					cancelSend()
					if err != nil {
						fmt.Fprintf(os.Stderr, "(send failed: %v)\n", err)
					}
				}
			}
		}
	},
}

// chatPrinter prints each message once, in buffer order. Messages loaded
// above the ones already shown only appear through reprint.
type chatPrinter struct {
	mu   sync.Mutex
	last int64
}

func (p *chatPrinter) follow(v silentsupply.HistoryView) {
	if v.State != silentsupply.HistoryReady && v.State != silentsupply.HistoryLoadingOlder {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	if p.last != 0 {
		start = len(v.Messages)
		for i, m := range v.Messages {
			if m.ID == p.last {
				start = i + 1
				break
			}
		}
	}
	for _, m := range v.Messages[start:] {
		printMessage(m)
		p.last = m.ID
	}
}

func (p *chatPrinter) reprint(msgs []silentsupply.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Println("--")
	for _, m := range msgs {
		printMessage(m)
		p.last = m.ID
	}
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the conversation list and notifications live",
	Long:  "Keep the conversation list and the unread notification count up to date from the push channel and the notification stream until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := authedClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		push := silentsupply.NewPushManager(client, nil)
		list := silentsupply.NewConversationList(client, push)
		stream := silentsupply.NewNotificationStream(client, nil)

		board := &watchBoard{list: list, stream: stream}
		list.OnChange(func([]silentsupply.Conversation) { board.render() })
		stream.OnChange(func(int64) { board.render() })
		stream.OnNotification(func(n silentsupply.Notification) {
			fmt.Printf("* %s\n", n.Message)
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			push.Start(ctx)
			<-ctx.Done()
			push.Close()
			push.Wait()
			return nil
		})
		g.Go(func() error {
			stream.Start(ctx)
			defer stream.Close()
			select {
			case <-ctx.Done():
				return nil
			case <-stream.Done():
				// A nil error means the session ended; the session watcher reports it.
				if ctx.Err() != nil || stream.Err() == nil {
					return nil
				}
				return fmt.Errorf("notification stream ended: %w", stream.Err())
			}
		})
		g.Go(func() error {
			defer list.Close()
			if err := list.Open(ctx); err != nil {
				return fmt.Errorf("cannot load conversations: %w", err)
			}
			<-ctx.Done()
			return nil
		})
		g.Go(func() error {
			ended := make(chan struct{})
			var once sync.Once
			remove := client.Session().OnChange(func(authenticated bool) {
				if !authenticated {
					once.Do(func() { close(ended) })
				}
			})
			defer remove()
			select {
			case <-ctx.Done():
				return nil
			case <-ended:
				return errSessionEnded
			}
		})
		return g.Wait()
	},
}

type watchBoard struct {
	list   *silentsupply.ConversationList
	stream *silentsupply.NotificationStream

	mu sync.Mutex
}

func (b *watchBoard) render() {
	if !b.list.Loaded() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fmt.Printf("\n== %s  unread messages: %d  notifications: %d\n",
		time.Now().Format(time.Kitchen), b.list.TotalUnread(), b.stream.Count())
	printConversations(b.list.Snapshot())
}
