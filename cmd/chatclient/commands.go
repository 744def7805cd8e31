package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bloodbridge/chat-client/internal/session"
)

var (
	watchChat   string
	sendChat    string
	sendTimeout time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print session changes until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send one message to a chat",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	watchCmd.Flags().StringVar(&watchChat, "chat", "", "chat to open and follow")
	sendCmd.Flags().StringVar(&sendChat, "chat", "", "chat to send to (required)")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "give up after this long")
	_ = sendCmd.MarkFlagRequired("chat")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	a.serveMetrics(ctx)
	if err := a.start(ctx); err != nil {
		return err
	}
	if watchChat != "" {
		if err := a.manager.SelectChat(ctx, watchChat); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	var last session.Snapshot
	for {
		s := a.manager.Snapshot()
		printChanges(out, last, s)
		last = s
		if !s.Started && s.Err != nil {
			return s.Err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-a.manager.Updates():
		}
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}
	if err := a.waitConnected(ctx); err != nil {
		return err
	}
	if err := a.manager.SelectChat(ctx, sendChat); err != nil {
		return err
	}
	msg, err := a.manager.SendMessage(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if msg.ID == "" {
		return fmt.Errorf("nothing sent")
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg.ID)
	return nil
}

// printChanges writes one line per visible difference between two
// snapshots.
func printChanges(w io.Writer, prev, cur session.Snapshot) {
	if prev.State != cur.State {
		fmt.Fprintf(w, "state: %s\n", cur.State)
	}
	if cur.Err != nil && cur.Err != prev.Err {
		fmt.Fprintf(w, "error: %v\n", cur.Err)
	}
	for _, c := range cur.Chats {
		before, _ := prev.Chat(c.ID)
		n := cur.UnreadCount(c.ID)
		if prev.Identity.ID != cur.Identity.ID || before.UnreadFor(cur.Identity.ID) != n {
			partner, _ := c.Partner(cur.Identity.ID)
			fmt.Fprintf(w, "chat %s with %s: %d unread\n", c.ID, partner.Name, n)
		}
	}
	seen := make(map[string]bool, len(prev.Messages))
	if prev.ActiveChatID == cur.ActiveChatID {
		for _, m := range prev.Messages {
			seen[m.ID] = true
		}
	}
	for _, m := range cur.Messages {
		if seen[m.ID] || m.Provisional {
			continue
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Format(time.Kitchen), m.Sender.Name, m.Content)
	}
	curTypist, typing := cur.Typist()
	_, wasTyping := prev.Typist()
	if typing && !wasTyping {
		fmt.Fprintf(w, "%s is typing...\n", curTypist.UserName)
	}
}
