// Command chatclient runs a chat session against the gateway and REST API
// from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Terminal client for donor/recipient chats",
	Long: `chatclient connects to the chat gateway with the token in CHAT_TOKEN,
loads the user's chats and keeps them in sync.

Configuration is read from an optional YAML file (--config) and overridden
by environment variables such as CHAT_GATEWAY_URL, CHAT_STORE_URL,
CHAT_TRANSPORT, NATS_URL, REDIS_ADDR, LOG_LEVEL and METRICS_ADDR.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(watchCmd, sendCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
