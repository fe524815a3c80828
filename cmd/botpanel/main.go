package main

import (
	"context"
	"fmt"
	"os"

	"github.com/persona-labs/botpanel/internal/panel"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "botpanel",
	Short:   "BotPanel - chat-bot persona entitlement panel",
	Long:    `BotPanel grants or revokes access to chat-bot personas per Discord guild or Twitch channel based on subscription state.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return panel.Run(context.Background(), Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("BotPanel %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
