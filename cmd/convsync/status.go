package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/Prismer-AI/convsync"
	"github.com/spf13/cobra"
)

var statusConversation string

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	statusCmd.Flags().StringVar(&statusConversation, "check", "", "Fetch one history page of this conversation to test access")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the effective configuration and, with --check, fetch one history page to verify the token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println("Configuration:")
		fmt.Printf("  Config file: %s\n", path)
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, convsync.DefaultBaseURL+" (default)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))

		fmt.Println()
		fmt.Println("Sync:")
		fmt.Printf("  Transport:      %s\n", valueOrDefault(cfg.Sync.Transport, "ws"))
		if cfg.Sync.PageSize > 0 {
			fmt.Printf("  Page size:      %d\n", cfg.Sync.PageSize)
		} else {
			fmt.Println("  Page size:      (server default)")
		}
		fmt.Printf("  Read threshold: %gpx\n", readThreshold(cfg))
		fmt.Printf("  Log level:      %s\n", valueOrDefault(cfg.Log.Level, "info"))

		if statusConversation == "" || cfg.Default.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live check:")
		client := getClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		start := time.Now()
		page, err := client.FetchHistory(ctx, statusConversation, "")
		if err != nil {
			fmt.Printf("  History:     error: %v\n", err)
			return nil
		}
		more := "no older pages"
		if page.NextCursor != "" {
			more = "more available"
		}
		fmt.Printf("  History:     %s (%s) in %s\n", pluralize(len(page.Messages), "message"), more, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func readThreshold(cfg *Config) float64 {
	if cfg.Sync.ReadThreshold > 0 {
		return cfg.Sync.ReadThreshold
	}
	return convsync.DefaultReadThreshold
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("convsync %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
