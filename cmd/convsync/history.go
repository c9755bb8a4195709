package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Prismer-AI/convsync"
	"github.com/spf13/cobra"
)

var (
	historyPages int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyPages, "pages", "n", 1, "Number of pages to load")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Page through a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)
		client := getClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		engine := convsync.NewEngine(convsync.NewBackend(client, noRealtime{}), engineOptions(cfg, logger)...)
		defer engine.Close()
		session, err := engine.Open(ctx, args[0])
		if err != nil {
			return err
		}

		for i := 0; i < historyPages && session.Snapshot().HasMore; i++ {
			if err := session.LoadOlder(ctx); err != nil {
				return err
			}
		}

		win := session.Snapshot()
		if historyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(win.Snapshot())
		}
		printWindow(os.Stdout, win, cfg.Default.UserID)
		more := "no older messages"
		if win.HasMore {
			more = "more available"
		}
		fmt.Printf("\n%s loaded, %s\n", pluralize(win.Len(), "message"), more)
		return nil
	},
}

