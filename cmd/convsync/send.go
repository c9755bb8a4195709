package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Prismer-AI/convsync"
	"github.com/spf13/cobra"
)

var sendAttach []string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "File to attach (repeatable)")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <body>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)
		client := getClient(cfg)

		var atts []convsync.Attachment
		for _, path := range sendAttach {
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("attachment %s: %w", path, err)
			}
			atts = append(atts, convsync.Attachment{SourceRef: "file://" + abs, IsLocalPreview: true})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		engine := convsync.NewEngine(convsync.NewBackend(client, noRealtime{}), engineOptions(cfg, logger)...)
		defer engine.Close()
		session, err := engine.Open(ctx, args[0])
		if err != nil {
			return err
		}

		var failure error
		session.On(convsync.EventSendFailed, func(_ string, p any) { failure = p.(error) })

		tempID, err := session.Send(ctx, args[1], atts)
		if err != nil {
			return err
		}
		session.Wait()

		if failure != nil {
			return failure
		}
		msgs := session.Messages()
		if len(msgs) == 0 {
			return errors.New("message vanished before confirmation")
		}
		m := msgs[len(msgs)-1]
		fmt.Printf("Sent %s (was %s)\n", m.ID, tempID)
		return nil
	},
}
