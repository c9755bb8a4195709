package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Prismer-AI/convsync"
	"github.com/spf13/cobra"
)

var (
	watchTransport   string
	watchRows        int
	watchInteractive bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "Realtime transport: ws or sse (default from config)")
	watchCmd.Flags().IntVar(&watchRows, "rows", 20, "Rows treated as visible for read receipts")
	watchCmd.Flags().BoolVarP(&watchInteractive, "interactive", "i", false, "Send each line read from stdin")
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation over the realtime channel and print messages as the window changes.\nMessages from others are marked read as they arrive.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)
		client := getClient(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		transport := watchTransport
		if transport == "" {
			transport = cfg.Sync.Transport
		}
		sub, disconnect, err := connectRealtime(ctx, client, transport, logger)
		if err != nil {
			return fmt.Errorf("connect %s: %w", valueOrDefault(transport, "ws"), err)
		}
		defer disconnect()

		engine := convsync.NewEngine(convsync.NewBackend(client, sub), engineOptions(cfg, logger)...)
		defer engine.Close()
		session, err := engine.Open(ctx, args[0])
		if err != nil {
			return err
		}

		var (
			mu      sync.Mutex
			printed = make(map[string]bool)
		)
		render := func(win convsync.Window) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range win.Snapshot() {
				if printed[m.ID] || m.DeliveryState == convsync.Pending {
					continue
				}
				printed[m.ID] = true
				printMessage(os.Stdout, m, cfg.Default.UserID)
			}
		}
		// Each change is shown at the bottom of the terminal, so the
		// viewport is rebuilt from the window it reports.
		viewport := func(win convsync.Window) {
			view := &tailView{rows: watchRows}
			view.Render(win.Snapshot())
			session.OnViewport(view)
		}
		session.On(convsync.EventChanged, func(_ string, p any) {
			win := p.(convsync.Window)
			render(win)
			viewport(win)
		})
		session.On(convsync.EventSendFailed, func(_ string, p any) {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", p)
		})
		session.On(convsync.EventHistoryFailed, func(_ string, p any) {
			fmt.Fprintf(os.Stderr, "history: %v\n", p)
		})

		if err := session.LoadOlder(ctx); err != nil {
			return err
		}
		viewport(session.Snapshot())

		if watchInteractive {
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					if line := scanner.Text(); line != "" {
						if _, err := session.Send(ctx, line, nil); err != nil {
							return
						}
					}
				}
			}()
		}

		<-ctx.Done()
		session.Wait()
		return nil
	},
}
