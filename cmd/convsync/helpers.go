package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Prismer-AI/convsync"
	"github.com/dustin/go-humanize"
)

// getClient creates a client authenticated with the configured token.
func getClient(cfg *Config) *convsync.Client {
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'convsync init <token>' first.")
		os.Exit(1)
	}
	var opts []convsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, convsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Sync.PageSize > 0 {
		opts = append(opts, convsync.WithPageSize(cfg.Sync.PageSize))
	}
	opts = append(opts, convsync.WithAgent("convsync-cli/"+version))
	return convsync.NewClient(cfg.Default.Token, opts...)
}

// engineOptions maps the config onto engine options.
func engineOptions(cfg *Config, logger *slog.Logger) []convsync.Option {
	opts := []convsync.Option{
		convsync.WithSelfID(cfg.Default.UserID),
		convsync.WithLogger(logger),
	}
	if cfg.Sync.ReadThreshold > 0 {
		opts = append(opts, convsync.WithReadThreshold(cfg.Sync.ReadThreshold))
	}
	return opts
}

// connectRealtime connects the configured transport and returns it with its
// disconnect func.
func connectRealtime(ctx context.Context, client *convsync.Client, transport string, logger *slog.Logger) (convsync.Subscriber, func(), error) {
	rc := &convsync.RealtimeConfig{AutoReconnect: true, Logger: logger}
	switch transport {
	case "", "ws":
		ws := client.NewRealtimeWS(rc)
		ws.OnReconnecting(func(attempt int, delay time.Duration) {
			logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		})
		if err := ws.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return ws, func() { ws.Disconnect() }, nil
	case "sse":
		sse := client.NewRealtimeSSE(rc)
		sse.OnReconnecting(func(attempt int, delay time.Duration) {
			logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		})
		if err := sse.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return sse, func() { sse.Disconnect() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (valid: ws, sse)", transport)
	}
}

// noRealtime is used by one-shot commands that never listen.
type noRealtime struct{}

func (noRealtime) Subscribe(ctx context.Context, conversationID string, handler func(convsync.Message)) (convsync.Subscription, error) {
	return convsync.SubscriptionFunc(func() error { return nil }), nil
}

// tailView is a terminal pinned to the bottom: the last rows messages are
// visible, one row each.
type tailView struct {
	rows int
	ids  []string
}

func (v *tailView) Render(msgs []convsync.Message) {
	v.ids = v.ids[:0]
	for _, m := range msgs {
		v.ids = append(v.ids, m.ID)
	}
}

func (v *tailView) ScrollTop() float64 {
	if top := len(v.ids) - v.rows; top > 0 {
		return float64(top)
	}
	return 0
}

func (v *tailView) SetScrollTop(float64) {}
func (v *tailView) ViewportHeight() float64 { return float64(v.rows) }
func (v *tailView) ContentHeight() float64 { return float64(len(v.ids)) }

func (v *tailView) ItemBounds(id string) (float64, float64, bool) {
	for i, x := range v.ids {
		if x == id {
			return float64(i), 1, true
		}
	}
	return 0, 0, false
}

// printMessage writes one message line.
func printMessage(w io.Writer, m convsync.Message, selfID string) {
	author := m.AuthorID
	if author == selfID && selfID != "" {
		author = "you"
	}
	state := ""
	switch m.DeliveryState {
	case convsync.Pending:
		state = " (sending)"
	case convsync.Failed:
		state = " (failed)"
	}
	body := strings.ReplaceAll(m.Body, "\n", " ")
	fmt.Fprintf(w, "%-14s %-10s %s: %s%s", humanize.Time(m.CreatedAt), m.ID, author, body, state)
	if n := len(m.Attachments); n > 0 {
		fmt.Fprintf(w, " [%s]", pluralize(n, "attachment"))
	}
	fmt.Fprintln(w)
}

func printWindow(w io.Writer, win convsync.Window, selfID string) {
	for _, m := range win.Snapshot() {
		printMessage(w, m, selfID)
	}
}

func pluralize(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return humanize.Comma(int64(n)) + " " + word + "s"
}

// maskKey shows the first 4 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
