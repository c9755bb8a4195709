package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Prismer-AI/convsync"
	"github.com/spf13/cobra"
)

var simulateVerbose bool

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().BoolVarP(&simulateVerbose, "verbose", "v", false, "Print every window change")
}

// scenario drives one session against an in-memory backend.
type scenario struct {
	name string
	run  func(ctx context.Context, api *convsync.MemoryBackend, s *convsync.Session) error
}

var scenarios = []scenario{
	{"echo before response", func(ctx context.Context, api *convsync.MemoryBackend, s *convsync.Session) error {
		_, err := s.Send(ctx, "hello", nil)
		return err
	}},
	{"response before echo", func(ctx context.Context, api *convsync.MemoryBackend, s *convsync.Session) error {
		api.HoldEchoes()
		if _, err := s.Send(ctx, "hello", nil); err != nil {
			return err
		}
		s.Wait()
		api.FlushEchoes()
		return nil
	}},
	{"identical bodies without client ids", func(ctx context.Context, api *convsync.MemoryBackend, s *convsync.Session) error {
		api.SetEchoClientIDs(false)
		api.HoldEchoes()
		for i := 0; i < 3; i++ {
			if _, err := s.Send(ctx, "ok", nil); err != nil {
				return err
			}
		}
		s.Wait()
		api.FlushEchoes()
		return nil
	}},
	{"failed send then retry", func(ctx context.Context, api *convsync.MemoryBackend, s *convsync.Session) error {
		api.FailNextSends(1)
		id, err := s.Send(ctx, "flaky network", nil)
		if err != nil {
			return err
		}
		s.Wait()
		return s.Retry(ctx, id)
	}},
	{"history racing realtime", func(ctx context.Context, api *convsync.MemoryBackend, s *convsync.Session) error {
		release := api.GateHistory()
		errc := make(chan error, 1)
		go func() { errc <- s.LoadOlder(ctx) }()
		api.Inject(convsync.Message{ConversationID: s.ConversationID(), AuthorID: "u2", Body: "live while loading"})
		release()
		return <-errc
	}},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the reconciliation scenarios against an in-memory server",
	Long:  "Run send, echo and history races against an in-memory backend and print the window each one settles on.\nNo server or token is needed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(cfg)

		failed := 0
		for i, sc := range scenarios {
			fmt.Printf("%d. %s\n", i+1, sc.name)
			res, err := runScenario(context.Background(), sc, cfg.Sync.PageSize, logger)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "   error: %v\n", err)
			}
			for _, m := range res.messages {
				fmt.Print("   ")
				printMessage(os.Stdout, m, "me")
			}
			fmt.Printf("   %s, %s pending\n\n",
				pluralize(len(res.messages), "message"),
				pluralize(res.pending, "correlation"))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(scenarios))
		}
		return nil
	},
}

type scenarioResult struct {
	messages []convsync.Message
	pending  int
}

// runScenario seeds a fresh backend with a little history, runs sc on a new
// session and returns the window it settles on.
func runScenario(ctx context.Context, sc scenario, pageSize int, logger *slog.Logger) (scenarioResult, error) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	api := convsync.NewMemoryBackend("me")
	if pageSize > 0 {
		api.SetPageSize(pageSize)
	}
	for j := 0; j < 5; j++ {
		api.Seed(convsync.Message{
			ID:             fmt.Sprintf("h%d", j+1),
			ConversationID: "demo",
			AuthorID:       "u2",
			Body:           fmt.Sprintf("older message %d", j+1),
			CreatedAt:      start.Add(time.Duration(j) * time.Minute),
		})
	}

	engine := convsync.NewEngine(convsync.NewBackend(api, api),
		convsync.WithSelfID("me"),
		convsync.WithLogger(logger),
		convsync.WithHandleStore(convsync.NewMemoryHandleStore()),
		convsync.WithIDGenerator(convsync.SequentialTempIDs()),
	)
	defer engine.Close()
	session, err := engine.Open(ctx, "demo")
	if err != nil {
		return scenarioResult{}, err
	}
	if simulateVerbose {
		session.On(convsync.EventChanged, func(_ string, p any) {
			fmt.Printf("    ~ %v\n", p.(convsync.Window).IDs())
		})
	}

	runErr := sc.run(ctx, api, session)
	session.Wait()
	return scenarioResult{messages: session.Messages(), pending: session.PendingCorrelations()}, runErr
}
