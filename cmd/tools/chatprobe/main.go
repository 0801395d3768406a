// Command chatprobe talks to the workflow backend from the terminal and
// archives each finished exchange.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wsuo/argochainhub-platform-sub001/internal/config"
	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/workflow"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/ledger"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/persistence"
	"github.com/wsuo/argochainhub-platform-sub001/internal/service/upstream"
)

type probeOptions struct {
	baseURL string
	apiKey  string
	path    string
	user    string
	archive string
	timeout time.Duration
	reset   bool
	limit   int
	verbose bool
}

func main() {
	_ = godotenv.Load()

	opts := &probeOptions{}
	rootCmd := &cobra.Command{
		Use:   "chatprobe",
		Short: "Stream queries through the workflow backend and inspect archived conversations",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.WarnLevel
			if opts.verbose {
				level = logging.DebugLevel
			}
			logging.Init(logging.Config{Level: level, Output: os.Stderr, Pretty: true})
			return fillFromEnv(opts)
		},
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.baseURL, "base-url", "", "workflow backend base URL (default UPSTREAM_BASE_URL)")
	flags.StringVar(&opts.apiKey, "api-key", "", "workflow backend API key (default UPSTREAM_API_KEY)")
	flags.StringVar(&opts.archive, "archive", "", "SQLite archive path; empty logs records instead")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newAskCmd(opts), newHistoryCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fillFromEnv(opts *probeOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.baseURL == "" {
		opts.baseURL = cfg.Upstream.BaseURL
	}
	if opts.apiKey == "" {
		opts.apiKey = cfg.Upstream.APIKey
	}
	opts.path = cfg.Upstream.Path
	if opts.archive == "" && cfg.Persist.Backend == config.PersistSQLite {
		opts.archive = cfg.Persist.SQLitePath
	}
	return nil
}

func newAskCmd(opts *probeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [query...]",
		Short: "Send each query in turn, continuing one dialogue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.baseURL == "" {
				return fmt.Errorf("no backend configured: pass --base-url or set UPSTREAM_BASE_URL")
			}
			gateway, closeGateway, err := openGateway(opts.archive)
			if err != nil {
				return err
			}
			defer closeGateway()

			client := upstream.NewClient(upstream.Config{BaseURL: opts.baseURL, APIKey: opts.apiKey, Path: opts.path})
			sessions := ledger.New(gateway)
			for i, query := range args {
				if i > 0 && opts.reset {
					client.ResetConversation()
				}
				if err := ask(cmd.Context(), opts, client, sessions, query); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.user, "user", "chatprobe", "user identifier sent upstream")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "per-query timeout")
	cmd.Flags().BoolVar(&opts.reset, "reset", false, "start a fresh dialogue for every query")
	return cmd
}

func ask(ctx context.Context, opts *probeOptions, client *upstream.Client, sessions *ledger.Ledger, query string) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	id := uuid.NewString()
	sessions.Start(id, query, nil, opts.user)
	out := os.Stdout
	fmt.Fprintf(out, "> %s\n", query)

	err := client.Stream(ctx, upstream.Request{Query: query, User: opts.user}, upstream.Handlers{
		OnDelta: func(fragment string) { fmt.Fprint(out, fragment) },
		OnEvent: func(evt workflow.Event) { sessions.Accumulate(id, evt) },
	})
	fmt.Fprintln(out)
	if err != nil {
		sessions.Discard(id)
		return fmt.Errorf("query %q: %w", query, err)
	}

	snap, _ := sessions.Get(id)
	persisted := sessions.Finish(context.WithoutCancel(ctx), id)
	fmt.Fprintf(out, "[conversation=%s events=%d persisted=%t", snap.PersistenceKey(), len(snap.Transcript), persisted)
	if snap.Usage != nil {
		fmt.Fprintf(out, " tokens=%d", snap.Usage.TotalTokens)
	}
	fmt.Fprintln(out, "]")
	return nil
}

func newHistoryCmd(opts *probeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.archive == "" {
				return fmt.Errorf("no archive configured: pass --archive")
			}
			store, err := persistence.NewSQLiteGateway(opts.archive)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), opts.limit)
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Fprintf(os.Stdout, "%s  %s  %s\n    %s\n",
					rec.ArchivedAt.Local().Format(time.DateTime),
					rec.ConversationID,
					rec.UserQuery,
					truncate(rec.FinalAnswer, 120))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum records to show")
	return cmd
}

func openGateway(path string) (persistence.Gateway, func(), error) {
	if path == "" {
		return persistence.LogGateway{}, func() {}, nil
	}
	store, err := persistence.NewSQLiteGateway(path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "…"
	}
	return s
}
