package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/diarist/internal/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp opens the app for one command and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, a, cmd, args)
	}
}

// --- enqueue ---

var (
	enqueueSource string
	enqueueFile   string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [text]",
	Short: "Store a journal entry and queue its blocks for analysis",
	Long:  "Store a journal entry. Text comes from the arguments, --file, or stdin. No model is called.",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		text, err := readEntryText(cmd, args)
		if err != nil {
			return err
		}
		res, err := a.eng.EnqueueEntry(ctx, text, enqueueSource)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}),
}

func readEntryText(cmd *cobra.Command, args []string) (string, error) {
	switch {
	case enqueueFile != "":
		b, err := os.ReadFile(enqueueFile)
		if err != nil {
			return "", fmt.Errorf("read entry: %w", err)
		}
		return string(b), nil
	case len(args) > 0:
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

// --- run-jobs / worker ---

var (
	runLimit    int
	runBackend  string
	runTimeout  time.Duration
	workerEvery time.Duration
)

var runJobsCmd = &cobra.Command{
	Use:   "run-jobs",
	Short: "Run one sweep of pending analysis jobs",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		res, err := a.eng.RunJobs(ctx, engine.RunOptions{Limit: runLimit, Backend: runBackend, Timeout: runTimeout})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}),
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job sweeps in a loop until interrupted",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if workerEvery <= 0 {
			return fmt.Errorf("--every must be positive")
		}
		ticker := time.NewTicker(workerEvery)
		defer ticker.Stop()
		a.log.Info().Dur("every", workerEvery).Msg("worker started")
		for {
			res, err := a.eng.RunJobs(ctx, engine.RunOptions{Limit: runLimit, Backend: runBackend, Timeout: runTimeout})
			switch {
			case err != nil && ctx.Err() == nil:
				a.log.Error().Err(err).Msg("worker: sweep failed")
			case err == nil && res.Processed > 0:
				a.log.Info().Int("processed", res.Processed).Int("done", res.Done).
					Int("rolled_up", res.RolledUp).Msg("worker: sweep")
			}
			select {
			case <-ctx.Done():
				a.log.Info().Msg("worker stopped")
				return nil
			case <-ticker.C:
			}
		}
	}),
}

// --- stats / entry / backfill ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job and entry counts",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		stats, err := a.eng.PipelineStats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	}),
}

var entryCmd = &cobra.Command{
	Use:   "entry <id>",
	Short: "Show an entry's jobs, rollup, and memory ops",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid entry id %q", args[0])
		}
		st, err := a.eng.EntryStatus(ctx, id)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("entry %d not found", id)
		}
		return printJSON(cmd.OutOrStdout(), st)
	}),
}

var backfillLimit int

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Repair entries with missing blocks, jobs, or rollups",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		res, err := a.eng.Backfill(ctx, backfillLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}),
}

// --- cards ---

var (
	cardsLimit  int
	cardHistory bool
	cardReplay  bool
)

var cardsCmd = &cobra.Command{
	Use:   "cards",
	Short: "List memory cards, most recently updated first",
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		cards, err := a.eng.Cards(ctx, cardsLimit)
		if err != nil {
			return err
		}
		if len(cards) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No memory cards yet.")
			return nil
		}
		for _, c := range cards {
			fmt.Fprintf(cmd.OutOrStdout(), "%-40s %-10s %.2f  %s\n", c.Key, c.Type, c.Confidence,
				time.UnixMilli(c.UpdatedAt).Format(time.RFC3339))
		}
		return nil
	}),
}

var cardCmd = &cobra.Command{
	Use:   "card <key>",
	Short: "Show a memory card",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		switch {
		case cardReplay:
			res, err := a.eng.ReplayCard(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		case cardHistory:
			h, err := a.eng.CardHistory(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		}
		card, err := a.eng.Card(ctx, args[0])
		if err != nil {
			return err
		}
		if card == nil {
			return fmt.Errorf("card %s not found", args[0])
		}
		return printJSON(cmd.OutOrStdout(), card)
	}),
}

// --- sync ---

var (
	syncLimit   int
	syncOrder   string
	syncWatch   bool
	resetReason string
)

var syncCmd = &cobra.Command{
	Use:   "sync [file-or-dir]",
	Short: "Send new diary text to the cloud analyzer",
	Long:  "Send the bytes past each file's watermark to the cloud analyzer and apply the returned contract. With no argument, sync.dir is used.",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if a.eng.Syncer == nil {
			return fmt.Errorf("cloud sync not configured: set sync.analyzer to stub or configure analysis.remote")
		}
		source := ""
		if len(args) > 0 {
			source = args[0]
		}
		report, err := a.eng.SyncSource(ctx, source, syncLimit, syncOrder)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if !syncWatch {
			return nil
		}
		if source != "" {
			a.cfg.Sync.Dir = source
		}
		if err := startWatcher(ctx, a); err != nil {
			return err
		}
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}),
}

var syncStateCmd = &cobra.Command{
	Use:   "sync-state <file>",
	Short: "Show a source's sync watermark",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		st, err := a.eng.SyncState(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	}),
}

var syncResetCmd = &cobra.Command{
	Use:   "sync-reset <file>",
	Short: "Forget a source's watermark so the next sync starts from byte 0",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.eng.ResetSync(ctx, args[0], resetReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
		return nil
	}),
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueSource, "source", "cli", "Source label stored with the entry")
	enqueueCmd.Flags().StringVarP(&enqueueFile, "file", "f", "", "Read the entry from a file")

	for _, c := range []*cobra.Command{runJobsCmd, workerCmd} {
		c.Flags().IntVarP(&runLimit, "limit", "n", 0, "Maximum jobs per sweep (default pipeline.claim_limit)")
		c.Flags().StringVar(&runBackend, "backend", "", "Analysis backend: local or remote (default analysis.backend)")
		c.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-attempt timeout (default pipeline.attempt_timeout)")
	}
	workerCmd.Flags().DurationVar(&workerEvery, "every", time.Minute, "Time between sweeps")

	backfillCmd.Flags().IntVarP(&backfillLimit, "limit", "n", 500, "Maximum entries to scan")

	cardsCmd.Flags().IntVarP(&cardsLimit, "limit", "n", 50, "Maximum cards to list")
	cardCmd.Flags().BoolVar(&cardHistory, "history", false, "Show the card's ops and change records")
	cardCmd.Flags().BoolVar(&cardReplay, "replay", false, "Rebuild the card from its op log and compare")

	syncCmd.Flags().IntVarP(&syncLimit, "limit", "n", 0, "Maximum files per directory sync (default sync.limit)")
	syncCmd.Flags().StringVar(&syncOrder, "order", "", "Directory order: oldest or newest (default sync.order)")
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep running and sync on file changes")
	syncResetCmd.Flags().StringVar(&resetReason, "reason", "", "Reason recorded in the audit ledger")
}
