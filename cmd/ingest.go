package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/adapter"
	"github.com/transparenciahub/procurement-cli/internal/cache"
	"github.com/transparenciahub/procurement-cli/internal/ingest"
	"github.com/transparenciahub/procurement-cli/internal/resilience"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

var (
	ingestSourceID int64
	ingestPage     int
	ingestPageSize int
	ingestRunID    string
	ingestAdapter  string
)

// bulkAdapters names the sources imported with the page-upsert policy.
// BASE is the authoritative high-volume portal; everything else goes
// through the non-destructive merge.
var bulkAdapters = []string{"portalbase"}

// buildOrchestrator wires the full ingestion pipeline from config.
func buildOrchestrator(ctx context.Context, st *store.Store) (*ingest.Orchestrator, func(), error) {
	var (
		shared  cache.Store
		cleanup = func() {}
	)
	if cfg.Redis.Addr != "" {
		redis, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, eris.Wrap(err, "connect redis")
		}
		shared = redis
		cleanup = func() { _ = redis.Close() }
	} else {
		shared = cache.NewMemory()
	}

	breaker := resilience.NewBreaker(shared, resilience.BreakerConfig{
		FailureThreshold: cfg.Ingest.BreakerFailureThreshold,
		TTL:              cfg.Ingest.BreakerTTL(),
	})
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Ingest.MaxRetries

	resolver := ingest.NewResolver(st)
	merger := ingest.NewMerger(st, resolver, cfg.Ingest.DedupCandidateCap)
	orchestrator := ingest.NewOrchestrator(st, adapter.NewRegistry(), breaker, merger, ingest.Options{
		Retry:        retry,
		PageDelay:    cfg.Ingest.PageDelay(),
		PageSize:     cfg.Ingest.PageSize,
		BulkAdapters: bulkAdapters,
	})
	return orchestrator, cleanup, nil
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run contract ingestion",
}

var ingestPageCmd = &cobra.Command{
	Use:   "page",
	Short: "Process a single page of one run",
	Long:  "Processes one (source, page, run-id) unit. External schedulers retry this command; a stale run id makes it a no-op.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		orchestrator, cleanup, err := buildOrchestrator(ctx, st)
		if err != nil {
			return err
		}
		defer cleanup()

		pageSize := ingestPageSize
		if pageSize <= 0 {
			pageSize = cfg.Ingest.PageSize
		}
		res, err := orchestrator.IngestPage(ctx, ingest.PageRequest{
			DataSourceID: ingestSourceID,
			Page:         ingestPage,
			PageSize:     pageSize,
			RunID:        ingestRunID,
		})
		if err != nil {
			return eris.Wrapf(err, "ingest page %d of source %d", ingestPage, ingestSourceID)
		}

		zap.L().Info("page complete",
			zap.Int64("data_source_id", ingestSourceID),
			zap.Int("page", ingestPage),
			zap.Int("fetched", res.Stats.Fetched),
			zap.Int("inserted", res.Stats.Inserted),
			zap.Int("updated", res.Stats.Updated),
			zap.Int("failed", res.Stats.Failed),
			zap.Bool("continue", res.Continue),
		)
		return nil
	},
}

var ingestSourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Ingest one source, resuming from its checkpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		orchestrator, cleanup, err := buildOrchestrator(ctx, st)
		if err != nil {
			return err
		}
		defer cleanup()

		runID := ingestRunID
		if runID == "" {
			runID = uuid.New().String()
		}
		res, err := orchestrator.IngestSource(ctx, ingestSourceID, runID, ingestPageSize)
		if err != nil {
			return eris.Wrapf(err, "ingest source %d", ingestSourceID)
		}

		zap.L().Info("ingestion complete",
			zap.Int64("data_source_id", res.DataSourceID),
			zap.String("run_id", res.RunID),
			zap.Int("pages", res.Pages),
			zap.Int("fetched", res.Stats.Fetched),
			zap.Int("inserted", res.Stats.Inserted),
			zap.Int("updated", res.Stats.Updated),
			zap.Int("failed", res.Stats.Failed),
		)
		return nil
	},
}

var ingestFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Re-ingest one source from the first page",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		orchestrator, cleanup, err := buildOrchestrator(ctx, st)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := orchestrator.IngestFull(ctx, ingestSourceID, ingestPageSize)
		if err != nil {
			return eris.Wrapf(err, "full ingest of source %d", ingestSourceID)
		}

		zap.L().Info("full ingestion complete",
			zap.Int64("data_source_id", res.DataSourceID),
			zap.String("run_id", res.RunID),
			zap.Int("pages", res.Pages),
			zap.Int("fetched", res.Stats.Fetched),
			zap.Int("inserted", res.Stats.Inserted),
			zap.Int("updated", res.Stats.Updated),
			zap.Int("failed", res.Stats.Failed),
		)
		return nil
	},
}

var ingestAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Ingest every active source under a fresh run id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		orchestrator, cleanup, err := buildOrchestrator(ctx, st)
		if err != nil {
			return err
		}
		defer cleanup()

		runs, err := orchestrator.EnqueueAll(ctx, ingestAdapter, ingestPageSize)
		if err != nil {
			return eris.Wrap(err, "ingest all")
		}

		var failed int
		for _, run := range runs {
			if run.Err != nil {
				failed++
			}
		}
		zap.L().Info("ingestion sweep complete",
			zap.Int("sources", len(runs)),
			zap.Int("failed_sources", failed),
		)
		if failed > 0 {
			return eris.Errorf("%d of %d sources failed", failed, len(runs))
		}
		return nil
	},
}

func init() {
	ingestPageCmd.Flags().Int64Var(&ingestSourceID, "id", 0, "data source id (required)")
	ingestPageCmd.Flags().IntVar(&ingestPage, "page", 0, "page number (required)")
	ingestPageCmd.Flags().StringVar(&ingestRunID, "run-id", "", "run id the page belongs to (required)")
	_ = ingestPageCmd.MarkFlagRequired("id")
	_ = ingestPageCmd.MarkFlagRequired("page")
	_ = ingestPageCmd.MarkFlagRequired("run-id")

	ingestSourceCmd.Flags().Int64Var(&ingestSourceID, "id", 0, "data source id (required)")
	ingestSourceCmd.Flags().StringVar(&ingestRunID, "run-id", "", "resume an existing run instead of starting a new one")
	_ = ingestSourceCmd.MarkFlagRequired("id")

	ingestFullCmd.Flags().Int64Var(&ingestSourceID, "id", 0, "data source id (required)")
	_ = ingestFullCmd.MarkFlagRequired("id")

	ingestAllCmd.Flags().StringVar(&ingestAdapter, "adapter", "", "limit the sweep to one adapter")

	ingestCmd.PersistentFlags().IntVar(&ingestPageSize, "page-size", 0, "override the configured page size")
	ingestCmd.AddCommand(ingestPageCmd)
	ingestCmd.AddCommand(ingestSourceCmd)
	ingestCmd.AddCommand(ingestFullCmd)
	ingestCmd.AddCommand(ingestAllCmd)
	rootCmd.AddCommand(ingestCmd)
}
