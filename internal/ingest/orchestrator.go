package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/adapter"
	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/resilience"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

// PageRequest identifies one unit of ingestion work. RunID ties the
// request to the run that enqueued it; a request whose run id no longer
// matches the source row is stale and must do nothing.
type PageRequest struct {
	DataSourceID int64
	Page         int
	PageSize     int
	RunID        string
}

// PageResult reports one processed page. Continue is true when the
// adapter returned a full page, meaning more pages likely remain.
type PageResult struct {
	Stats    PageStats
	Continue bool
}

// RunResult aggregates one full ingestion run over a single source.
type RunResult struct {
	DataSourceID int64
	RunID        string
	Pages        int
	Stats        PageStats
}

// SourceRun is the per-source outcome of an EnqueueAll sweep. Sources
// are independent; one source's failure never stops the others.
type SourceRun struct {
	DataSourceID int64
	RunID        string
	Result       RunResult
	Err          error
}

// Options tunes the orchestrator.
type Options struct {
	// Retry governs the fetch call wrapping each adapter page.
	Retry resilience.RetryConfig
	// PageDelay is slept between pages on top of any adapter pacing.
	PageDelay time.Duration
	// PageSize is the default page size when a caller passes 0.
	PageSize int
	// BulkAdapters names the adapter identifiers imported with the
	// page-upsert policy instead of the non-destructive merge.
	BulkAdapters []string
}

// Orchestrator drives source adapters page by page: checkpointing,
// retry, circuit breaking, and handing fetched payloads to the merger.
type Orchestrator struct {
	store    Store
	registry *adapter.Registry
	breaker  *resilience.Breaker
	merger   *Merger
	retry    resilience.RetryConfig
	delay    time.Duration
	pageSize int
	bulk     map[string]bool
}

// NewOrchestrator wires the ingestion pipeline together.
func NewOrchestrator(s Store, registry *adapter.Registry, breaker *resilience.Breaker, merger *Merger, opts Options) *Orchestrator {
	bulk := make(map[string]bool, len(opts.BulkAdapters))
	for _, id := range opts.BulkAdapters {
		bulk[id] = true
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Orchestrator{
		store:    s,
		registry: registry,
		breaker:  breaker,
		merger:   merger,
		retry:    opts.Retry,
		delay:    opts.PageDelay,
		pageSize: opts.PageSize,
		bulk:     bulk,
	}
}

// IngestPage fetches and imports one page for one source.
//
// A stale run id aborts silently. An open circuit propagates
// ErrCircuitOpen without touching the source. Transient fetch failures
// are retried; exhaustion fails the page without advancing the
// checkpoint and without marking the source errored, so the run resumes
// cleanly. Fatal errors mark the source errored and propagate.
func (o *Orchestrator) IngestPage(ctx context.Context, req PageRequest) (PageResult, error) {
	ds, err := o.store.GetDataSource(ctx, req.DataSourceID)
	if err != nil {
		return PageResult{}, err
	}
	if ds == nil {
		return PageResult{}, eris.Errorf("ingest: data source %d not found", req.DataSourceID)
	}
	ad, err := o.registry.Build(ds)
	if err != nil {
		return PageResult{}, o.failSource(ctx, ds, err)
	}
	return o.ingestPage(ctx, ad, req)
}

// ingestPage processes one page with a caller-supplied adapter. Adapters
// may hold fetch-cursor state across pages, so a multi-page run must
// reuse one instance rather than rebuilding per page. The source row is
// re-read every page so the run-id guard sees concurrent resets.
func (o *Orchestrator) ingestPage(ctx context.Context, ad adapter.Adapter, req PageRequest) (PageResult, error) {
	start := time.Now()
	ds, err := o.store.GetDataSource(ctx, req.DataSourceID)
	if err != nil {
		return PageResult{}, err
	}
	if ds == nil {
		return PageResult{}, eris.Errorf("ingest: data source %d not found", req.DataSourceID)
	}
	if ds.Checkpoint.RunID != req.RunID {
		zap.L().Debug("ingest: stale run, skipping page",
			zap.Int64("data_source_id", ds.ID),
			zap.Int("page", req.Page),
			zap.String("request_run_id", req.RunID),
			zap.String("current_run_id", ds.Checkpoint.RunID),
		)
		return PageResult{}, nil
	}

	if err := o.breaker.Allow(ctx, ds.ID); err != nil {
		return PageResult{}, err
	}

	retry := o.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(ds.Name, "fetch_contracts")
	}
	payloads, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]model.Payload, error) {
		return ad.FetchContracts(ctx, req.Page, req.PageSize)
	})
	if err != nil {
		if _, recErr := o.breaker.RecordFailure(ctx, ds.ID); recErr != nil {
			zap.L().Warn("ingest: breaker failure record failed", zap.Error(recErr))
		}
		if resilience.IsTransient(err) {
			return PageResult{}, eris.Wrapf(err, "ingest: fetch page %d of %s", req.Page, ds.Name)
		}
		return PageResult{}, o.failSource(ctx, ds, err)
	}
	if err := o.breaker.RecordSuccess(ctx, ds.ID); err != nil {
		zap.L().Warn("ingest: breaker success record failed", zap.Error(err))
	}

	var stats PageStats
	if o.bulk[ds.Adapter] {
		stats, err = o.merger.ImportPage(ctx, ds, payloads)
	} else {
		stats.Fetched = len(payloads)
		for _, p := range payloads {
			outcome, impErr := o.merger.ImportPayload(ctx, ds, p)
			if impErr != nil {
				err = impErr
				break
			}
			switch outcome {
			case OutcomeCreated:
				stats.Inserted++
			case OutcomeUpdated:
				stats.Updated++
			default:
				stats.Failed++
			}
		}
	}
	if err != nil {
		return PageResult{Stats: stats}, o.failSource(ctx, ds, err)
	}

	if err := o.store.AdvanceCheckpoint(ctx, ds.ID, req.RunID, req.Page); err != nil {
		return PageResult{Stats: stats}, o.failSource(ctx, ds, err)
	}

	cont := stats.Fetched >= req.PageSize && req.PageSize > 0
	zap.L().Info("ingest: page imported",
		zap.Int64("data_source_id", ds.ID),
		zap.String("source", ds.Name),
		zap.Int("page", req.Page),
		zap.Int("fetched", stats.Fetched),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("failed", stats.Failed),
		zap.Bool("continue", cont),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if cont {
		if err := o.pause(ctx, ad); err != nil {
			return PageResult{Stats: stats, Continue: cont}, err
		}
	}
	return PageResult{Stats: stats, Continue: cont}, nil
}

// pause sleeps the configured inter-page delay plus any adapter pacing,
// honoring context cancellation.
func (o *Orchestrator) pause(ctx context.Context, ad adapter.Adapter) error {
	d := o.delay
	if pacer, ok := ad.(adapter.Pacer); ok {
		d += pacer.InterPageDelay()
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) failSource(ctx context.Context, ds *model.DataSource, cause error) error {
	if err := o.store.UpdateSourceStatus(ctx, ds.ID, model.SourceError); err != nil {
		zap.L().Error("ingest: failed to mark source errored",
			zap.Int64("data_source_id", ds.ID), zap.Error(err))
	}
	return eris.Wrapf(cause, "ingest: source %s", ds.Name)
}

// IngestSource runs one source to completion under runID.
//
// If the stored checkpoint belongs to a different run, the checkpoint is
// reset and ingestion restarts from page 1; otherwise it resumes from
// the page after the last success. One adapter instance serves the whole
// run so windowed adapters keep their cursor between pages. Pages are
// processed until the adapter returns a short page.
func (o *Orchestrator) IngestSource(ctx context.Context, dataSourceID int64, runID string, pageSize int) (RunResult, error) {
	if pageSize <= 0 {
		pageSize = o.pageSize
	}
	res := RunResult{DataSourceID: dataSourceID, RunID: runID}

	ds, err := o.store.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return res, err
	}
	if ds == nil {
		return res, eris.Errorf("ingest: data source %d not found", dataSourceID)
	}

	if ds.Checkpoint.RunID != runID {
		now := time.Now().UTC()
		cp := model.IngestCheckpoint{RunID: runID, StartedAt: &now, LastSuccessPage: 0}
		if err := o.store.SaveCheckpoint(ctx, ds.ID, cp); err != nil {
			return res, eris.Wrap(err, "ingest: install run checkpoint")
		}
		ds.Checkpoint = cp
	}

	ad, err := o.registry.Build(ds)
	if err != nil {
		return res, o.failSource(ctx, ds, err)
	}

	page := ds.Checkpoint.LastSuccessPage + 1
	for {
		pr, err := o.ingestPage(ctx, ad, PageRequest{
			DataSourceID: dataSourceID,
			Page:         page,
			PageSize:     pageSize,
			RunID:        runID,
		})
		res.Stats.Add(pr.Stats)
		if err != nil {
			return res, err
		}
		res.Pages++
		if !pr.Continue {
			break
		}
		page++
	}

	count, err := o.store.CountContractsBySource(ctx, dataSourceID)
	if err != nil {
		return res, err
	}
	if err := o.store.UpdateSyncStats(ctx, dataSourceID, count, time.Now().UTC()); err != nil {
		return res, err
	}
	if err := o.store.UpdateSourceStatus(ctx, dataSourceID, model.SourceActive); err != nil {
		return res, err
	}

	zap.L().Info("ingest: source run completed",
		zap.Int64("data_source_id", dataSourceID),
		zap.String("run_id", runID),
		zap.Int("pages", res.Pages),
		zap.Int("fetched", res.Stats.Fetched),
		zap.Int("inserted", res.Stats.Inserted),
		zap.Int("updated", res.Stats.Updated),
		zap.Int("failed", res.Stats.Failed),
		zap.Int64("record_count", count),
	)
	return res, nil
}

// IngestFull restarts a source from page 1 under a fresh run id,
// invalidating any in-flight pages of the previous run.
func (o *Orchestrator) IngestFull(ctx context.Context, dataSourceID int64, pageSize int) (RunResult, error) {
	return o.IngestSource(ctx, dataSourceID, uuid.New().String(), pageSize)
}

// EnqueueAll runs every active source of the given adapter (or every
// active source when adapterID is empty) under its own fresh run id.
func (o *Orchestrator) EnqueueAll(ctx context.Context, adapterID string, pageSize int) ([]SourceRun, error) {
	sources, err := o.store.ListDataSources(ctx, store.SourceFilter{Adapter: adapterID, OnlyActive: true})
	if err != nil {
		return nil, err
	}
	runs := make([]SourceRun, 0, len(sources))
	for i := range sources {
		runID := uuid.New().String()
		result, err := o.IngestSource(ctx, sources[i].ID, runID, pageSize)
		if err != nil {
			zap.L().Error("ingest: source run failed",
				zap.Int64("data_source_id", sources[i].ID),
				zap.String("source", sources[i].Name),
				zap.Error(err),
			)
		}
		runs = append(runs, SourceRun{
			DataSourceID: sources[i].ID,
			RunID:        runID,
			Result:       result,
			Err:          err,
		})
	}
	return runs, nil
}
