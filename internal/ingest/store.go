// Package ingest contains the entity resolver, the dedup and merge
// engine, and the ingestion orchestrator that drives source adapters
// page by page.
package ingest

import (
	"context"
	"time"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

// Store is the persistence surface the ingestion pipeline depends on.
// *store.Store satisfies it; tests use an in-memory implementation.
type Store interface {
	FindEntity(ctx context.Context, taxIdentifier, countryCode string) (*model.Entity, error)
	CreateEntity(ctx context.Context, e *model.Entity) (int64, error)
	UpdateEntityAttributes(ctx context.Context, id int64, name string, isPublicBody, isCompany bool) error

	FindContractByKey(ctx context.Context, externalID, countryCode string) (*model.Contract, error)
	FindCandidates(ctx context.Context, q store.CandidateQuery) ([]model.Contract, error)
	CreateContract(ctx context.Context, c *model.Contract) (int64, error)
	UpdateContract(ctx context.Context, c *model.Contract) error
	ExistingContractKeys(ctx context.Context, countryCode string, externalIDs []string) (map[string]bool, error)
	ContractIDsByKeys(ctx context.Context, countryCode string, externalIDs []string) (map[string]int64, error)
	BulkUpsertContracts(ctx context.Context, rows [][]any) (int64, error)
	WinnerTaxIDs(ctx context.Context, contractID int64) ([]string, error)
	EnsureWinner(ctx context.Context, contractID, entityID int64) error
	CountContractsBySource(ctx context.Context, dataSourceID int64) (int64, error)

	GetDataSource(ctx context.Context, id int64) (*model.DataSource, error)
	ListDataSources(ctx context.Context, filter store.SourceFilter) ([]model.DataSource, error)
	SaveCheckpoint(ctx context.Context, id int64, cp model.IngestCheckpoint) error
	AdvanceCheckpoint(ctx context.Context, id int64, runID string, page int) error
	UpdateSourceStatus(ctx context.Context, id int64, status model.SourceStatus) error
	UpdateSyncStats(ctx context.Context, id int64, recordCount int64, syncedAt time.Time) error
}
