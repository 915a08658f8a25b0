package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

// fakeStore is an in-memory Store for pipeline tests. It mirrors the
// SQL semantics the real store relies on: unique keys, guarded
// checkpoint advancement, and idempotent winner rows.
type fakeStore struct {
	mu sync.Mutex

	entities  []*model.Entity
	contracts []*model.Contract
	winners   map[int64]map[int64]bool
	sources   map[int64]*model.DataSource

	nextEntityID   int64
	nextContractID int64

	// raceEntity, when set, makes the next CreateEntity insert this
	// competitor first and report a unique violation.
	raceEntity *model.Entity
	// raceContract does the same for CreateContract.
	raceContract *model.Contract

	statusUpdates []model.SourceStatus
	syncedCounts  []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		winners: make(map[int64]map[int64]bool),
		sources: make(map[int64]*model.DataSource),
	}
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

func (f *fakeStore) addSource(ds model.DataSource) *model.DataSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := ds
	f.sources[cp.ID] = &cp
	return &cp
}

func (f *fakeStore) FindEntity(_ context.Context, taxIdentifier, countryCode string) (*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entities {
		if e.TaxIdentifier == taxIdentifier && e.CountryCode == countryCode {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateEntity(_ context.Context, e *model.Entity) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceEntity != nil {
		competitor := *f.raceEntity
		f.raceEntity = nil
		f.nextEntityID++
		competitor.ID = f.nextEntityID
		f.entities = append(f.entities, &competitor)
		return 0, uniqueViolation()
	}
	for _, existing := range f.entities {
		if existing.TaxIdentifier == e.TaxIdentifier && existing.CountryCode == e.CountryCode {
			return 0, uniqueViolation()
		}
	}
	f.nextEntityID++
	cp := *e
	cp.ID = f.nextEntityID
	f.entities = append(f.entities, &cp)
	return cp.ID, nil
}

func (f *fakeStore) UpdateEntityAttributes(_ context.Context, id int64, name string, isPublicBody, isCompany bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entities {
		if e.ID == id {
			e.Name = name
			e.IsPublicBody = isPublicBody
			e.IsCompany = isCompany
			return nil
		}
	}
	return errNotFound()
}

func errNotFound() error {
	return &pgconn.PgError{Code: "P0002", Message: "no rows"}
}

func (f *fakeStore) FindContractByKey(_ context.Context, externalID, countryCode string) (*model.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contracts {
		if c.ExternalID == externalID && c.CountryCode == countryCode {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func decEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func dateEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (f *fakeStore) FindCandidates(_ context.Context, q store.CandidateQuery) ([]model.Contract, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	var out []model.Contract
	for _, c := range f.contracts {
		if c.CountryCode != q.CountryCode || c.ContractingEntityID != q.ContractingEntityID {
			continue
		}
		if c.Object != q.Object || !decEqual(c.BasePrice, q.BasePrice) {
			continue
		}
		if q.CelebrationDate != nil {
			if !dateEqual(c.CelebrationDate, q.CelebrationDate) {
				continue
			}
		} else if !dateEqual(c.PublicationDate, q.PublicationDate) {
			continue
		}
		if q.ProcedureType != "" && c.ProcedureType != q.ProcedureType {
			continue
		}
		out = append(out, *c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) CreateContract(_ context.Context, c *model.Contract) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raceContract != nil {
		competitor := *f.raceContract
		f.raceContract = nil
		f.nextContractID++
		competitor.ID = f.nextContractID
		f.contracts = append(f.contracts, &competitor)
		return 0, uniqueViolation()
	}
	for _, existing := range f.contracts {
		if existing.ExternalID == c.ExternalID && existing.CountryCode == c.CountryCode {
			return 0, uniqueViolation()
		}
	}
	f.nextContractID++
	cp := *c
	cp.ID = f.nextContractID
	cp.CreatedAt = time.Now().UTC()
	cp.UpdatedAt = cp.CreatedAt
	f.contracts = append(f.contracts, &cp)
	return cp.ID, nil
}

func (f *fakeStore) UpdateContract(_ context.Context, c *model.Contract) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.contracts {
		if existing.ID == c.ID {
			cp := *c
			cp.CreatedAt = existing.CreatedAt
			cp.UpdatedAt = time.Now().UTC()
			f.contracts[i] = &cp
			return nil
		}
	}
	return errNotFound()
}

func (f *fakeStore) ExistingContractKeys(_ context.Context, countryCode string, externalIDs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		want[id] = true
	}
	found := make(map[string]bool)
	for _, c := range f.contracts {
		if c.CountryCode == countryCode && want[c.ExternalID] {
			found[c.ExternalID] = true
		}
	}
	return found, nil
}

func (f *fakeStore) ContractIDsByKeys(_ context.Context, countryCode string, externalIDs []string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		want[id] = true
	}
	ids := make(map[string]int64)
	for _, c := range f.contracts {
		if c.CountryCode == countryCode && want[c.ExternalID] {
			ids[c.ExternalID] = c.ID
		}
	}
	return ids, nil
}

// BulkUpsertContracts decodes rows in the store's upsert column order.
func (f *fakeStore) BulkUpsertContracts(_ context.Context, rows [][]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		externalID := row[0].(string)
		countryCode := row[1].(string)
		c := model.Contract{
			ExternalID:          externalID,
			CountryCode:         countryCode,
			Object:              row[2].(string),
			ContractType:        row[3].(string),
			ProcedureType:       row[4].(string),
			PublicationDate:     row[5].(*time.Time),
			CelebrationDate:     row[6].(*time.Time),
			BasePrice:           row[7].(*decimal.Decimal),
			TotalEffectivePrice: row[8].(*decimal.Decimal),
			CPVCode:             row[9].(string),
			Location:            row[10].(string),
		}
		if entityID, ok := row[11].(*int64); ok && entityID != nil {
			c.ContractingEntityID = *entityID
		}
		if sourceID, ok := row[12].(*int64); ok && sourceID != nil {
			c.DataSourceID = sourceID
		}
		updated := false
		for i, existing := range f.contracts {
			if existing.ExternalID == externalID && existing.CountryCode == countryCode {
				c.ID = existing.ID
				c.CreatedAt = existing.CreatedAt
				c.UpdatedAt = time.Now().UTC()
				f.contracts[i] = &c
				updated = true
				break
			}
		}
		if !updated {
			f.nextContractID++
			c.ID = f.nextContractID
			c.CreatedAt = time.Now().UTC()
			c.UpdatedAt = c.CreatedAt
			cp := c
			f.contracts = append(f.contracts, &cp)
		}
	}
	return int64(len(rows)), nil
}

func (f *fakeStore) WinnerTaxIDs(_ context.Context, contractID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for entityID := range f.winners[contractID] {
		for _, e := range f.entities {
			if e.ID == entityID {
				ids = append(ids, e.TaxIdentifier)
			}
		}
	}
	return ids, nil
}

func (f *fakeStore) EnsureWinner(_ context.Context, contractID, entityID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.winners[contractID] == nil {
		f.winners[contractID] = make(map[int64]bool)
	}
	f.winners[contractID][entityID] = true
	return nil
}

func (f *fakeStore) CountContractsBySource(_ context.Context, dataSourceID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range f.contracts {
		if c.DataSourceID != nil && *c.DataSourceID == dataSourceID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetDataSource(_ context.Context, id int64) (*model.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.sources[id]
	if !ok {
		return nil, nil
	}
	cp := *ds
	return &cp, nil
}

func (f *fakeStore) ListDataSources(_ context.Context, filter store.SourceFilter) ([]model.DataSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DataSource
	for _, ds := range f.sources {
		if filter.Adapter != "" && ds.Adapter != filter.Adapter {
			continue
		}
		if filter.OnlyActive && ds.Status != model.SourceActive {
			continue
		}
		out = append(out, *ds)
	}
	return out, nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, id int64, cp model.IngestCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ds, ok := f.sources[id]; ok {
		ds.Checkpoint = cp
	}
	return nil
}

func (f *fakeStore) AdvanceCheckpoint(_ context.Context, id int64, runID string, page int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.sources[id]
	if !ok || ds.Checkpoint.RunID != runID {
		return nil
	}
	if page > ds.Checkpoint.LastSuccessPage {
		ds.Checkpoint.LastSuccessPage = page
	}
	return nil
}

func (f *fakeStore) UpdateSourceStatus(_ context.Context, id int64, status model.SourceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ds, ok := f.sources[id]; ok {
		ds.Status = status
	}
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeStore) UpdateSyncStats(_ context.Context, id int64, recordCount int64, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ds, ok := f.sources[id]; ok {
		ds.RecordCount = recordCount
		ds.LastSyncedAt = &syncedAt
	}
	f.syncedCounts = append(f.syncedCounts, recordCount)
	return nil
}

func (f *fakeStore) contractByKey(externalID, countryCode string) *model.Contract {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contracts {
		if c.ExternalID == externalID && c.CountryCode == countryCode {
			cp := *c
			return &cp
		}
	}
	return nil
}

func (f *fakeStore) contractCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contracts)
}
