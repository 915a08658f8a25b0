package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

// Outcome classifies what one payload import did.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCreated
	OutcomeUpdated
)

// PageStats aggregates the result of importing one page of payloads.
type PageStats struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// Add accumulates another page's counters.
func (s *PageStats) Add(other PageStats) {
	s.Fetched += other.Fetched
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Failed += other.Failed
}

// Merger implements both import policies. The non-destructive path
// protects already-populated fields from sparser re-imports; the bulk
// path trusts its single authoritative source and upserts whole pages,
// later imports winning on conflict.
type Merger struct {
	store        Store
	resolver     *Resolver
	candidateCap int
}

// NewMerger creates the dedup and merge engine. candidateCap bounds the
// natural-key candidate set; zero means the default of 5.
func NewMerger(s Store, resolver *Resolver, candidateCap int) *Merger {
	if candidateCap <= 0 {
		candidateCap = 5
	}
	return &Merger{store: s, resolver: resolver, candidateCap: candidateCap}
}

// ImportPayload runs the non-destructive merge for one payload.
//
// Records failing a validity gate (blank external id or object, or an
// unresolvable contracting entity) are skipped, not errored. An exact
// (external_id, country_code) match merges blank fields only; a missing
// key falls back to natural-key dedup before creating a new contract.
func (m *Merger) ImportPayload(ctx context.Context, ds *model.DataSource, p model.Payload) (Outcome, error) {
	p.Normalize()
	country := p.CountryCode
	if country == "" {
		country = ds.CountryCode
	}

	if p.ExternalID == "" || p.Object == "" {
		return OutcomeSkipped, nil
	}

	existing, err := m.store.FindContractByKey(ctx, p.ExternalID, country)
	if err != nil {
		return OutcomeSkipped, err
	}
	// The collision guard runs before entity resolution so a rejected
	// payload leaves no entity rows behind.
	if existing != nil && existing.DataSourceID != nil && *existing.DataSourceID != ds.ID {
		zap.L().Warn("ingest: cross-source contract collision, skipping",
			zap.String("external_id", p.ExternalID),
			zap.String("country_code", country),
			zap.Int64("existing_data_source_id", *existing.DataSourceID),
			zap.Int64("importing_data_source_id", ds.ID),
		)
		return OutcomeSkipped, nil
	}

	buyer, err := m.resolver.Resolve(ctx, ds.CountryCode, p.ContractingEntity)
	if err != nil {
		return OutcomeSkipped, err
	}
	if buyer == nil {
		return OutcomeSkipped, nil
	}
	if existing != nil {
		return m.mergeInto(ctx, ds, existing, &p, buyer.ID)
	}

	if match, err := m.dedupCandidate(ctx, &p, country, buyer.ID); err != nil {
		return OutcomeSkipped, err
	} else if match != nil {
		return m.mergeInto(ctx, ds, match, &p, buyer.ID)
	}

	return m.create(ctx, ds, &p, country, buyer.ID)
}

// dedupCandidate probes the natural key. It only runs when object and
// base price are present together with at least one date; matching is
// conservative, preferring a duplicate contract over a wrong merge.
func (m *Merger) dedupCandidate(ctx context.Context, p *model.Payload, country string, buyerID int64) (*model.Contract, error) {
	if p.Object == "" || p.BasePrice == nil {
		return nil, nil
	}
	if p.CelebrationDate == nil && p.PublicationDate == nil {
		return nil, nil
	}

	candidates, err := m.store.FindCandidates(ctx, store.CandidateQuery{
		CountryCode:         country,
		ContractingEntityID: buyerID,
		Object:              p.Object,
		BasePrice:           p.BasePrice,
		CelebrationDate:     p.CelebrationDate,
		PublicationDate:     p.PublicationDate,
		ProcedureType:       p.ProcedureType,
		Limit:               m.candidateCap,
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: find dedup candidates")
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if len(p.Winners) == 0 {
		// Without winners to compare, only an unambiguous single
		// candidate is accepted.
		if len(candidates) == 1 {
			return &candidates[0], nil
		}
		return nil, nil
	}

	want := p.WinnerTaxIDs()
	var match *model.Contract
	for i := range candidates {
		have, err := m.store.WinnerTaxIDs(ctx, candidates[i].ID)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: candidate winner tax ids")
		}
		if !sameTaxIDSet(want, have) {
			continue
		}
		if match != nil {
			// Ambiguous; create a new contract instead of guessing.
			return nil, nil
		}
		match = &candidates[i]
	}
	return match, nil
}

func sameTaxIDSet(want map[string]bool, have []string) bool {
	haveSet := make(map[string]bool, len(have))
	for _, id := range have {
		haveSet[id] = true
	}
	if len(haveSet) != len(want) {
		return false
	}
	for id := range want {
		if !haveSet[id] {
			return false
		}
	}
	return true
}

// mergeInto fills blank fields of an existing contract from the payload.
// Populated fields are never overwritten; the contracting entity is
// switched on identity change and the data source is set only if absent.
func (m *Merger) mergeInto(ctx context.Context, ds *model.DataSource, c *model.Contract, p *model.Payload, buyerID int64) (Outcome, error) {
	changed := false

	fillString := func(dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			changed = true
		}
	}
	fillString(&c.Object, p.Object)
	fillString(&c.ContractType, p.ContractType)
	fillString(&c.ProcedureType, p.ProcedureType)
	fillString(&c.CPVCode, p.CPVCode)
	fillString(&c.Location, p.Location)

	if c.PublicationDate == nil && p.PublicationDate != nil {
		c.PublicationDate = p.PublicationDate
		changed = true
	}
	if c.CelebrationDate == nil && p.CelebrationDate != nil {
		c.CelebrationDate = p.CelebrationDate
		changed = true
	}
	if c.BasePrice == nil && p.BasePrice != nil {
		c.BasePrice = p.BasePrice
		changed = true
	}
	if c.TotalEffectivePrice == nil && p.TotalEffectivePrice != nil {
		c.TotalEffectivePrice = p.TotalEffectivePrice
		changed = true
	}

	if c.ContractingEntityID != buyerID {
		c.ContractingEntityID = buyerID
		changed = true
	}
	if c.DataSourceID == nil {
		id := ds.ID
		c.DataSourceID = &id
		changed = true
	}

	if changed {
		if err := m.store.UpdateContract(ctx, c); err != nil {
			return OutcomeSkipped, eris.Wrap(err, "ingest: merge contract")
		}
	}
	if err := m.attachWinners(ctx, ds, c.ID, p); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeUpdated, nil
}

func (m *Merger) create(ctx context.Context, ds *model.DataSource, p *model.Payload, country string, buyerID int64) (Outcome, error) {
	sourceID := ds.ID
	c := &model.Contract{
		ExternalID:          p.ExternalID,
		CountryCode:         country,
		Object:              p.Object,
		ContractType:        p.ContractType,
		ProcedureType:       p.ProcedureType,
		PublicationDate:     p.PublicationDate,
		CelebrationDate:     p.CelebrationDate,
		BasePrice:           p.BasePrice,
		TotalEffectivePrice: p.TotalEffectivePrice,
		CPVCode:             p.CPVCode,
		Location:            p.Location,
		ContractingEntityID: buyerID,
		DataSourceID:        &sourceID,
	}

	id, err := m.store.CreateContract(ctx, c)
	if err != nil {
		if !store.IsUniqueViolation(err) {
			return OutcomeSkipped, eris.Wrap(err, "ingest: create contract")
		}
		// Lost the creation race; merge into the winner's row.
		existing, findErr := m.store.FindContractByKey(ctx, p.ExternalID, country)
		if findErr != nil {
			return OutcomeSkipped, eris.Wrap(findErr, "ingest: re-read contract after race")
		}
		if existing == nil {
			return OutcomeSkipped, eris.Wrapf(err, "ingest: contract %s/%s vanished after unique violation", p.ExternalID, country)
		}
		return m.mergeInto(ctx, ds, existing, p, buyerID)
	}

	c.ID = id
	if err := m.attachWinners(ctx, ds, c.ID, p); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeCreated, nil
}

// attachWinners resolves each winner and ensures its join row exists.
// Winners failing the resolver's validity gate are dropped quietly.
func (m *Merger) attachWinners(ctx context.Context, ds *model.DataSource, contractID int64, p *model.Payload) error {
	for _, w := range p.Winners {
		entity, err := m.resolver.Resolve(ctx, ds.CountryCode, w)
		if err != nil {
			return eris.Wrap(err, "ingest: resolve winner")
		}
		if entity == nil {
			continue
		}
		if err := m.store.EnsureWinner(ctx, contractID, entity.ID); err != nil {
			return eris.Wrap(err, "ingest: attach winner")
		}
	}
	return nil
}

// ImportPage runs the bulk page-upsert policy: one set-based write per
// page keyed on (external_id, country_code), later imports winning on
// conflict. Gates still apply per payload; rejected rows count as failed.
func (m *Merger) ImportPage(ctx context.Context, ds *model.DataSource, payloads []model.Payload) (PageStats, error) {
	stats := PageStats{Fetched: len(payloads)}
	now := time.Now().UTC()

	type pageRow struct {
		key     string
		country string
		row     []any
		winners []model.EntityRef
	}
	var rows []pageRow
	rowIdx := make(map[string]int)

	for _, p := range payloads {
		p.Normalize()
		country := p.CountryCode
		if country == "" {
			country = ds.CountryCode
		}
		if p.ExternalID == "" || p.Object == "" {
			stats.Failed++
			continue
		}
		buyer, err := m.resolver.Resolve(ctx, ds.CountryCode, p.ContractingEntity)
		if err != nil {
			return stats, err
		}
		if buyer == nil {
			stats.Failed++
			continue
		}

		sourceID := ds.ID
		c := &model.Contract{
			ExternalID:          p.ExternalID,
			CountryCode:         country,
			Object:              p.Object,
			ContractType:        p.ContractType,
			ProcedureType:       p.ProcedureType,
			PublicationDate:     p.PublicationDate,
			CelebrationDate:     p.CelebrationDate,
			BasePrice:           p.BasePrice,
			TotalEffectivePrice: p.TotalEffectivePrice,
			CPVCode:             p.CPVCode,
			Location:            p.Location,
			ContractingEntityID: buyer.ID,
			DataSourceID:        &sourceID,
		}
		r := pageRow{
			key:     p.ExternalID + "\x00" + country,
			country: country,
			row:     store.ContractUpsertRow(c, now),
			winners: p.Winners,
		}
		// A duplicate key inside one page keeps the later record, the
		// same outcome the upsert would produce across pages.
		if i, ok := rowIdx[r.key]; ok {
			rows[i] = r
			continue
		}
		rowIdx[r.key] = len(rows)
		rows = append(rows, r)
	}

	if len(rows) == 0 {
		return stats, nil
	}

	keysByCountry := make(map[string][]string)
	for _, r := range rows {
		keysByCountry[r.country] = append(keysByCountry[r.country], r.row[0].(string))
	}
	existing := make(map[string]bool)
	for country, keys := range keysByCountry {
		found, err := m.store.ExistingContractKeys(ctx, country, keys)
		if err != nil {
			return stats, err
		}
		for key := range found {
			existing[key+"\x00"+country] = true
		}
	}

	flat := make([][]any, 0, len(rows))
	for _, r := range rows {
		flat = append(flat, r.row)
	}
	if _, err := m.store.BulkUpsertContracts(ctx, flat); err != nil {
		return stats, eris.Wrap(err, "ingest: bulk upsert page")
	}

	for _, r := range rows {
		if existing[r.key] {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	// Attach winners now that every row has an id.
	for country, keys := range keysByCountry {
		ids, err := m.store.ContractIDsByKeys(ctx, country, keys)
		if err != nil {
			return stats, err
		}
		for _, r := range rows {
			if r.country != country || len(r.winners) == 0 {
				continue
			}
			contractID, ok := ids[r.row[0].(string)]
			if !ok {
				continue
			}
			p := model.Payload{Winners: r.winners}
			if err := m.attachWinners(ctx, ds, contractID, &p); err != nil {
				return stats, err
			}
		}
	}

	return stats, nil
}
