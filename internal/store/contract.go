package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/transparenciahub/procurement-cli/internal/db"
	"github.com/transparenciahub/procurement-cli/internal/model"
)

const contractColumns = `id, external_id, country_code, object, contract_type, procedure_type, publication_date, celebration_date, base_price, total_effective_price, cpv_code, location, contracting_entity_id, data_source_id, created_at, updated_at`

func scanContract(row pgx.Row) (*model.Contract, error) {
	var c model.Contract
	var basePrice, totalPrice decimal.NullDecimal
	var entityID *int64
	err := row.Scan(&c.ID, &c.ExternalID, &c.CountryCode, &c.Object, &c.ContractType,
		&c.ProcedureType, &c.PublicationDate, &c.CelebrationDate, &basePrice, &totalPrice,
		&c.CPVCode, &c.Location, &entityID, &c.DataSourceID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.BasePrice = nullDec(basePrice)
	c.TotalEffectivePrice = nullDec(totalPrice)
	if entityID != nil {
		c.ContractingEntityID = *entityID
	}
	return &c, nil
}

func collectContracts(rows pgx.Rows) ([]model.Contract, error) {
	defer rows.Close()
	var contracts []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan contract")
		}
		contracts = append(contracts, *c)
	}
	return contracts, rows.Err()
}

// FindContractByKey looks up a contract by (external_id, country_code),
// returning nil when absent.
func (s *Store) FindContractByKey(ctx context.Context, externalID, countryCode string) (*model.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE external_id = $1 AND country_code = $2`,
		externalID, countryCode,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "store: find contract %s/%s", externalID, countryCode)
	}
	return c, nil
}

// CandidateQuery is the natural-key probe used for cross-source
// deduplication: same country, contracting entity, object, base price,
// and the preferred date (celebration when present, publication
// otherwise), optionally narrowed by procedure type.
type CandidateQuery struct {
	CountryCode         string
	ContractingEntityID int64
	Object              string
	BasePrice           *decimal.Decimal
	CelebrationDate     *time.Time
	PublicationDate     *time.Time
	ProcedureType       string
	Limit               int
}

// FindCandidates returns contracts matching the natural key, oldest
// first, up to the configured cap.
func (s *Store) FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Contract, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	sql := `SELECT ` + contractColumns + ` FROM contracts
		 WHERE country_code = $1 AND contracting_entity_id = $2 AND object = $3 AND base_price = $4`
	args := []any{q.CountryCode, q.ContractingEntityID, q.Object, q.BasePrice}
	argIdx := 5

	if q.CelebrationDate != nil {
		sql += fmt.Sprintf(` AND celebration_date = $%d`, argIdx)
		args = append(args, q.CelebrationDate)
		argIdx++
	} else {
		sql += fmt.Sprintf(` AND publication_date = $%d`, argIdx)
		args = append(args, q.PublicationDate)
		argIdx++
	}
	if q.ProcedureType != "" {
		sql += fmt.Sprintf(` AND procedure_type = $%d`, argIdx)
		args = append(args, q.ProcedureType)
		argIdx++
	}
	sql += fmt.Sprintf(` ORDER BY id ASC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: find candidates")
	}
	return collectContracts(rows)
}

// CreateContract inserts a contract and returns its id. Unique
// violations surface to the caller.
func (s *Store) CreateContract(ctx context.Context, c *model.Contract) (int64, error) {
	now := time.Now().UTC()
	var entityID *int64
	if c.ContractingEntityID != 0 {
		entityID = &c.ContractingEntityID
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO contracts (external_id, country_code, object, contract_type, procedure_type,
			publication_date, celebration_date, base_price, total_effective_price, cpv_code,
			location, contracting_entity_id, data_source_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		c.ExternalID, c.CountryCode, c.Object, c.ContractType, c.ProcedureType,
		c.PublicationDate, c.CelebrationDate, c.BasePrice, c.TotalEffectivePrice, c.CPVCode,
		c.Location, entityID, c.DataSourceID, now, now,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "store: create contract %s/%s", c.ExternalID, c.CountryCode)
	}
	return id, nil
}

// UpdateContract persists the mutable columns of an existing contract.
// The (external_id, country_code) key and created_at never change.
func (s *Store) UpdateContract(ctx context.Context, c *model.Contract) error {
	var entityID *int64
	if c.ContractingEntityID != 0 {
		entityID = &c.ContractingEntityID
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE contracts SET object = $1, contract_type = $2, procedure_type = $3,
			publication_date = $4, celebration_date = $5, base_price = $6,
			total_effective_price = $7, cpv_code = $8, location = $9,
			contracting_entity_id = $10, data_source_id = $11, updated_at = $12
		 WHERE id = $13`,
		c.Object, c.ContractType, c.ProcedureType, c.PublicationDate, c.CelebrationDate,
		c.BasePrice, c.TotalEffectivePrice, c.CPVCode, c.Location,
		entityID, c.DataSourceID, time.Now().UTC(), c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "store: update contract %d", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("contract not found: %d", c.ID)
	}
	return nil
}

// ExistingContractKeys returns which of the given external ids already
// exist for a country. The bulk import path uses it to split upsert
// counts into inserted and updated.
func (s *Store) ExistingContractKeys(ctx context.Context, countryCode string, externalIDs []string) (map[string]bool, error) {
	if len(externalIDs) == 0 {
		return map[string]bool{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT external_id FROM contracts WHERE country_code = $1 AND external_id = ANY($2)`,
		countryCode, externalIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: existing contract keys")
	}
	defer rows.Close()

	keys := make(map[string]bool, len(externalIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "store: scan contract key")
		}
		keys[id] = true
	}
	return keys, rows.Err()
}

// ContractIDsByKeys maps external ids to row ids for a country.
func (s *Store) ContractIDsByKeys(ctx context.Context, countryCode string, externalIDs []string) (map[string]int64, error) {
	if len(externalIDs) == 0 {
		return map[string]int64{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT external_id, id FROM contracts WHERE country_code = $1 AND external_id = ANY($2)`,
		countryCode, externalIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: contract ids by keys")
	}
	defer rows.Close()

	ids := make(map[string]int64, len(externalIDs))
	for rows.Next() {
		var key string
		var id int64
		if err := rows.Scan(&key, &id); err != nil {
			return nil, eris.Wrap(err, "store: scan contract id")
		}
		ids[key] = id
	}
	return ids, rows.Err()
}

// contractUpsertColumns matches the bulk import column order.
var contractUpsertColumns = []string{
	"external_id", "country_code", "object", "contract_type", "procedure_type",
	"publication_date", "celebration_date", "base_price", "total_effective_price",
	"cpv_code", "location", "contracting_entity_id", "data_source_id",
	"created_at", "updated_at",
}

// contractUpdateColumns excludes the identity columns and created_at
// from the ON CONFLICT update set.
var contractUpdateColumns = []string{
	"object", "contract_type", "procedure_type", "publication_date",
	"celebration_date", "base_price", "total_effective_price", "cpv_code",
	"location", "contracting_entity_id", "data_source_id", "updated_at",
}

// BulkUpsertContracts performs one page-sized upsert keyed on
// (external_id, country_code). Rows must follow contractUpsertColumns.
func (s *Store) BulkUpsertContracts(ctx context.Context, rows [][]any) (int64, error) {
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "contracts",
		Columns:      contractUpsertColumns,
		ConflictKeys: []string{"external_id", "country_code"},
		UpdateCols:   contractUpdateColumns,
	}, rows)
}

// ContractUpsertRow flattens a contract into the bulk upsert column order.
func ContractUpsertRow(c *model.Contract, now time.Time) []any {
	var entityID *int64
	if c.ContractingEntityID != 0 {
		entityID = &c.ContractingEntityID
	}
	return []any{
		c.ExternalID, c.CountryCode, c.Object, c.ContractType, c.ProcedureType,
		c.PublicationDate, c.CelebrationDate, c.BasePrice, c.TotalEffectivePrice,
		c.CPVCode, c.Location, entityID, c.DataSourceID, now, now,
	}
}

// WinnerTaxIDs returns the tax identifiers of a contract's winners. The
// merge engine compares winner sets when disambiguating natural-key
// candidates.
func (s *Store) WinnerTaxIDs(ctx context.Context, contractID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.tax_identifier FROM contract_winners cw
		 JOIN entities e ON e.id = cw.entity_id
		 WHERE cw.contract_id = $1`,
		contractID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "store: winner tax ids for contract %d", contractID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "store: scan winner tax id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnsureWinner creates the contract-winner join row if it does not
// already exist. Re-imports are no-ops.
func (s *Store) EnsureWinner(ctx context.Context, contractID, entityID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contract_winners (contract_id, entity_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (contract_id, entity_id) DO NOTHING`,
		contractID, entityID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "store: ensure winner %d/%d", contractID, entityID)
}

// CountContractsBySource returns the number of contracts attributed to a
// data source.
func (s *Store) CountContractsBySource(ctx context.Context, dataSourceID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM contracts WHERE data_source_id = $1`,
		dataSourceID,
	).Scan(&n)
	return n, eris.Wrapf(err, "store: count contracts for source %d", dataSourceID)
}

// ListContractsBatch pages through contracts by ascending id. Flag rules
// walk the corpus with it.
func (s *Store) ListContractsBatch(ctx context.Context, countryCode string, afterID int64, limit int) ([]model.Contract, error) {
	if limit <= 0 {
		limit = 500
	}
	sql := `SELECT ` + contractColumns + ` FROM contracts WHERE id > $1`
	args := []any{afterID}
	if countryCode != "" {
		sql += ` AND country_code = $2 ORDER BY id ASC LIMIT $3`
		args = append(args, countryCode, limit)
	} else {
		sql += ` ORDER BY id ASC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list contracts batch")
	}
	return collectContracts(rows)
}

// DateSequenceAnomalies returns contracts published after their
// celebration date, both dates present.
func (s *Store) DateSequenceAnomalies(ctx context.Context, countryCode string) ([]model.Contract, error) {
	sql := `SELECT ` + contractColumns + ` FROM contracts
		 WHERE publication_date IS NOT NULL AND celebration_date IS NOT NULL
		   AND celebration_date < publication_date`
	args := []any{}
	if countryCode != "" {
		sql += ` AND country_code = $1`
		args = append(args, countryCode)
	}
	sql += ` ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: date sequence anomalies")
	}
	return collectContracts(rows)
}
