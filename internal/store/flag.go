package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/transparenciahub/procurement-cli/internal/db"
	"github.com/transparenciahub/procurement-cli/internal/model"
)

const flagColumns = `id, contract_id, country_code, flag_key, severity, confidence, data_completeness, evidence, fingerprint, detected_at, created_at, updated_at`

func scanFlag(row pgx.Row) (*model.Flag, error) {
	var f model.Flag
	err := row.Scan(&f.ID, &f.ContractID, &f.CountryCode, &f.FlagKey, &f.Severity,
		&f.Confidence, &f.DataCompleteness, &f.Evidence, &f.Fingerprint,
		&f.DetectedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFlag fetches the flag for one (contract, key) pair, returning nil
// when absent.
func (s *Store) GetFlag(ctx context.Context, contractID int64, flagKey string) (*model.Flag, error) {
	f, err := scanFlag(s.pool.QueryRow(ctx,
		`SELECT `+flagColumns+` FROM flags WHERE contract_id = $1 AND flag_key = $2`,
		contractID, flagKey,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "store: get flag %d/%s", contractID, flagKey)
	}
	return f, nil
}

// CreateFlag inserts a flag row. Unique violations surface to the caller
// so the rule runner can retry the race as an update.
func (s *Store) CreateFlag(ctx context.Context, f *model.Flag) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO flags (contract_id, country_code, flag_key, severity, confidence, data_completeness, evidence, fingerprint, detected_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		f.ContractID, f.CountryCode, f.FlagKey, string(f.Severity), f.Confidence,
		f.DataCompleteness, f.Evidence, f.Fingerprint, f.DetectedAt, now, now,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "store: create flag %d/%s", f.ContractID, f.FlagKey)
	}
	return id, nil
}

// UpdateFlag rewrites the evidence of an existing (contract, key) flag.
func (s *Store) UpdateFlag(ctx context.Context, f *model.Flag) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flags SET severity = $1, confidence = $2, data_completeness = $3,
			evidence = $4, fingerprint = $5, detected_at = $6, updated_at = $7
		 WHERE contract_id = $8 AND flag_key = $9`,
		string(f.Severity), f.Confidence, f.DataCompleteness, f.Evidence,
		f.Fingerprint, f.DetectedAt, time.Now().UTC(), f.ContractID, f.FlagKey,
	)
	if err != nil {
		return eris.Wrapf(err, "store: update flag %d/%s", f.ContractID, f.FlagKey)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("flag not found: %d/%s", f.ContractID, f.FlagKey)
	}
	return nil
}

// flagUpsertColumns matches the set-rule bulk upsert column order.
var flagUpsertColumns = []string{
	"contract_id", "country_code", "flag_key", "severity", "confidence",
	"data_completeness", "evidence", "fingerprint", "detected_at",
	"created_at", "updated_at",
}

// BulkUpsertFlags writes a set rule's whole result in one statement,
// keyed on (contract_id, flag_key).
func (s *Store) BulkUpsertFlags(ctx context.Context, flags []model.Flag) (int64, error) {
	if len(flags) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(flags))
	for i := range flags {
		f := &flags[i]
		rows = append(rows, []any{
			f.ContractID, f.CountryCode, f.FlagKey, string(f.Severity), f.Confidence,
			f.DataCompleteness, f.Evidence, f.Fingerprint, f.DetectedAt, now, now,
		})
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "flags",
		Columns:      flagUpsertColumns,
		ConflictKeys: []string{"contract_id", "flag_key"},
		UpdateCols: []string{
			"severity", "confidence", "data_completeness", "evidence",
			"fingerprint", "detected_at", "updated_at",
		},
	}, rows)
}

// DeleteStaleFlags removes flags of one key whose contracts are no
// longer in the rule's current result set. An empty keep set clears the
// key entirely.
func (s *Store) DeleteStaleFlags(ctx context.Context, flagKey string, keepContractIDs []int64) (int64, error) {
	if len(keepContractIDs) == 0 {
		tag, err := s.pool.Exec(ctx, `DELETE FROM flags WHERE flag_key = $1`, flagKey)
		if err != nil {
			return 0, eris.Wrapf(err, "store: delete stale flags %s", flagKey)
		}
		return tag.RowsAffected(), nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM flags WHERE flag_key = $1 AND NOT (contract_id = ANY($2))`,
		flagKey, keepContractIDs,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "store: delete stale flags %s", flagKey)
	}
	return tag.RowsAffected(), nil
}

// FlagFilter narrows ListFlags.
type FlagFilter struct {
	CountryCode string
	FlagKey     string
	Severity    model.Severity
	Limit       int
}

// ListFlags returns flags matching the filter, newest first.
func (s *Store) ListFlags(ctx context.Context, filter FlagFilter) ([]model.Flag, error) {
	sql := `SELECT ` + flagColumns + ` FROM flags WHERE true`
	args := []any{}
	argIdx := 1

	if filter.CountryCode != "" {
		sql += fmt.Sprintf(` AND country_code = $%d`, argIdx)
		args = append(args, filter.CountryCode)
		argIdx++
	}
	if filter.FlagKey != "" {
		sql += fmt.Sprintf(` AND flag_key = $%d`, argIdx)
		args = append(args, filter.FlagKey)
		argIdx++
	}
	if filter.Severity != "" {
		sql += fmt.Sprintf(` AND severity = $%d`, argIdx)
		args = append(args, string(filter.Severity))
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	sql += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list flags")
	}
	defer rows.Close()

	var flags []model.Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan flag")
		}
		flags = append(flags, *f)
	}
	return flags, rows.Err()
}
