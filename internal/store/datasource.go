package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/transparenciahub/procurement-cli/internal/model"
)

const dataSourceColumns = `id, country_code, name, source_type, adapter, config, status, last_synced_at, record_count, run_id, run_started_at, last_success_page, created_at, updated_at`

func scanDataSource(row pgx.Row) (*model.DataSource, error) {
	var ds model.DataSource
	err := row.Scan(&ds.ID, &ds.CountryCode, &ds.Name, &ds.SourceType, &ds.Adapter,
		&ds.Config, &ds.Status, &ds.LastSyncedAt, &ds.RecordCount,
		&ds.Checkpoint.RunID, &ds.Checkpoint.StartedAt, &ds.Checkpoint.LastSuccessPage,
		&ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// GetDataSource fetches one data source by id, returning nil when absent.
func (s *Store) GetDataSource(ctx context.Context, id int64) (*model.DataSource, error) {
	ds, err := scanDataSource(s.pool.QueryRow(ctx,
		`SELECT `+dataSourceColumns+` FROM data_sources WHERE id = $1`,
		id,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "store: get data source %d", id)
	}
	return ds, nil
}

// SourceFilter narrows ListDataSources.
type SourceFilter struct {
	Adapter    string
	OnlyActive bool
}

// ListDataSources returns data sources matching the filter, ordered by id.
func (s *Store) ListDataSources(ctx context.Context, filter SourceFilter) ([]model.DataSource, error) {
	sql := `SELECT ` + dataSourceColumns + ` FROM data_sources WHERE true`
	args := []any{}
	if filter.Adapter != "" {
		sql += ` AND adapter = $1`
		args = append(args, filter.Adapter)
	}
	if filter.OnlyActive {
		sql += ` AND status = 'active'`
	}
	sql += ` ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list data sources")
	}
	defer rows.Close()

	var sources []model.DataSource
	for rows.Next() {
		ds, err := scanDataSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan data source")
		}
		sources = append(sources, *ds)
	}
	return sources, rows.Err()
}

// CreateDataSource inserts a data source, skipping rows whose name
// already exists so seeding is idempotent. Returns true when inserted.
func (s *Store) CreateDataSource(ctx context.Context, ds *model.DataSource) (bool, error) {
	now := time.Now().UTC()
	config := ds.Config
	if len(config) == 0 {
		config = []byte("{}")
	}
	status := ds.Status
	if status == "" {
		status = model.SourceInactive
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO data_sources (country_code, name, source_type, adapter, config, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO NOTHING`,
		ds.CountryCode, ds.Name, string(ds.SourceType), ds.Adapter, config, string(status), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: create data source %s", ds.Name)
	}
	return tag.RowsAffected() > 0, nil
}

// SaveCheckpoint persists the full checkpoint of a data source.
func (s *Store) SaveCheckpoint(ctx context.Context, id int64, cp model.IngestCheckpoint) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE data_sources SET run_id = $1, run_started_at = $2, last_success_page = $3, updated_at = $4 WHERE id = $5`,
		cp.RunID, cp.StartedAt, cp.LastSuccessPage, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "store: save checkpoint for source %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("data source not found: %d", id)
	}
	return nil
}

// AdvanceCheckpoint moves last_success_page forward, never backward, and
// only while the given run still owns the source.
func (s *Store) AdvanceCheckpoint(ctx context.Context, id int64, runID string, page int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE data_sources
		 SET last_success_page = GREATEST(last_success_page, $1), updated_at = $2
		 WHERE id = $3 AND run_id = $4`,
		page, time.Now().UTC(), id, runID,
	)
	return eris.Wrapf(err, "store: advance checkpoint for source %d", id)
}

// UpdateSourceStatus sets the lifecycle status of a data source.
func (s *Store) UpdateSourceStatus(ctx context.Context, id int64, status model.SourceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE data_sources SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "store: update status for source %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("data source not found: %d", id)
	}
	return nil
}

// UpdateSyncStats records a completed sync.
func (s *Store) UpdateSyncStats(ctx context.Context, id int64, recordCount int64, syncedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE data_sources SET record_count = $1, last_synced_at = $2, updated_at = $3 WHERE id = $4`,
		recordCount, syncedAt, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "store: update sync stats for source %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("data source not found: %d", id)
	}
	return nil
}
