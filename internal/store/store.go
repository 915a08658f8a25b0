// Package store is the Postgres persistence layer for entities,
// contracts, data sources, and flags.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/transparenciahub/procurement-cli/internal/db"
)

// Store wraps a database pool with the pipeline's persistence operations.
type Store struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// New wraps an existing pool; used by tests with pgxmock.
func New(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// NewPostgres creates a Store backed by a pgx connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*Store, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "store: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping")
	}
	return &Store{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (bulk upserts).
func (s *Store) Pool() db.Pool {
	return s.pool
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "store: ping")
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return eris.Wrap(err, "store: migrate")
}

func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation. Resolve and merge both race under concurrent ingestion and
// use this to decide when a single re-read retry is warranted.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isNoRows reports whether err is the pgx no-rows sentinel, which the
// getters translate to (nil, nil).
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// nullDec converts a scanned nullable numeric into the model's pointer
// representation.
func nullDec(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id             BIGSERIAL PRIMARY KEY,
	tax_identifier TEXT NOT NULL,
	country_code   TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	is_public_body BOOLEAN NOT NULL DEFAULT false,
	is_company     BOOLEAN NOT NULL DEFAULT false,
	address        TEXT NOT NULL DEFAULT '',
	city           TEXT NOT NULL DEFAULT '',
	postal_code    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (tax_identifier, country_code)
);

CREATE TABLE IF NOT EXISTS data_sources (
	id                BIGSERIAL PRIMARY KEY,
	country_code      TEXT NOT NULL,
	name              TEXT NOT NULL UNIQUE,
	source_type       TEXT NOT NULL DEFAULT 'api',
	adapter           TEXT NOT NULL,
	config            JSONB NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL DEFAULT 'inactive',
	last_synced_at    TIMESTAMPTZ,
	record_count      BIGINT NOT NULL DEFAULT 0,
	run_id            TEXT NOT NULL DEFAULT '',
	run_started_at    TIMESTAMPTZ,
	last_success_page INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS contracts (
	id                    BIGSERIAL PRIMARY KEY,
	external_id           TEXT NOT NULL,
	country_code          TEXT NOT NULL,
	object                TEXT NOT NULL DEFAULT '',
	contract_type         TEXT NOT NULL DEFAULT '',
	procedure_type        TEXT NOT NULL DEFAULT '',
	publication_date      DATE,
	celebration_date      DATE,
	base_price            NUMERIC(15,2),
	total_effective_price NUMERIC(15,2),
	cpv_code              TEXT NOT NULL DEFAULT '',
	location              TEXT NOT NULL DEFAULT '',
	contracting_entity_id BIGINT REFERENCES entities(id),
	data_source_id        BIGINT REFERENCES data_sources(id),
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (external_id, country_code)
);

CREATE INDEX IF NOT EXISTS idx_contracts_natural_key
	ON contracts(country_code, object, base_price, celebration_date);
CREATE INDEX IF NOT EXISTS idx_contracts_data_source ON contracts(data_source_id);
CREATE INDEX IF NOT EXISTS idx_contracts_procedure_type ON contracts(procedure_type);

CREATE TABLE IF NOT EXISTS contract_winners (
	contract_id BIGINT NOT NULL REFERENCES contracts(id),
	entity_id   BIGINT NOT NULL REFERENCES entities(id),
	price_share NUMERIC(15,2),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (contract_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_contract_winners_entity ON contract_winners(entity_id);

CREATE TABLE IF NOT EXISTS flags (
	id                BIGSERIAL PRIMARY KEY,
	contract_id       BIGINT NOT NULL REFERENCES contracts(id),
	country_code      TEXT NOT NULL,
	flag_key          TEXT NOT NULL,
	severity          TEXT NOT NULL,
	confidence        NUMERIC(3,2) NOT NULL DEFAULT 0.8,
	data_completeness NUMERIC(3,2) NOT NULL DEFAULT 1.0,
	evidence          JSONB NOT NULL DEFAULT '{}',
	fingerprint       TEXT NOT NULL DEFAULT '',
	detected_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (contract_id, flag_key)
);

CREATE INDEX IF NOT EXISTS idx_flags_flag_key ON flags(flag_key);
CREATE INDEX IF NOT EXISTS idx_flags_country ON flags(country_code);
`
