package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/transparenciahub/procurement-cli/internal/model"
)

const entityColumns = `id, tax_identifier, country_code, name, is_public_body, is_company, address, city, postal_code, created_at, updated_at`

// FindEntity looks up an entity by its natural key, returning nil when
// it does not exist.
func (s *Store) FindEntity(ctx context.Context, taxIdentifier, countryCode string) (*model.Entity, error) {
	var e model.Entity
	err := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE tax_identifier = $1 AND country_code = $2`,
		taxIdentifier, countryCode,
	).Scan(&e.ID, &e.TaxIdentifier, &e.CountryCode, &e.Name, &e.IsPublicBody, &e.IsCompany,
		&e.Address, &e.City, &e.PostalCode, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "store: find entity %s/%s", taxIdentifier, countryCode)
	}
	return &e, nil
}

// CreateEntity inserts a new entity. Unique violations surface to the
// caller so the resolver can retry the race.
func (s *Store) CreateEntity(ctx context.Context, e *model.Entity) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO entities (tax_identifier, country_code, name, is_public_body, is_company, address, city, postal_code, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		e.TaxIdentifier, e.CountryCode, e.Name, e.IsPublicBody, e.IsCompany,
		e.Address, e.City, e.PostalCode, now, now,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "store: create entity %s/%s", e.TaxIdentifier, e.CountryCode)
	}
	return id, nil
}

// UpdateEntityAttributes refreshes the mutable attributes of an entity.
// Last writer wins.
func (s *Store) UpdateEntityAttributes(ctx context.Context, id int64, name string, isPublicBody, isCompany bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET name = $1, is_public_body = $2, is_company = $3, updated_at = $4 WHERE id = $5`,
		name, isPublicBody, isCompany, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "store: update entity %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("entity not found: %d", id)
	}
	return nil
}
