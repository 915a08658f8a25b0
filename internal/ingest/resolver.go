package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/store"
)

// Resolver finds or creates the entity a payload references. A blank tax
// identifier or name resolves to nil without error; that is the primary
// validity gate for inbound records.
type Resolver struct {
	store Store
}

// NewResolver creates an entity resolver.
func NewResolver(s Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve finds or creates the entity for (ref.TaxIdentifier,
// countryCode). The attributes of an existing entity are overwritten
// with the latest payload values on every resolve; entities are not
// merge-protected the way contracts are. A creation race against a
// concurrent importer is retried with exactly one re-read.
func (r *Resolver) Resolve(ctx context.Context, countryCode string, ref model.EntityRef) (*model.Entity, error) {
	if ref.TaxIdentifier == "" || ref.Name == "" {
		return nil, nil
	}

	existing, err := r.store.FindEntity(ctx, ref.TaxIdentifier, countryCode)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: resolve entity")
	}
	if existing != nil {
		return r.refresh(ctx, existing, ref)
	}

	entity := &model.Entity{
		TaxIdentifier: ref.TaxIdentifier,
		CountryCode:   countryCode,
		Name:          ref.Name,
		IsPublicBody:  ref.IsPublicBody,
		IsCompany:     ref.IsCompany,
	}
	id, err := r.store.CreateEntity(ctx, entity)
	if err == nil {
		entity.ID = id
		return entity, nil
	}
	if !store.IsUniqueViolation(err) {
		return nil, eris.Wrap(err, "ingest: create entity")
	}

	// Lost the creation race; the row exists now.
	existing, findErr := r.store.FindEntity(ctx, ref.TaxIdentifier, countryCode)
	if findErr != nil {
		return nil, eris.Wrap(findErr, "ingest: re-read entity after race")
	}
	if existing == nil {
		return nil, eris.Wrapf(err, "ingest: entity %s/%s vanished after unique violation", ref.TaxIdentifier, countryCode)
	}
	zap.L().Debug("ingest: entity create race recovered",
		zap.String("tax_identifier", ref.TaxIdentifier),
		zap.String("country_code", countryCode),
		zap.Int64("entity_id", existing.ID),
	)
	return r.refresh(ctx, existing, ref)
}

func (r *Resolver) refresh(ctx context.Context, e *model.Entity, ref model.EntityRef) (*model.Entity, error) {
	if err := r.store.UpdateEntityAttributes(ctx, e.ID, ref.Name, ref.IsPublicBody, ref.IsCompany); err != nil {
		return nil, eris.Wrap(err, "ingest: refresh entity attributes")
	}
	e.Name = ref.Name
	e.IsPublicBody = ref.IsPublicBody
	e.IsCompany = ref.IsCompany
	return e, nil
}
