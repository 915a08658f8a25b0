// Package adapter contains the source adapters that turn upstream
// procurement records into normalized contract payloads, plus the
// registry that maps data source configuration to adapter constructors.
package adapter

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/transparenciahub/procurement-cli/internal/model"
)

// Adapter produces normalized contract payloads from one external source.
// page==1 always means "(re)start from the beginning"; page>1 means
// "continue". Adapters whose upstream cursor is not a simple page number
// keep an explicit session cursor that resets on page 1.
type Adapter interface {
	SourceName() string
	CountryCode() string
	FetchContracts(ctx context.Context, page, limit int) ([]model.Payload, error)
}

// TotalCounter is an optional capability: a best-effort record count used
// for progress reporting only. It must never gate loop termination.
type TotalCounter interface {
	TotalCount(ctx context.Context) (int, error)
}

// Pacer is an optional capability: a delay the orchestrator applies
// between page fetches.
type Pacer interface {
	InterPageDelay() time.Duration
}

// Factory builds an adapter from a data source row (country + config blob).
type Factory func(ds *model.DataSource) (Adapter, error)

// Registry maps adapter identifiers to factories. Identifiers are
// validated eagerly at startup rather than at first use.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with all production adapters registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("portalbase", NewPortalBase)
	r.Register("sns", NewSNS)
	r.Register("quemfatura", NewQuemFatura)
	r.Register("ted", NewTED)
	return r
}

// Register adds a factory under an identifier.
func (r *Registry) Register(id string, f Factory) {
	r.factories[id] = f
}

// Build constructs the adapter for a data source, rejecting unknown
// identifiers.
func (r *Registry) Build(ds *model.DataSource) (Adapter, error) {
	f, ok := r.factories[ds.Adapter]
	if !ok {
		return nil, eris.Errorf("adapter: unknown identifier %q (known: %v)", ds.Adapter, r.Known())
	}
	return f(ds)
}

// Known returns the sorted list of registered identifiers.
func (r *Registry) Known() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks every data source against the registry, returning an
// error naming the first unknown adapter identifier.
func (r *Registry) Validate(sources []model.DataSource) error {
	for i := range sources {
		if _, ok := r.factories[sources[i].Adapter]; !ok {
			return eris.Errorf("adapter: data source %q references unknown adapter %q", sources[i].Name, sources[i].Adapter)
		}
	}
	return nil
}
