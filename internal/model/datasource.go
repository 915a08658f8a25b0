package model

import (
	"encoding/json"
	"time"
)

// SourceStatus is the lifecycle state of a data source.
type SourceStatus string

const (
	SourceInactive SourceStatus = "inactive"
	SourceActive   SourceStatus = "active"
	SourceError    SourceStatus = "error"
)

// SourceType classifies how a data source is consumed.
type SourceType string

const (
	SourceTypeAPI     SourceType = "api"
	SourceTypeScraper SourceType = "scraper"
	SourceTypeCSV     SourceType = "csv"
)

// IngestCheckpoint is the resumable pagination state for one ingestion
// run. It lives in dedicated columns on the data source row, separate
// from the adapter-specific config blob. LastSuccessPage only advances
// forward within a run and resets to 0 when a new run id is installed.
type IngestCheckpoint struct {
	RunID           string     `json:"run_id"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastSuccessPage int        `json:"last_success_page"`
}

// DataSource configures one external source adapter.
type DataSource struct {
	ID           int64            `json:"id"`
	CountryCode  string           `json:"country_code"`
	Name         string           `json:"name"`
	SourceType   SourceType       `json:"source_type"`
	Adapter      string           `json:"adapter"`
	Config       json.RawMessage  `json:"config,omitempty"`
	Status       SourceStatus     `json:"status"`
	LastSyncedAt *time.Time       `json:"last_synced_at,omitempty"`
	RecordCount  int64            `json:"record_count"`
	Checkpoint   IngestCheckpoint `json:"checkpoint"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ConfigMap decodes the adapter config blob. A nil or malformed blob
// decodes to an empty map.
func (ds *DataSource) ConfigMap() map[string]any {
	if len(ds.Config) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(ds.Config, &m); err != nil {
		return map[string]any{}
	}
	return m
}
