package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Severity grades how serious a flag is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Flag is one rule-match record for one contract. (contract_id, flag_key)
// is unique; re-runs that change the computed evidence update the row in
// place rather than duplicating it.
type Flag struct {
	ID               int64           `json:"id"`
	ContractID       int64           `json:"contract_id"`
	CountryCode      string          `json:"country_code"`
	FlagKey          string          `json:"flag_key"`
	Severity         Severity        `json:"severity"`
	Confidence       decimal.Decimal `json:"confidence"`
	DataCompleteness decimal.Decimal `json:"data_completeness"`
	Evidence         json.RawMessage `json:"evidence"`
	Fingerprint      string          `json:"fingerprint"`
	DetectedAt       time.Time       `json:"detected_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
