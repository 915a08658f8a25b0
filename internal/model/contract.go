package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity is a person, company, or public body referenced by contracts.
// (tax_identifier, country_code) is unique; the same tax id under a
// different country code is a distinct entity.
type Entity struct {
	ID            int64     `json:"id"`
	TaxIdentifier string    `json:"tax_identifier"`
	CountryCode   string    `json:"country_code"`
	Name          string    `json:"name"`
	IsPublicBody  bool      `json:"is_public_body"`
	IsCompany     bool      `json:"is_company"`
	Address       string    `json:"address,omitempty"`
	City          string    `json:"city,omitempty"`
	PostalCode    string    `json:"postal_code,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Contract is one public procurement award. (external_id, country_code)
// is unique. Once DataSourceID is set it is never reassigned by a
// different source's import.
type Contract struct {
	ID                  int64            `json:"id"`
	ExternalID          string           `json:"external_id"`
	CountryCode         string           `json:"country_code"`
	Object              string           `json:"object"`
	ContractType        string           `json:"contract_type,omitempty"`
	ProcedureType       string           `json:"procedure_type,omitempty"`
	PublicationDate     *time.Time       `json:"publication_date,omitempty"`
	CelebrationDate     *time.Time       `json:"celebration_date,omitempty"`
	BasePrice           *decimal.Decimal `json:"base_price,omitempty"`
	TotalEffectivePrice *decimal.Decimal `json:"total_effective_price,omitempty"`
	CPVCode             string           `json:"cpv_code,omitempty"`
	Location            string           `json:"location,omitempty"`
	ContractingEntityID int64            `json:"contracting_entity_id"`
	DataSourceID        *int64           `json:"data_source_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// ContractWinner joins a contract to a winning entity. Rows are created
// once and never updated.
type ContractWinner struct {
	ContractID int64            `json:"contract_id"`
	EntityID   int64            `json:"entity_id"`
	PriceShare *decimal.Decimal `json:"price_share,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}
