// Package model holds the domain types shared across the ingestion and
// flagging pipeline.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntityRef identifies one party on a contract payload before resolution.
type EntityRef struct {
	TaxIdentifier string `json:"tax_identifier"`
	Name          string `json:"name"`
	IsPublicBody  bool   `json:"is_public_body"`
	IsCompany     bool   `json:"is_company"`
}

// Payload is the normalized contract record every source adapter produces.
// Field presence is modeled with pointers; adapters coerce blank upstream
// values to nil rather than empty strings where the distinction matters
// downstream (merge policy treats nil as "absent").
type Payload struct {
	ExternalID          string           `json:"external_id"`
	CountryCode         string           `json:"country_code"`
	Object              string           `json:"object"`
	ContractType        string           `json:"contract_type"`
	ProcedureType       string           `json:"procedure_type"`
	PublicationDate     *time.Time       `json:"publication_date"`
	CelebrationDate     *time.Time       `json:"celebration_date"`
	BasePrice           *decimal.Decimal `json:"base_price"`
	TotalEffectivePrice *decimal.Decimal `json:"total_effective_price"`
	CPVCode             string           `json:"cpv_code"`
	Location            string           `json:"location"`
	ContractingEntity   EntityRef        `json:"contracting_entity"`
	Winners             []EntityRef      `json:"winners"`
}

// Normalize trims all text fields and uppercases the country code in place.
func (p *Payload) Normalize() {
	p.ExternalID = strings.TrimSpace(p.ExternalID)
	p.CountryCode = strings.ToUpper(strings.TrimSpace(p.CountryCode))
	p.Object = strings.TrimSpace(p.Object)
	p.ContractType = strings.TrimSpace(p.ContractType)
	p.ProcedureType = strings.TrimSpace(p.ProcedureType)
	p.CPVCode = strings.TrimSpace(p.CPVCode)
	p.Location = strings.TrimSpace(p.Location)
	p.ContractingEntity.TaxIdentifier = strings.TrimSpace(p.ContractingEntity.TaxIdentifier)
	p.ContractingEntity.Name = strings.TrimSpace(p.ContractingEntity.Name)
	for i := range p.Winners {
		p.Winners[i].TaxIdentifier = strings.TrimSpace(p.Winners[i].TaxIdentifier)
		p.Winners[i].Name = strings.TrimSpace(p.Winners[i].Name)
	}
}

// WinnerTaxIDs returns the set of winner tax identifiers on the payload.
func (p *Payload) WinnerTaxIDs() map[string]bool {
	ids := make(map[string]bool, len(p.Winners))
	for _, w := range p.Winners {
		if w.TaxIdentifier != "" {
			ids[w.TaxIdentifier] = true
		}
	}
	return ids
}
