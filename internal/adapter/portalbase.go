package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/resilience"
)

// PortalBase reads the Portuguese public procurement portal's contract
// API with plain limit/offset pagination. It is the high-volume source
// driven through the bulk page-upsert import path.
type PortalBase struct {
	baseURL string
	http    *http.Client
}

type portalBaseConfig struct {
	BaseURL string `json:"base_url"`
}

// NewPortalBase builds the Portal BASE adapter from a data source row.
func NewPortalBase(ds *model.DataSource) (Adapter, error) {
	var cfg portalBaseConfig
	if len(ds.Config) > 0 {
		if err := json.Unmarshal(ds.Config, &cfg); err != nil {
			return nil, eris.Wrap(err, "portalbase: parse config")
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.base.gov.pt/api/v1"
	}
	return &PortalBase{
		baseURL: cfg.BaseURL,
		http:    newHTTPClient(30 * time.Second),
	}, nil
}

func (p *PortalBase) SourceName() string  { return "Portal BASE" }
func (p *PortalBase) CountryCode() string { return "PT" }

// FetchContracts fetches one page via limit/offset.
func (p *PortalBase) FetchContracts(ctx context.Context, page, limit int) ([]model.Payload, error) {
	url := fmt.Sprintf("%s/contratos?limit=%d&offset=%d", p.baseURL, limit, (page-1)*limit)

	var records []pbContract
	if err := getJSON(ctx, p.http, url, nil, &records); err != nil {
		if resilience.IsTransient(err) {
			return nil, err
		}
		zap.L().Warn("portalbase: fetch degraded to empty page",
			zap.Int("page", page),
			zap.Error(err),
		)
		return nil, nil
	}

	payloads := make([]model.Payload, 0, len(records))
	for _, rec := range records {
		payloads = append(payloads, rec.normalize())
	}
	return payloads, nil
}

type pbParty struct {
	NIF  string `json:"nif"`
	Name string `json:"designacao"`
}

type pbContract struct {
	ID              int64     `json:"idcontrato"`
	Object          string    `json:"objectoContrato"`
	ContractType    string    `json:"tipoContrato"`
	ProcedureType   string    `json:"tipoprocedimento"`
	PublicationDate string    `json:"dataPublicacao"`
	CelebrationDate string    `json:"dataCelebracaoContrato"`
	BasePrice       jsonPrice `json:"precoContratual"`
	TotalPrice      jsonPrice `json:"precoTotalEfetivo"`
	CPV             string    `json:"cpv"`
	Location        string    `json:"localExecucao"`
	Buyer           pbParty   `json:"adjudicante"`
	Winners         []pbParty `json:"adjudicatarios"`
}

func (c pbContract) normalize() model.Payload {
	winners := make([]model.EntityRef, 0, len(c.Winners))
	for _, w := range c.Winners {
		if w.NIF == "" && w.Name == "" {
			continue
		}
		winners = append(winners, model.EntityRef{TaxIdentifier: w.NIF, Name: w.Name, IsCompany: true})
	}
	return model.Payload{
		ExternalID:          strconv.FormatInt(c.ID, 10),
		CountryCode:         "PT",
		Object:              c.Object,
		ContractType:        c.ContractType,
		ProcedureType:       c.ProcedureType,
		PublicationDate:     parseDate(c.PublicationDate),
		CelebrationDate:     parseDate(c.CelebrationDate),
		BasePrice:           c.BasePrice.Decimal(),
		TotalEffectivePrice: c.TotalPrice.Decimal(),
		CPVCode:             leadingToken(c.CPV, " "),
		Location:            c.Location,
		ContractingEntity: model.EntityRef{
			TaxIdentifier: c.Buyer.NIF,
			Name:          c.Buyer.Name,
			IsPublicBody:  true,
		},
		Winners: winners,
	}
}
