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
	"golang.org/x/time/rate"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/resilience"
)

// QuemFatura reads quemfatura.pt, a portal aggregating Portal BASE data
// behind a Cloudflare managed challenge. Requests carry a cf_clearance
// cookie obtained out-of-band from a browser session and stored in the
// data source config; the payload contract is unchanged, only the
// transport differs.
type QuemFatura struct {
	baseURL      string
	cfClearance  string
	userAgent    string
	fetchDetails bool
	http         *http.Client
	limiter      *rate.Limiter
}

const qfMaxLimit = 100

// qfDefaultRPS keeps detail fetches below the portal's challenge
// sensitivity threshold.
const qfDefaultRPS = 2.0

const qfDefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:140.0) Gecko/20100101 Firefox/140.0"

type quemFaturaConfig struct {
	BaseURL        string  `json:"base_url"`
	CFClearance    string  `json:"cf_clearance"`
	UserAgent      string  `json:"user_agent"`
	FetchDetails   bool    `json:"fetch_details"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

// NewQuemFatura builds the QuemFatura adapter from a data source row.
func NewQuemFatura(ds *model.DataSource) (Adapter, error) {
	var cfg quemFaturaConfig
	if len(ds.Config) > 0 {
		if err := json.Unmarshal(ds.Config, &cfg); err != nil {
			return nil, eris.Wrap(err, "quemfatura: parse config")
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://quemfatura.pt"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = qfDefaultUserAgent
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = qfDefaultRPS
	}
	return &QuemFatura{
		baseURL:      cfg.BaseURL,
		cfClearance:  cfg.CFClearance,
		userAgent:    cfg.UserAgent,
		fetchDetails: cfg.FetchDetails,
		http:         newHTTPClient(60 * time.Second),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 5),
	}, nil
}

func (q *QuemFatura) SourceName() string  { return "QuemFatura.pt" }
func (q *QuemFatura) CountryCode() string { return "PT" }

// TotalCount reports the upstream contract count for progress logging.
func (q *QuemFatura) TotalCount(ctx context.Context) (int, error) {
	var out qfListResponse
	if err := q.get(ctx, fmt.Sprintf("%s/api/contracts?skip=0&limit=1", q.baseURL), &out); err != nil {
		return 0, err
	}
	return out.TotalCount, nil
}

// FetchContracts pages through the skip/limit list API. When the config
// enables detail fetches, each summary is merged with its detail record;
// a failed detail fetch degrades to the summary alone.
func (q *QuemFatura) FetchContracts(ctx context.Context, page, limit int) ([]model.Payload, error) {
	if limit <= 0 || limit > qfMaxLimit {
		limit = qfMaxLimit
	}
	skip := (page - 1) * limit

	var out qfListResponse
	err := q.get(ctx, fmt.Sprintf("%s/api/contracts?skip=%d&limit=%d", q.baseURL, skip, limit), &out)
	if err != nil {
		if resilience.IsTransient(err) {
			return nil, err
		}
		zap.L().Warn("quemfatura: fetch degraded to empty page",
			zap.Int("page", page),
			zap.Error(err),
		)
		return nil, nil
	}

	payloads := make([]model.Payload, 0, len(out.Contracts))
	for _, c := range out.Contracts {
		rec := c
		if q.fetchDetails {
			rec = q.fetchDetail(ctx, c)
		}
		payloads = append(payloads, rec.normalize())
	}
	return payloads, nil
}

// fetchDetail merges the detail endpoint record over the summary.
func (q *QuemFatura) fetchDetail(ctx context.Context, summary qfContract) qfContract {
	if summary.ID == 0 {
		return summary
	}
	var detail qfContract
	if err := q.get(ctx, fmt.Sprintf("%s/api/contracts/%d", q.baseURL, summary.ID), &detail); err != nil {
		zap.L().Debug("quemfatura: detail fetch failed, using summary",
			zap.Int64("idcontrato", summary.ID),
			zap.Error(err),
		)
		return summary
	}
	return summary.merge(detail)
}

func (q *QuemFatura) get(ctx context.Context, url string, out any) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "quemfatura: rate limit wait")
	}
	headers := map[string]string{
		"User-Agent": q.userAgent,
		"Referer":    q.baseURL + "/contracts",
	}
	if q.cfClearance != "" {
		headers["Cookie"] = "cf_clearance=" + q.cfClearance
	}
	return getJSON(ctx, q.http, url, headers, out)
}

type qfListResponse struct {
	TotalCount int          `json:"total_count"`
	Skip       int          `json:"skip"`
	Limit      int          `json:"limit"`
	Contracts  []qfContract `json:"contracts"`
}

type qfContract struct {
	ID              int64     `json:"idcontrato"`
	Object          string    `json:"objectoContrato"`
	ProcedureType   string    `json:"tipoprocedimento"`
	PublicationDate string    `json:"dataPublicacao"`
	CelebrationDate string    `json:"dataCelebracaoContrato"`
	BasePrice       jsonPrice `json:"precoContratual"`
	CPVs            string    `json:"cpvs"`
	Location        string    `json:"localExecucao"`
	BuyerTaxIDs     []string  `json:"adjudicante"`
	BuyerNames      []string  `json:"adjudicante_nomes"`
	WinnerTaxIDs    []string  `json:"adjudicatarios"`
	WinnerNames     []string  `json:"adjudicatario_nomes"`
}

// merge overlays detail fields that the list endpoint leaves blank.
func (c qfContract) merge(detail qfContract) qfContract {
	if c.CelebrationDate == "" {
		c.CelebrationDate = detail.CelebrationDate
	}
	if c.Location == "" {
		c.Location = detail.Location
	}
	if c.CPVs == "" {
		c.CPVs = detail.CPVs
	}
	return c
}

func (c qfContract) normalize() model.Payload {
	var buyerID, buyerName string
	if len(c.BuyerTaxIDs) > 0 {
		buyerID = c.BuyerTaxIDs[0]
	}
	if len(c.BuyerNames) > 0 {
		buyerName = c.BuyerNames[0]
	}
	return model.Payload{
		ExternalID:      strconv.FormatInt(c.ID, 10),
		CountryCode:     "PT",
		Object:          c.Object,
		ProcedureType:   c.ProcedureType,
		PublicationDate: parseDate(c.PublicationDate),
		CelebrationDate: parseDate(c.CelebrationDate),
		BasePrice:       c.BasePrice.Decimal(),
		CPVCode:         leadingToken(c.CPVs, " ", "-"),
		Location:        c.Location,
		ContractingEntity: model.EntityRef{
			TaxIdentifier: buyerID,
			Name:          buyerName,
			IsPublicBody:  true,
		},
		Winners: zipWinners(c.WinnerTaxIDs, c.WinnerNames, true),
	}
}
