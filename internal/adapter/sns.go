package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/resilience"
)

// SNS reads the Portal da Transparência SNS OpenDataSoft dataset
// (health-sector procurement). The records API enforces a hard
// offset+limit ceiling of 10,000 per query, which the full dataset
// exceeds, so fetches iterate a queue of year-windowed sub-queries
// (pre-2010 bucket, one window per year, null-date bucket) and present
// them to the caller as a single flat page sequence.
type SNS struct {
	baseURL   string
	dataset   string
	startYear int
	http      *http.Client
	pageDelay time.Duration

	// cursor is the explicit window/offset session state. It resets on
	// page 1 so pooled or recreated adapter instances stay correct.
	cursor snsCursor
}

type snsCursor struct {
	windows []string
	idx     int
	offset  int
}

// The OpenDataSoft records API caps limit at 100 per request.
const snsMaxLimit = 100

type snsConfig struct {
	BaseURL   string `json:"base_url"`
	StartYear int    `json:"start_year"`
}

// NewSNS builds the SNS adapter from a data source row.
func NewSNS(ds *model.DataSource) (Adapter, error) {
	var cfg snsConfig
	if len(ds.Config) > 0 {
		if err := json.Unmarshal(ds.Config, &cfg); err != nil {
			return nil, eris.Wrap(err, "sns: parse config")
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://transparencia.sns.gov.pt"
	}
	if cfg.StartYear <= 0 {
		cfg.StartYear = 2010
	}
	return &SNS{
		baseURL:   cfg.BaseURL,
		dataset:   "portal-base",
		startYear: cfg.StartYear,
		http:      newHTTPClient(60 * time.Second),
		pageDelay: 200 * time.Millisecond,
	}, nil
}

func (s *SNS) SourceName() string  { return "Portal da Transparência SNS" }
func (s *SNS) CountryCode() string { return "PT" }

// InterPageDelay paces fetches against the shared OpenDataSoft endpoint.
func (s *SNS) InterPageDelay() time.Duration { return s.pageDelay }

// TotalCount reports the dataset size for progress logging.
func (s *SNS) TotalCount(ctx context.Context) (int, error) {
	var out snsResponse
	if err := getJSON(ctx, s.http, s.recordsURL(0, 0, ""), nil, &out); err != nil {
		return 0, err
	}
	return out.TotalCount, nil
}

// Cursor exposes the window state for tests and replay.
func (s *SNS) Cursor() (windowIdx, offset int) {
	return s.cursor.idx, s.cursor.offset
}

// FetchContracts walks the year-window queue. Pages are topped up across
// window boundaries, so a short page means the whole queue is drained,
// never just the current window. Empty windows are skipped in place.
func (s *SNS) FetchContracts(ctx context.Context, page, limit int) ([]model.Payload, error) {
	if page == 1 {
		s.cursor = snsCursor{windows: s.buildWindows(time.Now().UTC().Year())}
	}
	if limit <= 0 || limit > snsMaxLimit {
		limit = snsMaxLimit
	}

	var payloads []model.Payload
	for len(payloads) < limit && s.cursor.idx < len(s.cursor.windows) {
		where := s.cursor.windows[s.cursor.idx]
		want := limit - len(payloads)

		var out snsResponse
		err := getJSON(ctx, s.http, s.recordsURL(want, s.cursor.offset, where), nil, &out)
		if err != nil {
			if resilience.IsTransient(err) {
				return nil, err
			}
			zap.L().Warn("sns: fetch degraded to empty window",
				zap.String("where", where),
				zap.Error(err),
			)
			s.cursor.idx++
			s.cursor.offset = 0
			continue
		}

		if len(out.Results) == 0 {
			s.cursor.idx++
			s.cursor.offset = 0
			continue
		}

		s.cursor.offset += len(out.Results)
		if len(out.Results) < want {
			s.cursor.idx++
			s.cursor.offset = 0
		}

		for _, rec := range out.Results {
			payloads = append(payloads, rec.normalize())
		}
	}

	return payloads, nil
}

// buildWindows returns the ordered ODSQL where-clauses covering the full
// dataset without any single window exceeding the offset ceiling.
func (s *SNS) buildWindows(currentYear int) []string {
	windows := []string{fmt.Sprintf("data_de_publicacao < '%d-01-01'", s.startYear)}
	for y := s.startYear; y <= currentYear; y++ {
		windows = append(windows, fmt.Sprintf("year(data_de_publicacao)=%d", y))
	}
	return append(windows, "data_de_publicacao is null")
}

func (s *SNS) recordsURL(limit, offset int, where string) string {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("offset", fmt.Sprintf("%d", offset))
	if where != "" {
		q.Set("where", where)
	}
	return fmt.Sprintf("%s/api/explore/v2.1/catalog/datasets/%s/records?%s", s.baseURL, s.dataset, q.Encode())
}

type snsResponse struct {
	TotalCount int         `json:"total_count"`
	Results    []snsRecord `json:"results"`
}

type snsRecord struct {
	Object            string    `json:"objeto_do_contrato"`
	ContractTypes     string    `json:"tipos_de_contrato"`
	ProcedureType     string    `json:"tipo_de_procedimento"`
	PublicationDate   string    `json:"data_de_publicacao"`
	CelebrationDate   string    `json:"data_de_celebracao_do_contrato"`
	BasePrice         jsonPrice `json:"preco_contratual"`
	TotalPrice        jsonPrice `json:"preco_total_efetivo"`
	CPVs              string    `json:"cpvs"`
	Location          string    `json:"local_de_execucao"`
	BuyerTaxIDs       string    `json:"nifs_dos_adjudicantes"`
	BuyerNames        string    `json:"entidades_adjudicantes_normalizado"`
	WinnerTaxIDs      string    `json:"nifs_das_adjudicatarias"`
	WinnerNames       string    `json:"entidades_adjudicatarias_normalizado"`
}

func (r snsRecord) normalize() model.Payload {
	return model.Payload{
		ExternalID:          r.syntheticID(),
		CountryCode:         "PT",
		Object:              r.Object,
		ContractType:        r.ContractTypes,
		ProcedureType:       r.ProcedureType,
		PublicationDate:     parseDate(r.PublicationDate),
		CelebrationDate:     parseDate(r.CelebrationDate),
		BasePrice:           r.BasePrice.Decimal(),
		TotalEffectivePrice: r.TotalPrice.Decimal(),
		CPVCode:             leadingToken(r.CPVs, ","),
		Location:            r.Location,
		ContractingEntity: model.EntityRef{
			TaxIdentifier: firstPipe(r.BuyerTaxIDs),
			Name:          firstPipe(r.BuyerNames),
			IsPublicBody:  true,
		},
		Winners: zipWinners(splitPipe(r.WinnerTaxIDs), splitPipe(r.WinnerNames), true),
	}
}

// syntheticID derives a stable external id from record content; the SNS
// dataset does not expose the underlying Portal BASE contract id.
func (r snsRecord) syntheticID() string {
	object := r.Object
	if len(object) > 60 {
		object = object[:60]
	}
	h := sha256.Sum256([]byte(
		r.BuyerTaxIDs + "|" + r.WinnerTaxIDs + "|" + r.CelebrationDate + "|" + r.BasePrice.raw + "|" + object,
	))
	return hex.EncodeToString(h[:])[:20]
}
