package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/resilience"
)

// TED reads the EU Tenders Electronic Daily search API. Notices are
// queried with an expert-query filter on the buyer's country and carry
// multilingual text fields; the adapter selects English, then Portuguese,
// then whatever language the notice has.
type TED struct {
	baseURL       string
	apiKey        string
	countryAlpha3 string
	http          *http.Client
}

// tedFields is the field set requested on every search.
var tedFields = []string{
	"publication-number",
	"publication-date",
	"notice-title",
	"organisation-country-buyer",
	"organisation-name-buyer",
}

type tedConfig struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	CountryCode string `json:"country_code"`
}

// NewTED builds the TED adapter from a data source row. The configured
// country code is ISO 3166-1 alpha-3, as required by TED expert queries.
func NewTED(ds *model.DataSource) (Adapter, error) {
	var cfg tedConfig
	if len(ds.Config) > 0 {
		if err := json.Unmarshal(ds.Config, &cfg); err != nil {
			return nil, eris.Wrap(err, "ted: parse config")
		}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.ted.europa.eu"
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = "PRT"
	}
	return &TED{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		countryAlpha3: strings.ToUpper(cfg.CountryCode),
		http:          newHTTPClient(30 * time.Second),
	}, nil
}

func (t *TED) SourceName() string  { return "TED — Tenders Electronic Daily" }
func (t *TED) CountryCode() string { return "EU" }

// FetchContracts runs one page of the notices search.
func (t *TED) FetchContracts(ctx context.Context, page, limit int) ([]model.Payload, error) {
	body := map[string]any{
		"query":  fmt.Sprintf("organisation-country-buyer=%s", t.countryAlpha3),
		"fields": tedFields,
		"page":   page,
		"limit":  limit,
	}
	headers := map[string]string{}
	if t.apiKey != "" {
		headers["api-key"] = t.apiKey
	}

	var out tedSearchResponse
	url := t.baseURL + "/v3/notices/search"
	if err := postJSON(ctx, t.http, url, headers, body, &out); err != nil {
		if resilience.IsTransient(err) {
			return nil, err
		}
		zap.L().Warn("ted: fetch degraded to empty page",
			zap.Int("page", page),
			zap.Error(err),
		)
		return nil, nil
	}

	payloads := make([]model.Payload, 0, len(out.Notices))
	for _, n := range out.Notices {
		payloads = append(payloads, n.normalize())
	}
	return payloads, nil
}

type tedSearchResponse struct {
	Notices          []tedNotice `json:"notices"`
	TotalNoticeCount int         `json:"totalNoticeCount"`
}

type tedNotice struct {
	PublicationNumber string   `json:"publication-number"`
	PublicationDate   string   `json:"publication-date"`
	Title             tedText  `json:"notice-title"`
	BuyerCountry      []string `json:"organisation-country-buyer"`
	BuyerName         tedText  `json:"organisation-name-buyer"`
}

func (n tedNotice) normalize() model.Payload {
	country := "EU"
	if len(n.BuyerCountry) > 0 {
		country = alpha3ToAlpha2(n.BuyerCountry[0])
	}
	buyerName := n.BuyerName.Prefer("eng", "por")
	return model.Payload{
		ExternalID:      n.PublicationNumber,
		CountryCode:     country,
		Object:          n.Title.Prefer("eng", "por"),
		PublicationDate: parseDate(trimDate(n.PublicationDate)),
		ContractingEntity: model.EntityRef{
			TaxIdentifier: syntheticBuyerTaxID(buyerName),
			Name:          buyerName,
			IsPublicBody:  true,
		},
	}
}

// trimDate cuts a TED date such as "2024-05-16+02:00" down to the date part.
func trimDate(value string) string {
	if len(value) > 10 && value[10] != 'T' {
		return value[:10]
	}
	return value
}

// syntheticBuyerTaxID derives a stable identifier from a buyer name for
// notices that publish no registration number. The same buyer name always
// maps to the same id so entity resolution converges across runs.
func syntheticBuyerTaxID(name string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return "ted-" + hex.EncodeToString(sum[:])[:20]
}

// tedText is a multilingual TED field. Per-language values arrive either
// as a single string or as an array of strings depending on the field.
type tedText map[string][]string

func (t *tedText) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(tedText, len(raw))
	for lang, v := range raw {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[lang] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return err
		}
		out[lang] = many
	}
	*t = out
	return nil
}

// Prefer returns the first non-empty value in preference order, falling
// back to the lexicographically first language so the choice is stable.
func (t tedText) Prefer(langs ...string) string {
	for _, lang := range langs {
		for _, v := range t[lang] {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	rest := make([]string, 0, len(t))
	for lang := range t {
		rest = append(rest, lang)
	}
	sort.Strings(rest)
	for _, lang := range rest {
		for _, v := range t[lang] {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// alpha3Map covers the countries TED notices carry for buyers; anything
// outside it maps to the "EU" sentinel rather than guessing.
var alpha3Map = map[string]string{
	"AUT": "AT", "BEL": "BE", "BGR": "BG", "HRV": "HR", "CYP": "CY",
	"CZE": "CZ", "DNK": "DK", "EST": "EE", "FIN": "FI", "FRA": "FR",
	"DEU": "DE", "GRC": "GR", "HUN": "HU", "IRL": "IE", "ITA": "IT",
	"LVA": "LV", "LTU": "LT", "LUX": "LU", "MLT": "MT", "NLD": "NL",
	"POL": "PL", "PRT": "PT", "ROU": "RO", "SVK": "SK", "SVN": "SI",
	"ESP": "ES", "SWE": "SE", "NOR": "NO", "ISL": "IS", "CHE": "CH",
	"GBR": "GB", "LIE": "LI",
}

func alpha3ToAlpha2(code string) string {
	if a2, ok := alpha3Map[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return a2
	}
	return "EU"
}
