package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transparenciahub/procurement-cli/internal/model"
	"github.com/transparenciahub/procurement-cli/internal/resilience"
)

func newTED(t *testing.T, baseURL string) Adapter {
	t.Helper()
	cfg, _ := json.Marshal(map[string]string{
		"base_url":     baseURL,
		"api_key":      "secret-key",
		"country_code": "PRT",
	})
	a, err := NewTED(&model.DataSource{Adapter: "ted", Config: cfg})
	require.NoError(t, err)
	return a
}

func TestTED_FetchContracts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/notices/search", r.URL.Path)
		assert.Equal(t, "secret-key", r.Header.Get("api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "organisation-country-buyer=PRT", body["query"])
		assert.Equal(t, float64(2), body["page"])
		assert.Equal(t, float64(25), body["limit"])

		fmt.Fprint(w, `{
			"totalNoticeCount": 2,
			"notices": [
				{
					"publication-number": "00123456-2024",
					"publication-date": "2024-05-16+02:00",
					"notice-title": {"eng": "Supply of hospital beds", "por": "Fornecimento de camas hospitalares"},
					"organisation-country-buyer": ["PRT"],
					"organisation-name-buyer": {"por": ["Centro Hospitalar Sul"]}
				},
				{
					"publication-number": "00123457-2024",
					"publication-date": "2024-05-17+02:00",
					"notice-title": {"fra": "Travaux routiers"},
					"organisation-country-buyer": ["XXK"],
					"organisation-name-buyer": {"fra": "Commune de Test"}
				}
			]
		}`)
	}))
	defer srv.Close()

	a := newTED(t, srv.URL)
	payloads, err := a.FetchContracts(context.Background(), 2, 25)
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	p := payloads[0]
	assert.Equal(t, "00123456-2024", p.ExternalID)
	assert.Equal(t, "PT", p.CountryCode)
	assert.Equal(t, "Supply of hospital beds", p.Object)
	require.NotNil(t, p.PublicationDate)
	assert.Equal(t, "2024-05-16", p.PublicationDate.Format("2006-01-02"))
	assert.Equal(t, "Centro Hospitalar Sul", p.ContractingEntity.Name)
	assert.True(t, p.ContractingEntity.IsPublicBody)
	assert.NotEmpty(t, p.ContractingEntity.TaxIdentifier)

	// Unmapped alpha-3 falls back to the EU sentinel; a notice with no
	// English or Portuguese text keeps its first available language.
	q := payloads[1]
	assert.Equal(t, "EU", q.CountryCode)
	assert.Equal(t, "Travaux routiers", q.Object)
	assert.Equal(t, "Commune de Test", q.ContractingEntity.Name)
}

func TestTED_SyntheticBuyerTaxID(t *testing.T) {
	a := syntheticBuyerTaxID("Centro  Hospitalar   Sul")
	b := syntheticBuyerTaxID("centro hospitalar sul")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "ted-")

	assert.NotEqual(t, a, syntheticBuyerTaxID("Centro Hospitalar Norte"))
	assert.Empty(t, syntheticBuyerTaxID("   "))
}

func TestTED_TextPrefer(t *testing.T) {
	text := tedText{
		"por": {"Título"},
		"eng": {"Title"},
		"fra": {"Titre"},
	}
	assert.Equal(t, "Title", text.Prefer("eng", "por"))

	delete(text, "eng")
	assert.Equal(t, "Título", text.Prefer("eng", "por"))

	delete(text, "por")
	assert.Equal(t, "Titre", text.Prefer("eng", "por"))

	assert.Equal(t, "", tedText{}.Prefer("eng", "por"))
}

func TestTED_Alpha3Mapping(t *testing.T) {
	assert.Equal(t, "PT", alpha3ToAlpha2("PRT"))
	assert.Equal(t, "DE", alpha3ToAlpha2("deu"))
	assert.Equal(t, "EU", alpha3ToAlpha2("XYZ"))
	assert.Equal(t, "EU", alpha3ToAlpha2(""))
}

func TestTED_TrimDate(t *testing.T) {
	assert.Equal(t, "2024-05-16", trimDate("2024-05-16+02:00"))
	assert.Equal(t, "2024-05-16", trimDate("2024-05-16"))
	assert.Equal(t, "2024-05-16T10:00:00Z", trimDate("2024-05-16T10:00:00Z"))
}

func TestTED_TransientStatusPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTED(t, srv.URL)
	_, err := a.FetchContracts(context.Background(), 1, 10)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestTED_AuthFailureDegradesToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := newTED(t, srv.URL)
	payloads, err := a.FetchContracts(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, payloads)
}
