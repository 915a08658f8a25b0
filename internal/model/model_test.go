package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPayload_Normalize(t *testing.T) {
	p := Payload{
		ExternalID:  "  ct-1  ",
		CountryCode: " pt ",
		Object:      " Aquisição ",
		ContractingEntity: EntityRef{
			TaxIdentifier: " 500000000 ",
			Name:          " Município ",
		},
		Winners: []EntityRef{{TaxIdentifier: " 509111222 ", Name: " Fornecedor "}},
	}
	p.Normalize()

	assert.Equal(t, "ct-1", p.ExternalID)
	assert.Equal(t, "PT", p.CountryCode)
	assert.Equal(t, "Aquisição", p.Object)
	assert.Equal(t, "500000000", p.ContractingEntity.TaxIdentifier)
	assert.Equal(t, "509111222", p.Winners[0].TaxIdentifier)
}

func TestPayload_WinnerTaxIDsSkipsBlank(t *testing.T) {
	p := Payload{Winners: []EntityRef{
		{TaxIdentifier: "509111222"},
		{Name: "Sem NIF"},
		{TaxIdentifier: "509333444"},
	}}
	ids := p.WinnerTaxIDs()
	assert.Equal(t, map[string]bool{"509111222": true, "509333444": true}, ids)
}

func TestDataSource_ConfigMap(t *testing.T) {
	ds := DataSource{Config: json.RawMessage(`{"base_url": "https://example.test", "limit": 50}`)}
	m := ds.ConfigMap()
	assert.Equal(t, "https://example.test", m["base_url"])

	empty := DataSource{}
	assert.Empty(t, empty.ConfigMap())
	malformed := DataSource{Config: json.RawMessage(`not json`)}
	assert.Empty(t, malformed.ConfigMap())
}
