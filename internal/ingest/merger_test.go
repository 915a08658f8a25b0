package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transparenciahub/procurement-cli/internal/model"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func day(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func testSource(fs *fakeStore, id int64, adapterID string) *model.DataSource {
	return fs.addSource(model.DataSource{
		ID:          id,
		CountryCode: "PT",
		Name:        "Source " + adapterID,
		Adapter:     adapterID,
		Status:      model.SourceActive,
	})
}

func testPayload(externalID string) model.Payload {
	return model.Payload{
		ExternalID:      externalID,
		CountryCode:     "PT",
		Object:          "Aquisição de material de escritório",
		ContractType:    "Aquisição de bens móveis",
		ProcedureType:   "Concurso público",
		PublicationDate: day("2025-01-10"),
		CelebrationDate: day("2025-02-01"),
		BasePrice:       dec("15000"),
		CPVCode:         "30190000",
		Location:        "Lisboa",
		ContractingEntity: model.EntityRef{
			TaxIdentifier: "500000000",
			Name:          "Município de Lisboa",
			IsPublicBody:  true,
		},
		Winners: []model.EntityRef{
			{TaxIdentifier: "509111222", Name: "Papelaria Central, Lda", IsCompany: true},
		},
	}
}

func newTestMerger(fs *fakeStore) *Merger {
	return NewMerger(fs, NewResolver(fs), 5)
}

func TestMerger_CreatesContractWithWinners(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	outcome, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	c := fs.contractByKey("CT-100", "PT")
	require.NotNil(t, c)
	assert.Equal(t, "Aquisição de material de escritório", c.Object)
	assert.True(t, c.BasePrice.Equal(decimal.RequireFromString("15000")))
	require.NotNil(t, c.DataSourceID)
	assert.Equal(t, int64(1), *c.DataSourceID)

	winners, err := fs.WinnerTaxIDs(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"509111222"}, winners)
}

func TestMerger_GatesSkipInvalidPayloads(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	blankID := testPayload("")
	blankObject := testPayload("CT-101")
	blankObject.Object = "   "
	noBuyer := testPayload("CT-102")
	noBuyer.ContractingEntity = model.EntityRef{Name: "Sem NIF"}

	for _, p := range []model.Payload{blankID, blankObject, noBuyer} {
		outcome, err := m.ImportPayload(ctx, ds, p)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, outcome)
	}
	assert.Zero(t, fs.contractCount())
}

func TestMerger_ReimportIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	_, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)
	outcome, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, 1, fs.contractCount())
	c := fs.contractByKey("CT-100", "PT")
	winners, _ := fs.WinnerTaxIDs(ctx, c.ID)
	assert.Len(t, winners, 1)
}

func TestMerger_BlankFillNeverOverwrites(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	sparse := testPayload("CT-100")
	sparse.CelebrationDate = nil
	sparse.Location = ""
	sparse.TotalEffectivePrice = nil
	_, err := m.ImportPayload(ctx, ds, sparse)
	require.NoError(t, err)

	richer := testPayload("CT-100")
	richer.Object = "Objeto diferente que não deve vencer"
	richer.BasePrice = dec("99999")
	richer.TotalEffectivePrice = dec("14800.50")
	richer.Location = "Porto"
	outcome, err := m.ImportPayload(ctx, ds, richer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)

	c := fs.contractByKey("CT-100", "PT")
	// Blanks filled.
	require.NotNil(t, c.CelebrationDate)
	assert.Equal(t, *day("2025-02-01"), *c.CelebrationDate)
	assert.Equal(t, "Porto", c.Location)
	assert.True(t, c.TotalEffectivePrice.Equal(decimal.RequireFromString("14800.50")))
	// Present values untouched.
	assert.Equal(t, "Aquisição de material de escritório", c.Object)
	assert.True(t, c.BasePrice.Equal(decimal.RequireFromString("15000")))
}

func TestMerger_CrossSourceCollisionSkips(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	first := testSource(fs, 1, "portalbase")
	second := testSource(fs, 2, "quemfatura")
	ctx := context.Background()

	_, err := m.ImportPayload(ctx, first, testPayload("CT-100"))
	require.NoError(t, err)

	entitiesBefore := len(fs.entities)
	intruder := testPayload("CT-100")
	intruder.Object = "Outro objeto"
	intruder.ContractingEntity = model.EntityRef{
		TaxIdentifier: "501111111", Name: "Outra Entidade", IsPublicBody: true,
	}
	outcome, err := m.ImportPayload(ctx, second, intruder)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	c := fs.contractByKey("CT-100", "PT")
	assert.Equal(t, "Aquisição de material de escritório", c.Object)
	assert.Equal(t, int64(1), *c.DataSourceID)
	// The rejected import leaves no entity rows behind.
	assert.Len(t, fs.entities, entitiesBefore)
}

func TestMerger_NaturalKeyDedupMergesAcrossExternalIDs(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	_, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)

	// Same buyer, object, price, celebration date, and winner set under
	// a different upstream identifier.
	dup := testPayload("OTHER-900")
	outcome, err := m.ImportPayload(ctx, ds, dup)
	require.NoError(t, err)

	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, 1, fs.contractCount())
	// The merged row keeps its original external id.
	assert.NotNil(t, fs.contractByKey("CT-100", "PT"))
	assert.Nil(t, fs.contractByKey("OTHER-900", "PT"))
}

func TestMerger_DifferentWinnerSetCreatesNewContract(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	_, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)

	other := testPayload("OTHER-900")
	other.Winners = []model.EntityRef{
		{TaxIdentifier: "509999888", Name: "Outra Papelaria, SA", IsCompany: true},
	}
	outcome, err := m.ImportPayload(ctx, ds, other)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, 2, fs.contractCount())
}

func TestMerger_NoWinnersAcceptsSingleCandidateOnly(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	_, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)

	noWinners := testPayload("OTHER-900")
	noWinners.Winners = nil
	outcome, err := m.ImportPayload(ctx, ds, noWinners)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, 1, fs.contractCount())
}

func TestMerger_NoWinnersAmbiguousCandidatesCreates(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	first := testPayload("CT-100")
	second := testPayload("CT-101")
	second.Winners = []model.EntityRef{
		{TaxIdentifier: "509999888", Name: "Outra Papelaria, SA", IsCompany: true},
	}
	_, err := m.ImportPayload(ctx, ds, first)
	require.NoError(t, err)
	_, err = m.ImportPayload(ctx, ds, second)
	require.NoError(t, err)
	require.Equal(t, 2, fs.contractCount())

	noWinners := testPayload("OTHER-900")
	noWinners.Winners = nil
	outcome, err := m.ImportPayload(ctx, ds, noWinners)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, 3, fs.contractCount())
}

func TestMerger_NoDatesSkipsDedup(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	_, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)

	undated := testPayload("OTHER-900")
	undated.PublicationDate = nil
	undated.CelebrationDate = nil
	outcome, err := m.ImportPayload(ctx, ds, undated)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Equal(t, 2, fs.contractCount())
}

func TestMerger_CreateRaceFallsBackToMerge(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	sourceID := int64(1)
	fs.raceContract = &model.Contract{
		ExternalID:   "CT-100",
		CountryCode:  "PT",
		Object:       "Aquisição de material de escritório",
		DataSourceID: &sourceID,
	}

	outcome, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	assert.Equal(t, 1, fs.contractCount())

	c := fs.contractByKey("CT-100", "PT")
	require.NotNil(t, c.BasePrice)
	assert.True(t, c.BasePrice.Equal(decimal.RequireFromString("15000")))
}

func TestMerger_ImportPageBulkUpserts(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	_, err := m.ImportPayload(ctx, ds, testPayload("CT-100"))
	require.NoError(t, err)

	update := testPayload("CT-100")
	update.Object = "Objeto revisto"
	fresh := testPayload("CT-200")
	invalid := testPayload("")

	stats, err := m.ImportPage(ctx, ds, []model.Payload{update, fresh, invalid})
	require.NoError(t, err)
	assert.Equal(t, PageStats{Fetched: 3, Inserted: 1, Updated: 1, Failed: 1}, stats)

	// The bulk policy trusts the latest import and overwrites.
	c := fs.contractByKey("CT-100", "PT")
	assert.Equal(t, "Objeto revisto", c.Object)
	assert.NotNil(t, fs.contractByKey("CT-200", "PT"))
}

func TestMerger_ImportPageDeduplicatesWithinPage(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	first := testPayload("CT-100")
	second := testPayload("CT-100")
	second.Object = "Versão posterior"

	stats, err := m.ImportPage(ctx, ds, []model.Payload{first, second})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, fs.contractCount())
	assert.Equal(t, "Versão posterior", fs.contractByKey("CT-100", "PT").Object)
}

func TestMerger_ImportPageAttachesWinners(t *testing.T) {
	fs := newFakeStore()
	m := newTestMerger(fs)
	ds := testSource(fs, 1, "portalbase")
	ctx := context.Background()

	stats, err := m.ImportPage(ctx, ds, []model.Payload{testPayload("CT-100")})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Inserted)

	c := fs.contractByKey("CT-100", "PT")
	winners, err := fs.WinnerTaxIDs(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"509111222"}, winners)
}
