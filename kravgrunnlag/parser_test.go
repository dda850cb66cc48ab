package kravgrunnlag

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navikt/su-tilbakekreving/generic"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(b)
}

func TestParse_NewClaimBasis(t *testing.T) {
	// GIVEN: A new claim basis for two months, delivered out of order
	payload := fixture(t, "nytt_kravgrunnlag.json")

	// WHEN: Parsing
	k, err := Parse([]byte(payload))

	// THEN: Header fields are mapped and periods come back sorted
	require.NoError(t, err)
	assert.Equal(t, "298604", k.EksternKravgrunnlagID)
	assert.Equal(t, "436204", k.EksternVedtakID)
	assert.Equal(t, "2021-06-08-12.05.36.123456", k.EksternKontrollfelt)
	assert.Equal(t, StatusNew, k.Status)
	assert.Equal(t, generic.Saksnummer(10002099), k.Saksnummer)
	assert.Equal(t, generic.SakTypeUfore, k.SakType)
	assert.Equal(t, "K231B433", k.Saksbehandler)

	require.Len(t, k.Grunnlagsperioder, 2)
	assert.Equal(t, []generic.Month{generic.NewMonth(2021, time.May), generic.NewMonth(2021, time.June)}, k.Months())

	may := k.Grunnlagsperioder[0]
	assert.True(t, may.PreviousGross.Equal(generic.NOK(20000)))
	assert.True(t, may.NewGross.IsZero())
	assert.True(t, may.GrossOverpayment.Equal(generic.NOK(20000)))
	assert.True(t, may.TaxPaid.Equal(generic.NOK(4395)))
	assert.True(t, may.TaxRate.Equal(decimal.NewFromInt(25)))

	june, ok := k.Period(generic.NewMonth(2021, time.June))
	require.True(t, ok)
	assert.True(t, june.GrossOverpayment.Equal(generic.NOK(10000)))
	assert.Equal(t, "43.9983", june.TaxRate.String())

	assert.True(t, k.TotalOverpayment().Equal(generic.NOK(30000)))

	received, ok := k.ReceivedAt()
	require.True(t, ok)
	assert.Equal(t, 2021, received.Year())
}

func TestParse_AlderWithOre(t *testing.T) {
	k, err := Parse([]byte(fixture(t, "alder_kravgrunnlag.json")))

	require.NoError(t, err)
	assert.Equal(t, generic.SakTypeAlder, k.SakType)
	require.Len(t, k.Grunnlagsperioder, 1)
	assert.Equal(t, "500.50", k.Grunnlagsperioder[0].GrossOverpayment.String())
}

func TestParse_SameInputSameOutput(t *testing.T) {
	payload := []byte(fixture(t, "nytt_kravgrunnlag.json"))

	a, err := Parse(payload)
	require.NoError(t, err)
	b, err := Parse(payload)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestParse_ChangedBasisIsNotSameAs(t *testing.T) {
	original, err := Parse([]byte(fixture(t, "nytt_kravgrunnlag.json")))
	require.NoError(t, err)
	changed, err := Parse([]byte(fixture(t, "endret_kravgrunnlag.json")))
	require.NoError(t, err)

	assert.Equal(t, StatusChanged, changed.Status)
	assert.Equal(t, original.EksternKravgrunnlagID, changed.EksternKravgrunnlagID)
	assert.False(t, original.SameAs(changed))
	assert.True(t, original.SameAs(original))
}

func TestParse_Rejects(t *testing.T) {
	base := fixture(t, "nytt_kravgrunnlag.json")

	tests := []struct {
		name      string
		payload   string
		field     string
		wantClass bool
	}{
		{
			name:    "not json",
			payload: "<detaljertKravgrunnlag/>",
			field:   "payload",
		},
		{
			name:    "unknown status",
			payload: strings.Replace(base, `"kodeStatusKrav": "NY"`, `"kodeStatusKrav": "XYZ"`, 1),
			field:   "kodeStatusKrav",
		},
		{
			name:    "missing kontrollfelt",
			payload: strings.Replace(base, `"kontrollfelt": "2021-06-08-12.05.36.123456"`, `"kontrollfelt": ""`, 1),
			field:   "kontrollfelt",
		},
		{
			name:    "non numeric saksnummer",
			payload: strings.Replace(base, `"fagsystemId": "10002099"`, `"fagsystemId": "SU-1"`, 1),
			field:   "fagsystemId",
		},
		{
			name:      "unknown income class",
			payload:   strings.ReplaceAll(base, `"SUUFORE"`, `"SUBARN"`),
			wantClass: true,
		},
		{
			name:    "mixed income classes",
			payload: strings.Replace(base, `"SUUFORE"`, `"SUALDER"`, 1),
			field:   "tilbakekrevingsPeriode[1]",
		},
		{
			name:    "overpayment does not match previous minus new",
			payload: strings.Replace(base, `"belopTilbakekreves": "20000.00"`, `"belopTilbakekreves": "19000.00"`, 1),
			field:   "tilbakekrevingsPeriode[1].YTEL.belopTilbakekreves",
		},
		{
			name:    "feil line does not mirror overpayment",
			payload: strings.Replace(base, `"belopNy": "20000.00"`, `"belopNy": "21000.00"`, 1),
			field:   "tilbakekrevingsPeriode[1].FEIL.belopNy",
		},
		{
			name:    "partial month",
			payload: strings.Replace(base, `"tom": "2021-05-31"`, `"tom": "2021-05-30"`, 1),
			field:   "tilbakekrevingsPeriode[1].periode",
		},
		{
			name:    "tom before fom",
			payload: strings.Replace(base, `"tom": "2021-05-31"`, `"tom": "2021-04-30"`, 1),
			field:   "tilbakekrevingsPeriode[1].periode",
		},
		{
			name:    "same month twice",
			payload: strings.Replace(base, `"fom": "2021-06-01", "tom": "2021-06-30"`, `"fom": "2021-05-01", "tom": "2021-05-31"`, 1),
			field:   "tilbakekrevingsPeriode[1]",
		},
		{
			name:    "non numeric tax",
			payload: strings.Replace(base, `"belopSkattMnd": "6000.00"`, `"belopSkattMnd": "6k"`, 1),
			field:   "tilbakekrevingsPeriode[0].belopSkattMnd",
		},
		{
			name:    "no periods",
			payload: `{"kravgrunnlagId":"1","vedtakId":"2","kodeStatusKrav":"NY","fagsystemId":"3","kontrollfelt":"x","tilbakekrevingsPeriode":[]}`,
			field:   "tilbakekrevingsPeriode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.payload))

			require.Error(t, err)
			assert.True(t, IsMalformed(err), "expected malformed claim basis, got %v", err)
			assert.ErrorIs(t, err, generic.ErrValidation)
			if tt.wantClass {
				assert.ErrorIs(t, err, ErrUnknownIncomeClass)
				return
			}
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
		})
	}
}

func TestIncomeClassMapping(t *testing.T) {
	for _, st := range []generic.SakType{generic.SakTypeUfore, generic.SakTypeAlder} {
		got, ok := IncomeClassFor(ClassCodeFor(st))
		require.True(t, ok)
		assert.Equal(t, st, got)
	}
	_, ok := IncomeClassFor(ClassFeilutbetalt)
	assert.False(t, ok)
}

func TestStatus_Closed(t *testing.T) {
	for _, s := range []Status{StatusAnnulled, StatusAnnulledOmg, StatusCompleted, StatusArchived} {
		assert.True(t, s.Closed(), s)
	}
	for _, s := range []Status{StatusNew, StatusChanged, StatusHeld, StatusManuallyHeld, StatusInError} {
		assert.False(t, s.Closed(), s)
	}
}

func TestKravgrunnlag_OlderThan(t *testing.T) {
	june := Kravgrunnlag{EksternKontrollfelt: "2021-06-08-12.05.36.123456"}
	july := Kravgrunnlag{EksternKontrollfelt: "2021-07-01-09.30.12.654321"}
	opaque := Kravgrunnlag{EksternKontrollfelt: "k1"}

	assert.True(t, june.OlderThan(july))
	assert.False(t, july.OlderThan(june))
	assert.False(t, june.OlderThan(june))

	// Without a timestamp on both sides the order is unknown.
	assert.False(t, opaque.OlderThan(july))
	assert.False(t, june.OlderThan(opaque))
}
