package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_LoadsAllTables(t *testing.T) {
	c := Default()

	assert.Equal(t, []string{
		"governorates_activities_gdp",
		"governorates_totals_gdp",
		"investments_activities",
		"investments_totals",
		"expenditure_components_gdp",
		"TotalGrossDomesticProductAtMarketPrices",
		"real_gdp_growth_rates",
		"total_gdp_growth_rate_at_factor_cost",
		"sectors_growth_rates",
		"activity_value_added",
		"total_value_added",
	}, c.TableNames())
}

func TestTable_CaseInsensitiveLookup(t *testing.T) {
	c := Default()

	tbl, ok := c.Table("TOTAL_VALUE_ADDED")
	require.True(t, ok)
	assert.Equal(t, "total_value_added", tbl.Name)

	tbl, ok = c.Table("`totalgrossdomesticproductatmarketprices`")
	require.True(t, ok)
	assert.Equal(t, "TotalGrossDomesticProductAtMarketPrices", tbl.Name)

	_, ok = c.Table("users")
	assert.False(t, ok)
}

func TestColumn_UnitsAndBasis(t *testing.T) {
	c := Default()
	tbl, ok := c.Table("total_value_added")
	require.True(t, ok)

	col, ok := tbl.Column("total")
	require.True(t, ok)
	assert.Equal(t, "total_value_added", col.Table)
	assert.Equal(t, "Million EGP", col.Unit)
	assert.True(t, col.HasBasis(CurrentPrice))
	assert.False(t, col.HasBasis(PublicSector))

	col, ok = tbl.Column("Private_Q2")
	require.True(t, ok)
	assert.ElementsMatch(t, []Basis{CurrentPrice, PrivateSector}, col.Basis)

	years, ok := tbl.Column("Years")
	require.True(t, ok)
	assert.Empty(t, years.Basis)
	assert.Equal(t, "fiscal_year", years.Domain)
}

func TestTable_Basis(t *testing.T) {
	c := Default()

	tbl, _ := c.Table("expenditure_components_gdp")
	assert.Equal(t, []Basis{CurrentPrice, ConstantPrice}, tbl.Basis())

	tbl, _ = c.Table("governorates_totals_gdp")
	assert.Empty(t, tbl.Basis())
	assert.Empty(t, tbl.BasisColumns())
}

func TestEntityDomains(t *testing.T) {
	c := Default()

	var names []string
	for _, d := range c.EntityDomains() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"governorates", "regions"}, names)

	gov, ok := c.Domain("governorates")
	require.True(t, ok)
	assert.True(t, gov.Contains("cairo"))
	assert.True(t, gov.Contains("Total Egypt"))
	assert.False(t, gov.Contains("Paris"))
}

func TestDescribe(t *testing.T) {
	out := Default().Describe()

	assert.Contains(t, out, "total_value_added:")
	assert.Contains(t, out, "[unit: Thousand EGP]")
	assert.Contains(t, out, "[basis: current prices, private sector]")
	assert.Contains(t, out, "'2024/2023'")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no tables",
			doc:  "name: x\n",
			want: "no tables",
		},
		{
			name: "unknown domain",
			doc: `tables:
  - name: t
    columns:
      - {name: a, domain: nope}
`,
			want: "unknown domain",
		},
		{
			name: "unknown basis",
			doc: `tables:
  - name: t
    columns:
      - {name: a, type: number, basis: [nominal]}
`,
			want: "unknown basis",
		},
		{
			name: "duplicate table",
			doc: `tables:
  - name: t
    columns: [{name: a}]
  - name: T
    columns: [{name: a}]
`,
			want: "duplicate table",
		},
		{
			name: "unknown field",
			doc:  "tables: []\nextra: 1\n",
			want: "failed to decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_DefaultsColumnType(t *testing.T) {
	c, err := Load(strings.NewReader("tables:\n  - name: t\n    columns: [{name: a}]\n"))
	require.NoError(t, err)

	tbl, _ := c.Table("t")
	assert.Equal(t, TypeText, tbl.Columns[0].Type)
}

func TestNormalizeFiscalYear(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2020", "2020/2019", true},
		{"2019/2020", "2020/2019", true},
		{"2020/2019", "2020/2019", true},
		{"2015-2016", "2016/2015", true},
		{"2016", "2016/2015", true},
		{"2010/2020", "", false},
		{"last year", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeFiscalYear(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFiscalYears(t *testing.T) {
	got := FiscalYears("Compare 2019/2020 with 2022 and 2020")
	assert.Equal(t, []string{"2020/2019", "2022/2021"}, got)

	assert.Empty(t, FiscalYears("what is the weather today?"))
}
