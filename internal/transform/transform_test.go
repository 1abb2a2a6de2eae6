package transform

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate-platform/internal/models"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

var (
	testLogger  = newTestLogger()
	testMetrics = metrics.NewCollector("climate_test_transform")
)

func newTestLogger() *logging.StructuredLogger {
	l := logging.NewStructuredLogger("test", "test", logging.ErrorLevel)
	l.SetOutput(io.Discard)
	return l
}

func newTransformer() *Transformer {
	return NewTransformer(testLogger, testMetrics)
}

func emissionsFrame(areas []string, elements []string, years []int, values []float64) dataframe.DataFrame {
	return dataframe.New(
		series.New(areas, series.String, models.ColArea),
		series.New(elements, series.String, models.ColElement),
		series.New(years, series.Int, models.ColYear),
		series.New(values, series.Float, models.ColValue),
	)
}

func TestAddRatio(t *testing.T) {
	df := dataframe.New(
		series.New([]float64{100, 50}, series.Float, models.ColValue),
		series.New([]float64{1e9, 0}, series.Float, models.ColGDP),
	)

	out, err := newTransformer().AddRatio(df, models.ColIntensity, models.ColValue, models.ColGDP, 1e6)
	require.NoError(t, err)

	got := out.Col(models.ColIntensity).Float()
	assert.InDelta(t, 0.1, got[0], 1e-12)
	assert.True(t, math.IsNaN(got[1]), "zero denominator must yield NaN")
}

func TestAddBaseYearIndex_BaseYearIs100(t *testing.T) {
	df := emissionsFrame(
		[]string{"Italy", "Italy", "Italy", "Spain", "Spain"},
		[]string{"CH4", "CH4", "CH4", "CH4", "CH4"},
		[]int{1990, 1995, 2000, 1995, 2000},
		[]float64{100, 90, 80, 50, 55},
	)

	out, err := newTransformer().AddBaseYearIndex(context.Background(), df,
		[]string{models.ColArea, models.ColElement}, 1990, models.ColIndex1990)
	require.NoError(t, err)

	idx := out.Col(models.ColIndex1990).Float()
	assert.InDelta(t, 100.0, idx[0], 1e-9)
	assert.InDelta(t, 90.0, idx[1], 1e-9)
	assert.InDelta(t, 80.0, idx[2], 1e-9)

	// Spain has no base-year row: its index is null, not an error.
	assert.True(t, math.IsNaN(idx[3]))
	assert.True(t, math.IsNaN(idx[4]))
}

func TestPercentChange(t *testing.T) {
	df := emissionsFrame(
		[]string{"Italy", "Italy", "Spain", "Spain"},
		[]string{"CH4", "CH4", "CH4", "CH4"},
		[]int{1990, 2000, 1990, 2000},
		[]float64{100, 80, 50, 60},
	)

	out, err := newTransformer().PercentChange(context.Background(), df,
		[]string{models.ColArea, models.ColElement}, 1990)
	require.NoError(t, err)
	require.Equal(t, 2, out.Nrow())

	base := out.Col(models.ColValue1990).Float()
	latest := out.Col(models.ColValueLatest).Float()
	pct := out.Col(models.ColPctChange).Float()
	for i := range pct {
		want := (latest[i] - base[i]) / base[i] * 100
		assert.InDelta(t, want, pct[i], 1e-9)
	}
	assert.InDelta(t, -20.0, pct[0], 1e-9)
	assert.InDelta(t, 20.0, pct[1], 1e-9)
	assert.Equal(t, "2000", out.Col(models.ColLatestYear).Records()[0])
}

func TestPercentChange_GroupWithoutBaseYearExcluded(t *testing.T) {
	df := emissionsFrame(
		[]string{"Italy", "Italy", "Spain"},
		[]string{"CH4", "CH4", "CH4"},
		[]int{1990, 2000, 2000},
		[]float64{100, 80, 50},
	)

	out, err := newTransformer().PercentChange(context.Background(), df,
		[]string{models.ColArea, models.ColElement}, 1990)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Nrow())
	assert.Equal(t, []string{"Italy"}, out.Col(models.ColArea).Records())
}

func TestPercentChange_LatestYearIsTableWide(t *testing.T) {
	// Spain stops at 1995 while the table reaches 2000; Spain is
	// excluded rather than compared against its own last year.
	df := emissionsFrame(
		[]string{"Italy", "Italy", "Spain", "Spain"},
		[]string{"CH4", "CH4", "CH4", "CH4"},
		[]int{1990, 2000, 1990, 1995},
		[]float64{100, 80, 50, 60},
	)

	out, err := newTransformer().PercentChange(context.Background(), df,
		[]string{models.ColArea, models.ColElement}, 1990)
	require.NoError(t, err)

	require.Equal(t, 1, out.Nrow())
	assert.Equal(t, []string{"Italy"}, out.Col(models.ColArea).Records())
	assert.Equal(t, []string{"2000"}, out.Col(models.ColLatestYear).Records())
}

func TestFitSlopes_Signs(t *testing.T) {
	df := emissionsFrame(
		[]string{"Italy", "Italy", "Italy", "Italy", "Italy",
			"Spain", "Spain", "Spain", "Spain", "Spain",
			"France"},
		[]string{"CH4", "CH4", "CH4", "CH4", "CH4",
			"CH4", "CH4", "CH4", "CH4", "CH4",
			"CH4"},
		[]int{1990, 1991, 1992, 1993, 1994,
			1990, 1991, 1992, 1993, 1994,
			1990},
		[]float64{100, 95, 90, 85, 80,
			100, 105, 110, 115, 120,
			100},
	)

	out, err := newTransformer().FitSlopes(context.Background(), df,
		[]string{models.ColArea, models.ColElement}, models.ColValue)
	require.NoError(t, err)

	// France has a single point and is excluded entirely.
	require.Equal(t, 2, out.Nrow())

	areas := out.Col(models.ColArea).Records()
	slopes := out.Col(models.ColAnnualSlope).Float()
	for i, area := range areas {
		switch area {
		case "Italy":
			assert.InDelta(t, -5.0, slopes[i], 1e-9)
		case "Spain":
			assert.InDelta(t, 5.0, slopes[i], 1e-9)
		default:
			t.Fatalf("unexpected area %q in slopes", area)
		}
	}
}

func itemsFrame() dataframe.DataFrame {
	return dataframe.New(
		series.New([]string{"Italy", "Italy", "Italy", "Italy"}, series.String, models.ColArea),
		series.New([]string{"GPI", "GPI", "GPI", "GPI"}, series.String, models.ColElement),
		series.New([]int{1991, 1992, 1991, 1992}, series.Int, models.ColYear),
		series.New([]float64{10, 20, 15, 15}, series.Float, models.ColValue),
		series.New([]string{"01", "01", "02", "02"}, series.String, models.ColItemCodeCPC),
		series.New([]string{"Wheat", "Wheat", "Olives", "Olives"}, series.String, models.ColItem),
	)
}

func TestTopPerBin_PicksHighestMean(t *testing.T) {
	out, err := newTransformer().TopPerBin(context.Background(), itemsFrame(),
		[]string{models.ColItemCodeCPC, models.ColItem}, 1990, 5)
	require.NoError(t, err)

	// Both items fall into the 1990 bin; both means are 15, so the tie
	// resolves toward the item whose key sorts first.
	require.Equal(t, 1, out.Nrow())
	assert.Equal(t, []string{"1990"}, out.Col(models.ColYearBin).Records())
	assert.InDelta(t, 15.0, out.Col(models.ColAvgValue).Float()[0], 1e-9)
	assert.Equal(t, []string{"Wheat"}, out.Col(models.ColItem).Records())
}

func TestTopPerBin_YearsBeforeBinStart(t *testing.T) {
	df := dataframe.New(
		series.New([]string{"Italy", "Italy"}, series.String, models.ColArea),
		series.New([]string{"GPI", "GPI"}, series.String, models.ColElement),
		series.New([]int{1961, 1989}, series.Int, models.ColYear),
		series.New([]float64{10, 20}, series.Float, models.ColValue),
		series.New([]string{"01", "01"}, series.String, models.ColItemCodeCPC),
		series.New([]string{"Wheat", "Wheat"}, series.String, models.ColItem),
	)

	out, err := newTransformer().TopPerBin(context.Background(), df,
		[]string{models.ColItemCodeCPC, models.ColItem}, 1990, 5)
	require.NoError(t, err)

	require.Equal(t, 2, out.Nrow())
	assert.Equal(t, []string{"1960", "1985"}, out.Col(models.ColYearBin).Records())
}

func TestTopPerBin_TieBreakIsDeterministic(t *testing.T) {
	tr := newTransformer()
	first, err := tr.TopPerBin(context.Background(), itemsFrame(),
		[]string{models.ColItemCodeCPC, models.ColItem}, 1990, 5)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := tr.TopPerBin(context.Background(), itemsFrame(),
			[]string{models.ColItemCodeCPC, models.ColItem}, 1990, 5)
		require.NoError(t, err)
		assert.Equal(t,
			first.Col(models.ColItem).Records(),
			again.Col(models.ColItem).Records())
	}
}

func TestNormalizeProportions(t *testing.T) {
	out, err := NormalizeProportions([]models.SectorAmount{
		{Sector: "Transport", Amount: 60},
		{Sector: "Industry", Amount: 40},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Transport", out[0].Sector)
	assert.InDelta(t, 0.6, out[0].Amount, 1e-9)
	assert.InDelta(t, 0.4, out[1].Amount, 1e-9)

	_, err = NormalizeProportions([]models.SectorAmount{
		{Sector: "Transport", Amount: 0},
	})
	require.Error(t, err)
}

func TestYearBin(t *testing.T) {
	tests := []struct {
		year int
		want int
	}{
		{1990, 1990},
		{1994, 1990},
		{1995, 1995},
		{2003, 2000},
		// Years before the bin start must floor into earlier bins,
		// never round toward a later one.
		{1989, 1985},
		{1985, 1985},
		{1961, 1960},
		{1960, 1960},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, YearBin(tt.year, 1990, 5), "YearBin(%d)", tt.year)
	}
}

func TestMergeEnrichment_DropsUnmatchedRows(t *testing.T) {
	emissions := dataframe.New(
		series.New([]string{"ITA", "ITA", "FRA"}, series.String, models.ColISO3),
		series.New([]int{1990, 2000, 1990}, series.Int, models.ColYear),
		series.New([]float64{100, 80, 60}, series.Float, models.ColValue),
	)
	gdp := dataframe.New(
		series.New([]string{"ITA", "ITA"}, series.String, models.ColISO3),
		series.New([]int{1990, 2000}, series.Int, models.ColYear),
		series.New([]float64{1e9, 1.1e9}, series.Float, models.ColGDP),
	)

	out, err := newTransformer().MergeEnrichment(context.Background(), emissions, gdp,
		[]string{models.ColISO3, models.ColYear}, models.ColGDP)
	require.NoError(t, err)

	// France has no GDP row and is dropped after the join.
	assert.Equal(t, 2, out.Nrow())
	assert.NotContains(t, out.Col(models.ColISO3).Records(), "FRA")
}

// The full chain: intensity, base-year index, percent change and slope
// over a minimal two-point series.
func TestEmissionsDerivationChain(t *testing.T) {
	tr := newTransformer()
	ctx := context.Background()

	df := dataframe.New(
		series.New([]string{"Italy", "Italy"}, series.String, models.ColArea),
		series.New([]string{"CH4", "CH4"}, series.String, models.ColElement),
		series.New([]int{1990, 2000}, series.Int, models.ColYear),
		series.New([]float64{100, 80}, series.Float, models.ColValue),
		series.New([]float64{1e9, 1e9}, series.Float, models.ColGDP),
	)

	df, err := tr.AddRatio(df, models.ColIntensity, models.ColValue, models.ColGDP, 1e6)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, df.Col(models.ColIntensity).Float()[0], 1e-12)

	df, err = tr.AddBaseYearIndex(ctx, df,
		[]string{models.ColArea, models.ColElement}, 1990, models.ColIndex1990)
	require.NoError(t, err)
	idx := df.Col(models.ColIndex1990).Float()
	assert.InDelta(t, 100.0, idx[0], 1e-9)
	assert.InDelta(t, 80.0, idx[1], 1e-9)

	pct, err := tr.PercentChange(ctx, df,
		[]string{models.ColArea, models.ColElement}, 1990)
	require.NoError(t, err)
	assert.InDelta(t, -20.0, pct.Col(models.ColPctChange).Float()[0], 1e-9)

	slopes, err := tr.FitSlopes(ctx, df,
		[]string{models.ColArea, models.ColElement}, models.ColIndex1990)
	require.NoError(t, err)
	assert.Less(t, slopes.Col(models.ColAnnualSlope).Float()[0], 0.0)
}
