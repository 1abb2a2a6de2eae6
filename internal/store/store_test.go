package store

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate-platform/pkg/database"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

var (
	testLogger  = newTestLogger()
	testMetrics = metrics.NewCollector("climate_test_store")
)

func newTestLogger() *logging.StructuredLogger {
	l := logging.NewStructuredLogger("test", "test", logging.ErrorLevel)
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T) (*Store, *database.DuckDB) {
	t.Helper()
	db, err := database.NewDuckDB(&database.Config{Path: ""}, testLogger, testMetrics)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := Open(context.Background(), db, testLogger, testMetrics)
	require.NoError(t, err)
	return s, db
}

func gdpFrame(iso3 []string, years []int, gdp []float64) dataframe.DataFrame {
	countries := make([]string, len(iso3))
	for i := range iso3 {
		countries[i] = "Country " + iso3[i]
	}
	return dataframe.New(
		series.New(iso3, series.String, "ISO3"),
		series.New(countries, series.String, "Country_WB"),
		series.New(years, series.Int, "Year"),
		series.New(gdp, series.Float, "GDP_constant_USD"),
	)
}

func TestWrite_ReplaceIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	df := gdpFrame([]string{"ITA", "ESP"}, []int{1990, 1990}, []float64{1e12, 6e11})

	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeReplace))
	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeReplace))

	out, err := s.Read(ctx, "stg_gdp")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Nrow())
}

func TestWrite_AppendAccumulates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	df := gdpFrame([]string{"ITA", "ESP"}, []int{1990, 1990}, []float64{1e12, 6e11})

	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeReplace))
	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeAppend))

	out, err := s.Read(ctx, "stg_gdp")
	require.NoError(t, err)
	assert.Equal(t, 4, out.Nrow())
}

func TestWrite_UnknownTable(t *testing.T) {
	s, _ := newTestStore(t)
	df := gdpFrame([]string{"ITA"}, []int{1990}, []float64{1e12})

	err := s.Write(context.Background(), "no_such_table", df, ModeReplace)
	require.Error(t, err)
	var ute *UnknownTableError
	require.True(t, errors.As(err, &ute))
	assert.Equal(t, "no_such_table", ute.Table)
	assert.Contains(t, err.Error(), "stg_gdp")
}

func TestWrite_InvalidMode(t *testing.T) {
	s, _ := newTestStore(t)
	df := gdpFrame([]string{"ITA"}, []int{1990}, []float64{1e12})

	err := s.Write(context.Background(), "stg_gdp", df, WriteMode("upsert"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid write mode")
}

func TestWrite_AlignsCaseAndDropsExtras(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Lowercased canonical names plus a stray column the table does
	// not declare.
	df := dataframe.New(
		series.New([]string{"ITA"}, series.String, "iso3"),
		series.New([]string{"Italy"}, series.String, "country_wb"),
		series.New([]int{1995}, series.Int, "year"),
		series.New([]float64{1.5e12}, series.Float, "gdp_constant_usd"),
		series.New([]string{"extra"}, series.String, "Scratch"),
	)

	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeReplace))

	out, err := s.Read(ctx, "stg_gdp")
	require.NoError(t, err)
	assert.Equal(t, []string{"ISO3", "Country_WB", "Year", "GDP_constant_USD"}, out.Names())
	assert.Equal(t, []string{"ITA"}, out.Col("ISO3").Records())
}

func TestWrite_MissingColumnRejected(t *testing.T) {
	s, _ := newTestStore(t)

	df := dataframe.New(
		series.New([]string{"ITA"}, series.String, "ISO3"),
		series.New([]int{1995}, series.Int, "Year"),
	)

	err := s.Write(context.Background(), "stg_gdp", df, ModeReplace)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing columns")
	assert.Contains(t, err.Error(), "Country_WB")
	assert.Contains(t, err.Error(), "GDP_constant_USD")
}

func TestWriteRead_NaNRoundTripsAsNull(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	df := gdpFrame([]string{"ITA", "ESP"}, []int{1990, 1991}, []float64{1e12, math.NaN()})

	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeReplace))

	// NULLs are visible to SQL.
	nulls, err := s.Query(ctx, "SELECT COUNT(*) AS n FROM stg_gdp WHERE GDP_constant_USD IS NULL")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, nulls.Col("n").Records())

	// And come back as NaN on read.
	out, err := s.Read(ctx, "stg_gdp")
	require.NoError(t, err)
	vals := out.Col("GDP_constant_USD").Float()
	nanCount := 0
	for _, v := range vals {
		if math.IsNaN(v) {
			nanCount++
		}
	}
	assert.Equal(t, 1, nanCount)
}

func TestRead_TypedColumns(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	df := gdpFrame([]string{"ITA"}, []int{1990}, []float64{1e12})
	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeReplace))

	out, err := s.Read(ctx, "stg_gdp")
	require.NoError(t, err)
	assert.Equal(t, series.String, out.Col("ISO3").Type())
	assert.Equal(t, series.Int, out.Col("Year").Type())
	assert.Equal(t, series.Float, out.Col("GDP_constant_USD").Type())
}

func TestRead_UnknownTable(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Read(context.Background(), "no_such_table")
	var ute *UnknownTableError
	require.True(t, errors.As(err, &ute))
}

func TestQuery_Aggregates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	df := gdpFrame([]string{"ITA", "ITA", "ESP"}, []int{1990, 1991, 1990}, []float64{1, 2, 3})
	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeReplace))

	out, err := s.Query(ctx,
		"SELECT ISO3, SUM(GDP_constant_USD) AS total FROM stg_gdp GROUP BY ISO3 ORDER BY ISO3")
	require.NoError(t, err)
	require.Equal(t, 2, out.Nrow())
	assert.Equal(t, []string{"ESP", "ITA"}, out.Col("ISO3").Records())
	totals := out.Col("total").Float()
	assert.InDelta(t, 3.0, totals[0], 1e-9)
	assert.InDelta(t, 3.0, totals[1], 1e-9)
}

func TestBootstrapAndRowCounts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	for _, want := range TableNames() {
		assert.Contains(t, tables, want)
	}

	df := gdpFrame([]string{"ITA"}, []int{1990}, []float64{1e12})
	require.NoError(t, s.Write(ctx, "stg_gdp", df, ModeReplace))

	counts, err := s.RowCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["stg_gdp"])
	assert.Equal(t, int64(0), counts["mart_emissions_index"])
}

func TestOperationsAfterClose(t *testing.T) {
	s, db := newTestStore(t)
	require.NoError(t, db.Close())

	_, err := s.Read(context.Background(), "stg_gdp")
	require.Error(t, err)
	assert.True(t, errors.Is(err, database.ErrClosed))
}
