// Package loaders reads raw tabular sources — local CSV extracts and
// remote reference data — into validated dataframes. Network-backed
// loaders cache to disk and memoize per process so static reference
// data is fetched at most once.
package loaders

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"climate-platform/internal/models"
	"climate-platform/internal/schema"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// BaseFAOStatColumns is the required header subset shared by every
// FAOSTAT production-index extract.
var BaseFAOStatColumns = []string{
	models.ColArea, models.ColElement, models.ColUnit, models.ColValue, models.ColYear,
}

// ExtraAgColumns are the commodity columns present only in the
// all-items extract.
var ExtraAgColumns = []string{"Item Code (CPC)", models.ColItem}

// Loader reads delimited files into dataframes.
type Loader struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewLoader creates a file loader.
func NewLoader(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Loader {
	return &Loader{
		logger:  logger,
		metrics: metricsCollector,
	}
}

// LoadFAOStat reads a FAOSTAT CSV, keeps only the required columns plus
// extraCols, trims whitespace in the Area column and filters to the
// requested countries. Countries with zero matching rows are logged,
// not failed: regional extracts legitimately cover only part of the
// configured country set.
func (l *Loader) LoadFAOStat(ctx context.Context, path string, countries []string, extraCols []string) (dataframe.DataFrame, error) {
	cols := append(append([]string{}, BaseFAOStatColumns...), extraCols...)

	df, err := l.readCSV(path, cols)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	df = trimColumn(df, models.ColArea)

	loaded := make(map[string]bool)
	for _, a := range df.Col(models.ColArea).Records() {
		loaded[a] = true
	}
	var missing []string
	for _, c := range countries {
		if !loaded[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		l.logger.Warn(ctx, "[LOAD_FAOSTAT] Countries not found in file", logging.Fields{
			"path":    path,
			"missing": missing,
		})
	}

	df = df.Filter(dataframe.F{
		Colname:    models.ColArea,
		Comparator: series.In,
		Comparando: countries,
	})
	if df.Err != nil {
		return df, fmt.Errorf("failed to filter %s by country: %w", path, df.Err)
	}

	df, err = schema.FAOStat.Validate(df)
	if err != nil {
		return df, err
	}

	l.metrics.RowsLoaded.WithLabelValues("faostat").Add(float64(df.Nrow()))
	l.logger.Info(ctx, "[LOAD_FAOSTAT] File loaded", logging.Fields{
		"path": path,
		"rows": df.Nrow(),
	})
	return df, nil
}

// LoadFAOStatMulti loads several FAOSTAT files sharing one schema,
// concatenates them and removes exact-duplicate rows: the same country
// can appear in more than one regional extract.
func (l *Loader) LoadFAOStatMulti(ctx context.Context, paths []string, countries []string, extraCols []string) (dataframe.DataFrame, error) {
	if len(paths) == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("no paths given")
	}

	var combined dataframe.DataFrame
	for i, p := range paths {
		df, err := l.LoadFAOStat(ctx, p, countries, extraCols)
		if err != nil {
			return dataframe.DataFrame{}, err
		}
		if i == 0 {
			combined = df
		} else {
			combined = combined.RBind(df)
		}
	}
	if combined.Err != nil {
		return combined, fmt.Errorf("failed to concatenate sources: %w", combined.Err)
	}

	before := combined.Nrow()
	combined = dropDuplicateRows(combined)
	if dropped := before - combined.Nrow(); dropped > 0 {
		l.logger.Info(ctx, "[LOAD_FAOSTAT_MULTI] Duplicate rows removed", logging.Fields{
			"dropped": dropped,
		})
	}
	return combined, nil
}

// readCSV reads path and restricts to the given columns, failing when
// any required column is absent. Columns are identified by name, never
// by position.
func (l *Loader) readCSV(path string, columns []string) (dataframe.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(true),
		dataframe.NaNValues([]string{"", "NA", "NaN"}),
	)
	if df.Err != nil {
		return df, fmt.Errorf("failed to parse %s: %w", path, df.Err)
	}

	present := make(map[string]bool, len(df.Names()))
	for _, n := range df.Names() {
		present[n] = true
	}
	var missing []string
	for _, c := range columns {
		if !present[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return df, fmt.Errorf("%s: missing required columns %v", path, missing)
	}

	return df.Select(columns), nil
}

// trimColumn strips surrounding whitespace from a string column.
func trimColumn(df dataframe.DataFrame, name string) dataframe.DataFrame {
	recs := df.Col(name).Records()
	trimmed := make([]string, len(recs))
	for i, r := range recs {
		trimmed[i] = strings.TrimSpace(r)
	}
	return df.Mutate(series.New(trimmed, series.String, name))
}

// dropDuplicateRows removes exact duplicates over the full column set,
// keeping the first occurrence.
func dropDuplicateRows(df dataframe.DataFrame) dataframe.DataFrame {
	records := df.Records()
	if len(records) < 2 {
		return df
	}

	seen := make(map[string]bool, len(records)-1)
	var keep []int
	for i, rec := range records[1:] {
		key := strings.Join(rec, "\x1f")
		if !seen[key] {
			seen[key] = true
			keep = append(keep, i)
		}
	}
	if len(keep) == len(records)-1 {
		return df
	}
	return df.Subset(keep)
}
