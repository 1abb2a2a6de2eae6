package transform

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"gonum.org/v1/gonum/stat"

	"climate-platform/internal/models"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// Transformer applies the analytical reshaping steps between loading
// and persistence. All operations return a new frame and leave the
// input untouched.
type Transformer struct {
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

func NewTransformer(logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Transformer {
	return &Transformer{logger: logger, metrics: metricsCollector}
}

// JoinLookup left-joins a code lookup table onto df. Rows with no
// match keep NaN lookup columns; they are counted and logged but not
// dropped.
func (t *Transformer) JoinLookup(ctx context.Context, df, lookup dataframe.DataFrame, key, probe string) (dataframe.DataFrame, error) {
	joined := df.LeftJoin(lookup, key)
	if joined.Err != nil {
		return joined, fmt.Errorf("failed to join lookup on %s: %w", key, joined.Err)
	}

	unmatched := 0
	for _, v := range joined.Col(probe).Records() {
		if v == "" || v == "NaN" {
			unmatched++
		}
	}
	if unmatched > 0 {
		t.logger.Warn(ctx, "[JOIN_LOOKUP] Rows without a lookup match", logging.Fields{
			"key":       key,
			"unmatched": unmatched,
		})
	}
	return joined, nil
}

// MergeEnrichment left-joins an enrichment table and then drops rows
// where the enrichment value is missing, logging the count.
func (t *Transformer) MergeEnrichment(ctx context.Context, df, enrich dataframe.DataFrame, keys []string, valueCol string) (dataframe.DataFrame, error) {
	joined := df.LeftJoin(enrich, keys...)
	if joined.Err != nil {
		return joined, fmt.Errorf("failed to merge enrichment on %v: %w", keys, joined.Err)
	}

	vals := joined.Col(valueCol).Float()
	keep := make([]int, 0, len(vals))
	for i, v := range vals {
		if !math.IsNaN(v) {
			keep = append(keep, i)
		}
	}
	dropped := joined.Nrow() - len(keep)
	if dropped > 0 {
		t.metrics.RecordRowsDropped("missing_"+valueCol, dropped)
		t.logger.Warn(ctx, "[MERGE] Dropped rows with missing enrichment value", logging.Fields{
			"column":  valueCol,
			"dropped": dropped,
		})
	}
	out := joined.Subset(keep)
	if out.Err != nil {
		return out, fmt.Errorf("failed to drop unmatched rows: %w", out.Err)
	}
	return out, nil
}

// AddRatio appends name = numCol / (denCol / scale). A zero or NaN
// denominator yields NaN for that row.
func (t *Transformer) AddRatio(df dataframe.DataFrame, name, numCol, denCol string, scale float64) (dataframe.DataFrame, error) {
	nums := df.Col(numCol).Float()
	dens := df.Col(denCol).Float()
	out := make([]float64, len(nums))
	for i := range nums {
		den := dens[i] / scale
		if den == 0 || math.IsNaN(den) {
			out[i] = math.NaN()
			continue
		}
		out[i] = nums[i] / den
	}
	res := df.Mutate(series.New(out, series.Float, name))
	if res.Err != nil {
		return res, fmt.Errorf("failed to add ratio column %s: %w", name, res.Err)
	}
	return res, nil
}

// groupKey builds a composite key from the group columns of row i.
func groupKey(cols [][]string, i int) string {
	key := ""
	for _, c := range cols {
		key += c[i] + "\x1f"
	}
	return key
}

// AddBaseYearIndex appends an index column where each row's value is
// expressed relative to its group's mean value in baseYear (=100).
// Groups with no base-year observations get NaN.
func (t *Transformer) AddBaseYearIndex(ctx context.Context, df dataframe.DataFrame, groupCols []string, baseYear int, name string) (dataframe.DataFrame, error) {
	years := df.Col(models.ColYear).Float()
	values := df.Col(models.ColValue).Float()
	cols := make([][]string, len(groupCols))
	for i, gc := range groupCols {
		cols[i] = df.Col(gc).Records()
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i := range years {
		if int(years[i]) != baseYear || math.IsNaN(values[i]) {
			continue
		}
		k := groupKey(cols, i)
		sums[k] += values[i]
		counts[k]++
	}

	missing := 0
	out := make([]float64, len(values))
	for i := range values {
		k := groupKey(cols, i)
		n, ok := counts[k]
		if !ok || n == 0 {
			out[i] = math.NaN()
			missing++
			continue
		}
		mean := sums[k] / float64(n)
		if mean == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[i] / mean * 100
	}
	if missing > 0 {
		t.logger.Warn(ctx, "[INDEX] Rows in groups without base-year data", logging.Fields{
			"base_year": baseYear,
			"rows":      missing,
		})
	}

	res := df.Mutate(series.New(out, series.Float, name))
	if res.Err != nil {
		return res, fmt.Errorf("failed to add index column %s: %w", name, res.Err)
	}
	return res, nil
}

// groupStats accumulates per-group year/value pairs keyed on the
// composite group key, remembering the display labels of each group.
type groupStats struct {
	labels []string
	years  []float64
	values []float64
}

func collectGroups(df dataframe.DataFrame, groupCols []string, valueCol string) (map[string]*groupStats, []string) {
	years := df.Col(models.ColYear).Float()
	values := df.Col(valueCol).Float()
	cols := make([][]string, len(groupCols))
	for i, gc := range groupCols {
		cols[i] = df.Col(gc).Records()
	}

	groups := make(map[string]*groupStats)
	var order []string
	for i := range years {
		if math.IsNaN(values[i]) {
			continue
		}
		k := groupKey(cols, i)
		g, ok := groups[k]
		if !ok {
			labels := make([]string, len(groupCols))
			for j := range cols {
				labels[j] = cols[j][i]
			}
			g = &groupStats{labels: labels}
			groups[k] = g
			order = append(order, k)
		}
		g.years = append(g.years, years[i])
		g.values = append(g.values, values[i])
	}
	sort.Strings(order)
	return groups, order
}

// PercentChange computes, per group, the percent change between the
// mean value in baseYear and the mean value in the latest year present
// in the whole table. Groups missing either year, or with a zero base,
// are excluded.
func (t *Transformer) PercentChange(ctx context.Context, df dataframe.DataFrame, groupCols []string, baseYear int) (dataframe.DataFrame, error) {
	groups, order := collectGroups(df, groupCols, models.ColValue)

	// "Latest" is the maximum year anywhere in the table, not each
	// group's own last year, so every percent change compares the same
	// interval. Groups with no value at that year are excluded.
	latestYear := math.Inf(-1)
	for _, k := range order {
		for _, y := range groups[k].years {
			if y > latestYear {
				latestYear = y
			}
		}
	}
	if math.IsInf(latestYear, -1) || int(latestYear) <= baseYear {
		return dataframe.DataFrame{}, fmt.Errorf("no data after base year %d", baseYear)
	}

	labelCols := make([][]string, len(groupCols))
	var base, latest, pct []float64
	var latestYears []int
	skipped := 0
	for _, k := range order {
		g := groups[k]
		var baseSum, latestSum float64
		baseN, latestN := 0, 0
		for i, y := range g.years {
			if int(y) == baseYear {
				baseSum += g.values[i]
				baseN++
			}
			if y == latestYear {
				latestSum += g.values[i]
				latestN++
			}
		}
		if baseN == 0 || latestN == 0 {
			skipped++
			continue
		}
		baseMean := baseSum / float64(baseN)
		latestMean := latestSum / float64(latestN)
		if baseMean == 0 {
			skipped++
			continue
		}
		for j := range groupCols {
			labelCols[j] = append(labelCols[j], g.labels[j])
		}
		base = append(base, baseMean)
		latest = append(latest, latestMean)
		latestYears = append(latestYears, int(latestYear))
		pct = append(pct, (latestMean-baseMean)/baseMean*100)
	}
	if skipped > 0 {
		t.logger.Warn(ctx, "[PCT_CHANGE] Groups excluded from percent change", logging.Fields{
			"base_year": baseYear,
			"skipped":   skipped,
		})
	}
	if len(base) == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("no groups with both base year %d and a later year", baseYear)
	}

	ss := make([]series.Series, 0, len(groupCols)+4)
	for j, gc := range groupCols {
		ss = append(ss, series.New(labelCols[j], series.String, gc))
	}
	ss = append(ss,
		series.New(base, series.Float, models.ColValue1990),
		series.New(latest, series.Float, models.ColValueLatest),
		series.New(latestYears, series.Int, models.ColLatestYear),
		series.New(pct, series.Float, models.ColPctChange),
	)
	out := dataframe.New(ss...)
	if out.Err != nil {
		return out, fmt.Errorf("failed to build percent-change frame: %w", out.Err)
	}
	return out, nil
}

// FitSlopes fits an ordinary least squares line of valueCol on year
// for each group and reports the slope. Groups with fewer than two
// non-null observations are excluded.
func (t *Transformer) FitSlopes(ctx context.Context, df dataframe.DataFrame, groupCols []string, valueCol string) (dataframe.DataFrame, error) {
	groups, order := collectGroups(df, groupCols, valueCol)

	labelCols := make([][]string, len(groupCols))
	var slopes []float64
	skipped := 0
	for _, k := range order {
		g := groups[k]
		if len(g.years) < 2 {
			skipped++
			continue
		}
		_, beta := stat.LinearRegression(g.years, g.values, nil, false)
		for j := range groupCols {
			labelCols[j] = append(labelCols[j], g.labels[j])
		}
		slopes = append(slopes, beta)
	}
	if skipped > 0 {
		t.logger.Debug(ctx, "[SLOPES] Groups with too few points for a fit", logging.Fields{
			"skipped": skipped,
		})
	}
	if len(slopes) == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("no groups with at least two observations")
	}

	ss := make([]series.Series, 0, len(groupCols)+1)
	for j, gc := range groupCols {
		ss = append(ss, series.New(labelCols[j], series.String, gc))
	}
	ss = append(ss, series.New(slopes, series.Float, models.ColAnnualSlope))
	out := dataframe.New(ss...)
	if out.Err != nil {
		return out, fmt.Errorf("failed to build slopes frame: %w", out.Err)
	}
	return out, nil
}

// TopPerBin assigns each row to a fixed-width year bin and keeps, per
// (area, bin), the item with the highest mean value. Ties on the mean
// resolve toward the item whose key sorts first.
func (t *Transformer) TopPerBin(ctx context.Context, df dataframe.DataFrame, itemCols []string, binStart, binWidth int) (dataframe.DataFrame, error) {
	df, err := dropNaNRows(df, models.ColYear, models.ColValue)
	if err != nil {
		return df, err
	}

	years := df.Col(models.ColYear).Float()
	bins := make([]int, len(years))
	for i, y := range years {
		bins[i] = YearBin(int(y), binStart, binWidth)
	}
	binned := df.Mutate(series.New(bins, series.Int, models.ColYearBin))
	if binned.Err != nil {
		return binned, fmt.Errorf("failed to bin years: %w", binned.Err)
	}

	groupCols := append([]string{models.ColArea, models.ColYearBin}, itemCols...)
	agg := binned.GroupBy(groupCols...).Aggregation(
		[]dataframe.AggregationType{dataframe.Aggregation_MEAN},
		[]string{models.ColValue},
	)
	if agg.Err != nil {
		return agg, fmt.Errorf("failed to aggregate by bin: %w", agg.Err)
	}
	agg = agg.Rename(models.ColAvgValue, models.ColValue+"_MEAN")
	if agg.Err != nil {
		return agg, fmt.Errorf("failed to rename aggregate column: %w", agg.Err)
	}

	// The aggregation emits groups in map order, so the item columns
	// must participate in the sort for ties on avg_value to resolve
	// the same way every run.
	order := []dataframe.Order{
		dataframe.Sort(models.ColArea),
		dataframe.Sort(models.ColYearBin),
		dataframe.RevSort(models.ColAvgValue),
	}
	for _, c := range itemCols {
		order = append(order, dataframe.Sort(c))
	}
	sorted := agg.Arrange(order...)
	if sorted.Err != nil {
		return sorted, fmt.Errorf("failed to order binned aggregates: %w", sorted.Err)
	}

	areas := sorted.Col(models.ColArea).Records()
	binVals := sorted.Col(models.ColYearBin).Records()
	seen := make(map[string]bool)
	keep := make([]int, 0, len(areas))
	for i := range areas {
		k := areas[i] + "\x1f" + binVals[i]
		if seen[k] {
			continue
		}
		seen[k] = true
		keep = append(keep, i)
	}
	out := sorted.Subset(keep)
	if out.Err != nil {
		return out, fmt.Errorf("failed to select top items: %w", out.Err)
	}

	t.logger.Info(ctx, "[TOP_ITEMS] Top item per area and bin computed", logging.Fields{
		"bins": out.Nrow(),
	})
	return out, nil
}

// DropNaNRows removes rows holding NaN in any of the named columns.
func (t *Transformer) DropNaNRows(df dataframe.DataFrame, cols ...string) (dataframe.DataFrame, error) {
	return dropNaNRows(df, cols...)
}

func dropNaNRows(df dataframe.DataFrame, cols ...string) (dataframe.DataFrame, error) {
	nan := make([]bool, df.Nrow())
	for _, c := range cols {
		for i, isNaN := range df.Col(c).IsNaN() {
			if isNaN {
				nan[i] = true
			}
		}
	}
	keep := make([]int, 0, df.Nrow())
	for i, bad := range nan {
		if !bad {
			keep = append(keep, i)
		}
	}
	out := df.Subset(keep)
	if out.Err != nil {
		return out, fmt.Errorf("failed to drop rows with missing values: %w", out.Err)
	}
	return out, nil
}

// NormalizeProportions converts category magnitudes into proportions
// of their sum, preserving input order. A non-positive total is an
// error rather than a silent division.
func NormalizeProportions(data []models.SectorAmount) ([]models.SectorAmount, error) {
	var total float64
	for _, sa := range data {
		total += sa.Amount
	}
	if total <= 0 {
		return nil, fmt.Errorf("values sum to %g, cannot normalize", total)
	}
	out := make([]models.SectorAmount, len(data))
	for i, sa := range data {
		out[i] = models.SectorAmount{Sector: sa.Sector, Amount: sa.Amount / total}
	}
	return out, nil
}

// YearBin returns the bin label for a single year, matching TopPerBin.
// The offset uses floored division so years before binStart fall into
// the preceding bin rather than a future one.
func YearBin(year, binStart, binWidth int) int {
	q := (year - binStart) / binWidth
	if (year-binStart)%binWidth < 0 {
		q--
	}
	return binStart + q*binWidth
}

// ParseYear converts a record string to a year, returning an error on
// non-integral input.
func ParseYear(s string) (int, error) {
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid year %q: %w", s, err)
	}
	return y, nil
}
