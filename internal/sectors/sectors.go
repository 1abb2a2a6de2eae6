package sectors

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"climate-platform/internal/models"
	"climate-platform/internal/schema"
	"climate-platform/internal/transform"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// Year is the reference year for the sector breakdown.
const Year = 2023

// SectorOrder is the canonical sector list. Countries missing a
// canonical sector are warned about, not failed.
var SectorOrder = []string{
	"Transport", "Industry", "Agriculture", "Energy",
	"Residential and Commercial", "Waste", "LULUCF",
	"Manufacturing", "Fugitive Emissions", "Aviation and Shipping",
	"Other Fuel Combustion",
}

// ProportionTolerance is the allowed deviation of a country's
// proportion sum from 1.0.
const ProportionTolerance = 0.02

// CountrySource describes one country's sector breakdown and how to
// obtain it. Load returns sectors in a stable order so repeated runs
// produce identical tables.
type CountrySource struct {
	Country    string
	Gas        models.Gas
	SourceNote string
	Load       func() ([]models.SectorAmount, error)
}

// ToLong expands the source into one row per sector with normalized
// proportions. A non-positive total is a hard failure, as is a
// proportion sum outside the tolerance.
func (s CountrySource) ToLong(year int) (dataframe.DataFrame, error) {
	data, err := s.Load()
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("%s: %w", s.Country, err)
	}

	normalized, err := transform.NormalizeProportions(data)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("%s: %w", s.Country, err)
	}

	rows := make([]models.SectorShare, len(data))
	var propSum float64
	for i, sa := range data {
		rows[i] = models.SectorShare{
			Country:    s.Country,
			Year:       year,
			Gas:        s.Gas,
			Sector:     sa.Sector,
			Amount:     sa.Amount,
			Proportion: normalized[i].Amount,
			SourceNote: s.SourceNote,
		}
		propSum += rows[i].Proportion
	}
	if math.Abs(propSum-1.0) > ProportionTolerance {
		return dataframe.DataFrame{}, fmt.Errorf("%s: proportions sum to %.4f, expected ~1.0", s.Country, propSum)
	}

	df := sharesFrame(rows)
	if df.Err != nil {
		return df, fmt.Errorf("%s: failed to build sector frame: %w", s.Country, df.Err)
	}
	return df, nil
}

// sharesFrame converts typed sector-share rows into the canonical
// long-form frame.
func sharesFrame(rows []models.SectorShare) dataframe.DataFrame {
	n := len(rows)
	countries := make([]string, n)
	years := make([]int, n)
	gases := make([]string, n)
	sectorNames := make([]string, n)
	amounts := make([]float64, n)
	props := make([]float64, n)
	notes := make([]string, n)
	for i, r := range rows {
		countries[i] = r.Country
		years[i] = r.Year
		gases[i] = r.Gas.String()
		sectorNames[i] = r.Sector
		amounts[i] = r.Amount
		props[i] = r.Proportion
		notes[i] = r.SourceNote
	}
	return dataframe.New(
		series.New(countries, series.String, models.ColCountry),
		series.New(years, series.Int, models.ColYear),
		series.New(gases, series.String, models.ColGas),
		series.New(sectorNames, series.String, models.ColSector),
		series.New(amounts, series.Float, models.ColAmount),
		series.New(props, series.Float, models.ColProportion),
		series.New(notes, series.String, models.ColSourceNote),
	)
}

// ProportionsFromTotal divides every entry by the amount stored under
// totalSector, dropping the total row itself.
func ProportionsFromTotal(data []models.SectorAmount, totalSector string) ([]models.SectorAmount, error) {
	var total float64
	found := false
	for _, sa := range data {
		if sa.Sector == totalSector {
			total = sa.Amount
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("total sector %q not present", totalSector)
	}
	if total <= 0 {
		return nil, fmt.Errorf("total sector %q is zero or negative", totalSector)
	}
	out := make([]models.SectorAmount, 0, len(data)-1)
	for _, sa := range data {
		if sa.Sector == totalSector {
			continue
		}
		out = append(out, models.SectorAmount{Sector: sa.Sector, Amount: sa.Amount / total})
	}
	return out, nil
}

// LoadSpain returns Spain's full-GHG sector shares, already expressed
// as proportions of the national total.
func LoadSpain() ([]models.SectorAmount, error) {
	return []models.SectorAmount{
		{Sector: "Transport", Amount: 0.325},
		{Sector: "Industry", Amount: 0.186},
		{Sector: "Agriculture", Amount: 0.122},
		{Sector: "Energy", Amount: 0.114},
		{Sector: "Residential and Commercial", Amount: 0.085},
		{Sector: "Waste", Amount: 0.051},
	}, nil
}

// LoadFrance returns France's full-GHG sector shares.
func LoadFrance() ([]models.SectorAmount, error) {
	return []models.SectorAmount{
		{Sector: "Transport", Amount: 0.34},
		{Sector: "Industry", Amount: 0.17},
		{Sector: "Residential and Commercial", Amount: 0.15},
		{Sector: "Agriculture", Amount: 0.21},
		{Sector: "Energy", Amount: 0.09},
		{Sector: "Waste", Amount: 0.04},
	}, nil
}

var germanSectorNames = []struct {
	code string
	name string
}{
	{"1_ENERGY", "Energy"},
	{"2_INDUSTRY", "Industry"},
	{"3_AGRICULTURE", "Agriculture"},
	{"4_LULUCF", "LULUCF"},
	{"5_WASTE", "Waste"},
}

// LoadGermany reads the UBA national inventory extract and keeps the
// CO2 rows for the top-level source categories in the reference year.
func LoadGermany(path string) ([]models.SectorAmount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open UBA file: %w", err)
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
	)
	if df.Err != nil {
		return nil, fmt.Errorf("failed to parse UBA file: %w", df.Err)
	}

	substances := df.Col("Substances").Records()
	categories := df.Col("D_SOURCE_CATEGORIES").Records()
	periods := df.Col("TIME_PERIOD").Records()
	obs := df.Col("OBS_VALUE").Records()

	amounts := make(map[string]float64)
	for i := range substances {
		if strings.TrimSpace(substances[i]) != "Carbon dioxide" {
			continue
		}
		if strings.TrimSpace(periods[i]) != strconv.Itoa(Year) {
			continue
		}
		cat := strings.TrimSpace(categories[i])
		v, err := strconv.ParseFloat(strings.TrimSpace(obs[i]), 64)
		if err != nil {
			continue
		}
		amounts[cat] = v
	}

	var out []models.SectorAmount
	for _, gs := range germanSectorNames {
		if v, ok := amounts[gs.code]; ok {
			out = append(out, models.SectorAmount{Sector: gs.name, Amount: v})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no German CO2 data found for year %d", Year)
	}
	return out, nil
}

var italianSectorNames = []struct {
	column string
	name   string
}{
	{"Buildings", "Residential and Commercial"},
	{"Industry", "Industry"},
	{"Land-use change and forestry", "LULUCF"},
	{"Other fuel combustion", "Other Fuel Combustion"},
	{"Transport", "Transport"},
	{"Manufacturing and construction", "Manufacturing"},
	{"Fugitive emissions", "Fugitive Emissions"},
	{"Electricity and heat", "Energy"},
	{"Aviation and shipping", "Aviation and Shipping"},
}

// LoadItaly melts the wide OWiD per-sector CO2 table into sector
// amounts for the reference year. Unparseable cells are skipped.
func LoadItaly(path string) ([]models.SectorAmount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Italy sectors file: %w", err)
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
	)
	if df.Err != nil {
		return nil, fmt.Errorf("failed to parse Italy sectors file: %w", df.Err)
	}

	years := df.Col(models.ColYear).Records()
	rowIdx := -1
	for i, y := range years {
		if strings.TrimSpace(y) == strconv.Itoa(Year) {
			rowIdx = i
			break
		}
	}
	if rowIdx < 0 {
		return nil, fmt.Errorf("no Italy data found for year %d", Year)
	}

	names := df.Names()
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}

	var out []models.SectorAmount
	for _, is := range italianSectorNames {
		if !present[is.column] {
			continue
		}
		raw := df.Col(is.column).Records()[rowIdx]
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		out = append(out, models.SectorAmount{Sector: is.name, Amount: v})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable Italy sector values for year %d", Year)
	}
	return out, nil
}

// Builder combines every registered country source into the validated
// long-form sector shares table.
type Builder struct {
	sources []CountrySource
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewBuilder wires the default country registry. ubaPath and
// italyPath point at the German and Italian source extracts.
func NewBuilder(ubaPath, italyPath string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Builder {
	return &Builder{
		sources: []CountrySource{
			{Country: "Spain", Gas: models.GasGHG, SourceNote: "Statista 2023", Load: LoadSpain},
			{Country: "France", Gas: models.GasGHG, SourceNote: "CITEPA 2024", Load: LoadFrance},
			{Country: "Germany", Gas: models.GasCO2, SourceNote: "UBA 2023",
				Load: func() ([]models.SectorAmount, error) { return LoadGermany(ubaPath) }},
			{Country: "Italy", Gas: models.GasCO2, SourceNote: "OWiD 2023",
				Load: func() ([]models.SectorAmount, error) { return LoadItaly(italyPath) }},
		},
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Countries reports which countries the registry covers.
func (b *Builder) Countries() []string {
	out := make([]string, len(b.sources))
	for i, s := range b.sources {
		out[i] = s.Country
	}
	return out
}

// WarnUnregistered logs configured countries missing from the source
// registry.
func (b *Builder) WarnUnregistered(ctx context.Context, configured []string) {
	registered := make(map[string]bool, len(b.sources))
	for _, s := range b.sources {
		registered[s.Country] = true
	}
	for _, c := range configured {
		if !registered[c] {
			b.logger.Warn(ctx, "[SECTORS] Configured country has no sector source", logging.Fields{
				"country": c,
			})
		}
	}
}

// Build loads every country, validates proportions, and returns the
// combined table. A single country failure fails the build; sector
// data is small enough that partial output would only mislead.
func (b *Builder) Build(ctx context.Context) (dataframe.DataFrame, error) {
	var combined dataframe.DataFrame
	for i, source := range b.sources {
		df, err := source.ToLong(Year)
		if err != nil {
			b.metrics.RecordStepFailure("sectors")
			return dataframe.DataFrame{}, err
		}
		b.logger.Info(ctx, "[SECTORS] Loaded country sector shares", logging.Fields{
			"country": source.Country,
			"sectors": df.Nrow(),
		})
		if i == 0 {
			combined = df
		} else {
			combined = combined.RBind(df)
			if combined.Err != nil {
				return combined, fmt.Errorf("failed to combine sector tables: %w", combined.Err)
			}
		}
	}

	b.warnMissingSectors(ctx, combined)

	validated, err := schema.SectorShare.Validate(combined)
	if err != nil {
		b.metrics.RecordValidationFailure(schema.SectorShare.Name)
		return validated, err
	}
	return validated, nil
}

func (b *Builder) warnMissingSectors(ctx context.Context, df dataframe.DataFrame) {
	countries := df.Col(models.ColCountry).Records()
	sectorVals := df.Col(models.ColSector).Records()
	present := make(map[string]map[string]bool)
	for i := range countries {
		if present[countries[i]] == nil {
			present[countries[i]] = make(map[string]bool)
		}
		present[countries[i]][sectorVals[i]] = true
	}
	for _, source := range b.sources {
		var absent []string
		for _, sec := range SectorOrder {
			if !present[source.Country][sec] {
				absent = append(absent, sec)
			}
		}
		if len(absent) > 0 {
			b.logger.Warn(ctx, "[SECTORS] Country missing canonical sectors", logging.Fields{
				"country": source.Country,
				"absent":  strings.Join(absent, ", "),
			})
		}
	}
}
