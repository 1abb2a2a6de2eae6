package schema

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"climate-platform/internal/models"
)

// Schema registry: one declaration per pipeline stage, mirroring the
// dataflow order. Every loader and transform output validates against
// exactly one of these before it is persisted or passed on.

// RawEmissions is the emissions CSV as read off disk, gas label still
// wrapped in "Emissions (X)".
var RawEmissions = &Schema{
	Name: "raw_emissions",
	Columns: []Column{
		{Name: models.ColArea, Type: series.String},
		{Name: models.ColElement, Type: series.String, Pattern: `^Emissions \((CH4|CO2|N2O)\)$`},
		{Name: models.ColYear, Type: series.Int, Min: Float(1900), Max: Float(2100)},
		{Name: models.ColValue, Type: series.Float, Nullable: true},
	},
}

// Emissions is the output of the emissions loader: label unwrapped,
// M49 code zero-padded into a string join key.
var Emissions = &Schema{
	Name: "emissions",
	Columns: []Column{
		{Name: models.ColArea, Type: series.String},
		{Name: models.ColElement, Type: series.String},
		{Name: models.ColYear, Type: series.Int, Min: Float(1900), Max: Float(2100)},
		{Name: models.ColValue, Type: series.Float, Nullable: true},
		{Name: models.ColAreaCodeStr, Type: series.String, Pattern: `^\d{3}$`},
	},
}

// EmissionsWithGDP is the emissions table after the GDP merge.
var EmissionsWithGDP = extend(Emissions, "emissions_with_gdp",
	[]Column{
		{Name: models.ColISO3, Type: series.String, Pattern: `^[A-Z]{3}$`},
		{Name: models.ColGDP, Type: series.Float, GT: Float(0)},
	},
	[]Check{elementsAreEmissionGases()},
)

// EmissionsIndex adds the intensity and base-year index columns.
var EmissionsIndex = extend(EmissionsWithGDP, "emissions_index",
	[]Column{
		{Name: models.ColIntensity, Type: series.Float, Min: Float(0), Nullable: true},
		{Name: models.ColIndex1990, Type: series.Float, Min: Float(0), Nullable: true},
	},
	nil,
)

// FAOStat is a production-index CSV after loading.
var FAOStat = &Schema{
	Name: "faostat",
	Columns: []Column{
		{Name: models.ColArea, Type: series.String},
		{Name: models.ColElement, Type: series.String},
		{Name: models.ColYear, Type: series.Int, Min: Float(1960), Max: Float(2030)},
		{Name: models.ColValue, Type: series.Float, Nullable: true},
	},
}

// FAOStatItems is the commodity-level production index.
var FAOStatItems = extend(FAOStat, "faostat_items",
	[]Column{
		{Name: models.ColItemCodeCPC, Type: series.String, Nullable: true},
		{Name: models.ColItem, Type: series.String, Nullable: true},
	},
	nil,
)

// SectorShare is the normalised sector-proportion table. The per-country
// proportion sum is a hard failure, not a warning: a breakdown that does
// not cover the country indicates broken source data.
var SectorShare = &Schema{
	Name: "sector_share",
	Columns: []Column{
		{Name: models.ColCountry, Type: series.String},
		{Name: models.ColYear, Type: series.Int, Min: Float(2000), Max: Float(2030)},
		{Name: models.ColGas, Type: series.String, OneOf: []string{string(models.GasCO2), string(models.GasGHG)}},
		{Name: models.ColSector, Type: series.String},
		{Name: models.ColAmount, Type: series.Float, Min: Float(0)},
		{Name: models.ColProportion, Type: series.Float, Min: Float(0), Max: Float(1)},
	},
	Checks: []Check{proportionsSumToOnePerCountry()},
}

// GDP is the World Bank GDP table after fetching and cleaning.
var GDP = &Schema{
	Name: "gdp",
	Columns: []Column{
		{Name: models.ColISO3, Type: series.String, Pattern: `^[A-Z]{3}$`},
		{Name: models.ColYear, Type: series.Int, Min: Float(1960), Max: Float(2030)},
		{Name: models.ColGDP, Type: series.Float, GT: Float(0)},
	},
}

// PercentChange is the mart of base-to-latest changes, one row per
// country and gas.
var PercentChange = &Schema{
	Name: "percent_change",
	Columns: []Column{
		{Name: models.ColArea, Type: series.String},
		{Name: models.ColElement, Type: series.String, OneOf: gasStrings(models.EmissionGases)},
		{Name: models.ColValue1990, Type: series.Float, GT: Float(0)},
		{Name: models.ColValueLatest, Type: series.Float, GT: Float(0)},
		{Name: models.ColPctChange, Type: series.Float},
		{Name: models.ColLatestYear, Type: series.Int, Min: Float(1991)},
	},
}

// IndexSlopes is the mart of fitted index slopes, one row per country
// and gas.
var IndexSlopes = &Schema{
	Name: "index_slopes",
	Columns: []Column{
		{Name: models.ColArea, Type: series.String},
		{Name: models.ColElement, Type: series.String, OneOf: gasStrings(models.EmissionGases)},
		{Name: models.ColAnnualSlope, Type: series.Float},
	},
}

// TopItems is the mart of top agricultural commodity per country and
// 5-year bin.
var TopItems = &Schema{
	Name: "top_items",
	Columns: []Column{
		{Name: models.ColArea, Type: series.String},
		{Name: models.ColYearBin, Type: series.Int},
		{Name: models.ColItem, Type: series.String},
		{Name: models.ColAvgValue, Type: series.Float},
	},
}

var registry = map[string]*Schema{}

func init() {
	for _, s := range []*Schema{
		RawEmissions, Emissions, EmissionsWithGDP, EmissionsIndex,
		FAOStat, FAOStatItems, SectorShare, GDP,
		PercentChange, IndexSlopes, TopItems,
	} {
		registry[s.Name] = s
	}
}

// ByName looks a schema up by its registered name.
func ByName(name string) (*Schema, bool) {
	s, ok := registry[name]
	return s, ok
}

// extend derives a schema from a parent by appending columns and checks,
// the declarative-inheritance pattern the stage schemas are built on.
func extend(parent *Schema, name string, cols []Column, checks []Check) *Schema {
	s := &Schema{Name: name}
	s.Columns = append(s.Columns, parent.Columns...)
	s.Columns = append(s.Columns, cols...)
	s.Checks = append(s.Checks, parent.Checks...)
	s.Checks = append(s.Checks, checks...)
	return s
}

func gasStrings(gases []models.Gas) []string {
	out := make([]string, len(gases))
	for i, g := range gases {
		out[i] = string(g)
	}
	return out
}

func elementsAreEmissionGases() Check {
	allowed := make(map[string]bool)
	for _, g := range models.EmissionGases {
		allowed[string(g)] = true
	}
	return Check{
		Name: "valid_element_values",
		Fn: func(df dataframe.DataFrame) error {
			var bad []string
			for _, v := range df.Col(models.ColElement).Records() {
				if !allowed[v] {
					bad = append(bad, v)
				}
			}
			if len(bad) > 0 {
				return fmt.Errorf("unexpected element values %v", dedupe(bad))
			}
			return nil
		},
	}
}

// proportionsSumToOnePerCountry enforces that each country's sector
// proportions cover the whole country within a 2% tolerance.
func proportionsSumToOnePerCountry() Check {
	const tolerance = 0.02
	return Check{
		Name: "proportions_sum_to_one_per_country",
		Fn: func(df dataframe.DataFrame) error {
			countries := df.Col(models.ColCountry).Records()
			props := df.Col(models.ColProportion).Float()

			sums := make(map[string]float64)
			var order []string
			for i, c := range countries {
				if _, seen := sums[c]; !seen {
					order = append(order, c)
				}
				if !math.IsNaN(props[i]) {
					sums[c] += props[i]
				}
			}

			var bad []string
			for _, c := range order {
				if math.Abs(sums[c]-1.0) > tolerance {
					bad = append(bad, fmt.Sprintf("%s=%.4f", c, sums[c]))
				}
			}
			if len(bad) > 0 {
				return fmt.Errorf("proportions must sum to ~1.0 per country, got %s", strings.Join(bad, ", "))
			}
			return nil
		},
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
