package models

import "fmt"

// Gas is the closed set of greenhouse-gas categories flowing through
// the pipeline. Emissions data carries the individual gases; sector
// breakdowns additionally use the aggregate GHG basket.
type Gas string

const (
	GasCH4 Gas = "CH4"
	GasCO2 Gas = "CO2"
	GasN2O Gas = "N2O"
	GasGHG Gas = "GHG"
)

// EmissionGases are the gases present in the FAOSTAT emissions extract.
var EmissionGases = []Gas{GasCH4, GasCO2, GasN2O}

// ParseGas converts a raw label into a Gas, rejecting anything outside
// the closed set.
func ParseGas(s string) (Gas, error) {
	switch Gas(s) {
	case GasCH4, GasCO2, GasN2O, GasGHG:
		return Gas(s), nil
	}
	return "", fmt.Errorf("unknown gas %q", s)
}

// Valid reports whether g is a member of the closed set.
func (g Gas) Valid() bool {
	switch g {
	case GasCH4, GasCO2, GasN2O, GasGHG:
		return true
	}
	return false
}

func (g Gas) String() string {
	return string(g)
}

// Canonical column names shared between loaders, transforms, schemas
// and the store. Joins are by name, so a single definition keeps the
// stages agreeing with each other.
const (
	ColArea        = "Area"
	ColElement     = "Element"
	ColUnit        = "Unit"
	ColYear        = "Year"
	ColValue       = "Value"
	ColItem        = "Item"
	ColItemCodeCPC = "item_code_cpc"
	ColAreaCodeM49 = "Area Code (M49)"
	ColAreaCodeStr = "area_code_str"
	ColM49CodeStr  = "m49_code_str"
	ColRegionName  = "Region Name"
	ColISO3        = "ISO3"
	ColCountryWB   = "Country_WB"
	ColGDP         = "GDP_constant_USD"
	ColIntensity   = "emissions_per_million_usd"
	ColIndex1990   = "Emissions_index_1990_100"
	ColValue1990   = "value_1990"
	ColValueLatest = "value_latest"
	ColPctChange   = "percent_change"
	ColLatestYear  = "latest_year"
	ColAnnualSlope = "Annual_slope"
	ColYearBin     = "year_bin"
	ColAvgValue    = "avg_value"
	ColCountry     = "Country"
	ColGas         = "Gas"
	ColSector      = "Sector"
	ColAmount      = "Amount"
	ColProportion  = "Proportion"
	ColSourceNote  = "source_note"
)

// BaseYear is the reference year all emission indices are normalised
// against (index = 100 at BaseYear).
const BaseYear = 1990

// SectorAmount is one sector's absolute emissions within a country
// breakdown. Slices of these preserve source ordering, which keeps
// downstream tie-breaks deterministic.
type SectorAmount struct {
	Sector string
	Amount float64
}

// SectorShare is one normalised row of the sector-share staging table.
type SectorShare struct {
	Country    string
	Year       int
	Gas        Gas
	Sector     string
	Amount     float64
	Proportion float64
	SourceNote string
}
