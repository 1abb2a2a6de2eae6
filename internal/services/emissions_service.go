package services

import (
	"context"
	"fmt"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"climate-platform/internal/config"
	"climate-platform/internal/loaders"
	"climate-platform/internal/models"
	"climate-platform/internal/schema"
	"climate-platform/internal/store"
	"climate-platform/internal/transform"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// EmissionsService builds the emissions analysis: staging of raw
// emissions and GDP, country-code enrichment, intensity, the 1990
// index, percent change and fitted slopes.
type EmissionsService struct {
	cfg         *config.Config
	loader      *loaders.Loader
	lookup      *loaders.M49Lookup
	worldBank   *loaders.WorldBankClient
	transformer *transform.Transformer
	store       *store.Store
	logger      *logging.StructuredLogger
	metrics     *metrics.Collector
}

func NewEmissionsService(cfg *config.Config, loader *loaders.Loader, lookup *loaders.M49Lookup, worldBank *loaders.WorldBankClient, transformer *transform.Transformer, st *store.Store, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *EmissionsService {
	return &EmissionsService{
		cfg:         cfg,
		loader:      loader,
		lookup:      lookup,
		worldBank:   worldBank,
		transformer: transformer,
		store:       st,
		logger:      logger,
		metrics:     metricsCollector,
	}
}

// Prefetch warms the network caches (country-code lookup and GDP)
// without running any analysis.
func (s *EmissionsService) Prefetch(ctx context.Context) error {
	ctx = logging.WithStep(ctx, "prefetch")
	if _, err := s.lookup.Load(ctx, s.cfg.Lookup.M49URL); err != nil {
		return fmt.Errorf("failed to prefetch country-code lookup: %w", err)
	}
	if _, err := s.worldBank.FetchGDP(ctx, s.cfg.GDP.Indicator, s.cfg.GDP.DateRange); err != nil {
		return fmt.Errorf("failed to prefetch GDP data: %w", err)
	}
	s.logger.Info(ctx, "[PREFETCH_COMPLETE] Network caches warmed", nil)
	return nil
}

// Run executes the emissions pipeline end to end.
func (s *EmissionsService) Run(ctx context.Context) error {
	ctx = logging.WithStep(ctx, "emissions")
	countries := s.cfg.Data.Countries

	s.logger.Info(ctx, "[EMISSIONS_START] Starting emissions analysis", logging.Fields{
		"countries": len(countries),
	})

	emissions, err := s.loader.LoadEmissions(ctx, s.cfg.Data.EmissionsPath)
	if err != nil {
		return fmt.Errorf("failed to load emissions data: %w", err)
	}
	if err := s.writeStagedEmissions(ctx, emissions); err != nil {
		return err
	}

	enriched, err := s.addISO3(ctx, emissions)
	if err != nil {
		return err
	}

	selected := enriched.Filter(dataframe.F{
		Colname:    models.ColArea,
		Comparator: series.In,
		Comparando: countries,
	})
	if selected.Err != nil {
		return fmt.Errorf("failed to filter emissions to configured countries: %w", selected.Err)
	}

	gdp, err := s.worldBank.FetchGDP(ctx, s.cfg.GDP.Indicator, s.cfg.GDP.DateRange)
	if err != nil {
		return err
	}
	if err := s.store.Write(ctx, "stg_gdp", gdp, store.ModeReplace); err != nil {
		return err
	}

	merged, err := s.transformer.MergeEnrichment(ctx, selected,
		gdp.Select([]string{models.ColISO3, models.ColYear, models.ColGDP}),
		[]string{models.ColISO3, models.ColYear}, models.ColGDP)
	if err != nil {
		return err
	}
	merged, err = schema.EmissionsWithGDP.Validate(merged)
	if err != nil {
		s.metrics.RecordValidationFailure(schema.EmissionsWithGDP.Name)
		return err
	}

	withIntensity, err := s.transformer.AddRatio(merged,
		models.ColIntensity, models.ColValue, models.ColGDP, 1e6)
	if err != nil {
		return err
	}

	withIntensity, err = s.transformer.DropNaNRows(withIntensity, models.ColYear, models.ColValue)
	if err != nil {
		return err
	}
	indexed, err := s.transformer.AddBaseYearIndex(ctx, withIntensity,
		[]string{models.ColArea, models.ColElement}, models.BaseYear, models.ColIndex1990)
	if err != nil {
		return err
	}
	indexed, err = schema.EmissionsIndex.Validate(indexed)
	if err != nil {
		s.metrics.RecordValidationFailure(schema.EmissionsIndex.Name)
		return err
	}

	mart := indexed.Select([]string{
		models.ColArea, models.ColElement, models.ColYear, models.ColValue,
		models.ColGDP, models.ColIntensity, models.ColIndex1990,
	})
	if mart.Err != nil {
		return fmt.Errorf("failed to project emissions index columns: %w", mart.Err)
	}
	if err := s.store.Write(ctx, "mart_emissions_index", mart, store.ModeReplace); err != nil {
		return err
	}

	pct, err := s.transformer.PercentChange(ctx, indexed,
		[]string{models.ColArea, models.ColElement}, models.BaseYear)
	if err != nil {
		return err
	}
	pct, err = schema.PercentChange.Validate(pct)
	if err != nil {
		s.metrics.RecordValidationFailure(schema.PercentChange.Name)
		return err
	}
	pct = pct.Arrange(dataframe.Sort(models.ColElement), dataframe.Sort(models.ColArea))
	if pct.Err != nil {
		return fmt.Errorf("failed to order percent-change table: %w", pct.Err)
	}
	if err := s.store.Write(ctx, "mart_percent_change", pct, store.ModeReplace); err != nil {
		return err
	}

	slopes, err := s.transformer.FitSlopes(ctx, indexed,
		[]string{models.ColArea, models.ColElement}, models.ColIndex1990)
	if err != nil {
		return err
	}
	slopes, err = schema.IndexSlopes.Validate(slopes)
	if err != nil {
		s.metrics.RecordValidationFailure(schema.IndexSlopes.Name)
		return err
	}
	slopes = slopes.Arrange(dataframe.Sort(models.ColElement), dataframe.Sort(models.ColArea))
	if slopes.Err != nil {
		return fmt.Errorf("failed to order slope table: %w", slopes.Err)
	}
	if err := s.store.Write(ctx, "mart_index_slopes", slopes, store.ModeReplace); err != nil {
		return err
	}

	s.logger.Info(ctx, "[EMISSIONS_COMPLETE] Emissions analysis complete", logging.Fields{
		"index_rows":  mart.Nrow(),
		"pct_groups":  pct.Nrow(),
		"slope_count": slopes.Nrow(),
	})
	return nil
}

// writeStagedEmissions persists the raw emissions with the numeric M49
// code under its canonical staging name.
func (s *EmissionsService) writeStagedEmissions(ctx context.Context, emissions dataframe.DataFrame) error {
	staged := emissions.Rename("area_code_m49", models.ColAreaCodeM49)
	if staged.Err != nil {
		return fmt.Errorf("failed to rename M49 code column: %w", staged.Err)
	}
	return s.store.Write(ctx, "stg_emissions", staged, store.ModeReplace)
}

// addISO3 joins the M49 lookup onto the emissions table.
func (s *EmissionsService) addISO3(ctx context.Context, emissions dataframe.DataFrame) (dataframe.DataFrame, error) {
	lookup, err := s.lookup.Load(ctx, s.cfg.Lookup.M49URL)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	lookup = lookup.Select([]string{models.ColM49CodeStr, models.ColISO3})
	if lookup.Err != nil {
		return lookup, fmt.Errorf("failed to project lookup columns: %w", lookup.Err)
	}
	lookup = lookup.Rename(models.ColAreaCodeStr, models.ColM49CodeStr)
	if lookup.Err != nil {
		return lookup, fmt.Errorf("failed to align lookup join key: %w", lookup.Err)
	}
	return s.transformer.JoinLookup(ctx, emissions, lookup, models.ColAreaCodeStr, models.ColISO3)
}
