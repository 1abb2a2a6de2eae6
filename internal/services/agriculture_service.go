package services

import (
	"context"
	"fmt"

	"climate-platform/internal/config"
	"climate-platform/internal/loaders"
	"climate-platform/internal/models"
	"climate-platform/internal/schema"
	"climate-platform/internal/store"
	"climate-platform/internal/transform"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// AgricultureService stages the FAOSTAT production indices and derives
// the top-commodity-per-bin mart.
type AgricultureService struct {
	cfg         *config.Config
	loader      *loaders.Loader
	transformer *transform.Transformer
	store       *store.Store
	logger      *logging.StructuredLogger
	metrics     *metrics.Collector
}

func NewAgricultureService(cfg *config.Config, loader *loaders.Loader, transformer *transform.Transformer, st *store.Store, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *AgricultureService {
	return &AgricultureService{
		cfg:         cfg,
		loader:      loader,
		transformer: transformer,
		store:       st,
		logger:      logger,
		metrics:     metricsCollector,
	}
}

// Run loads the three production datasets, writes their staging
// tables, and builds the top-item mart.
func (s *AgricultureService) Run(ctx context.Context) error {
	ctx = logging.WithStep(ctx, "agriculture")
	countries := s.cfg.Data.Countries

	s.logger.Info(ctx, "[AG_START] Starting agriculture analysis", logging.Fields{
		"countries": len(countries),
	})

	agData, err := s.loader.LoadFAOStatMulti(ctx,
		[]string{s.cfg.Data.FAOStatWestPath, s.cfg.Data.FAOStatSouthPath},
		countries, nil)
	if err != nil {
		return fmt.Errorf("failed to load production index data: %w", err)
	}
	if err := s.store.Write(ctx, "stg_ag_production", agData, store.ModeReplace); err != nil {
		return err
	}

	fvData, err := s.loader.LoadFAOStat(ctx, s.cfg.Data.FAOStatFVPath, countries, nil)
	if err != nil {
		return fmt.Errorf("failed to load fruit and vegetable data: %w", err)
	}
	if err := s.store.Write(ctx, "stg_fv_production", fvData, store.ModeReplace); err != nil {
		return err
	}

	allAg, err := s.loader.LoadFAOStat(ctx, s.cfg.Data.FAOStatAllAgPath, countries, loaders.ExtraAgColumns)
	if err != nil {
		return fmt.Errorf("failed to load commodity-level data: %w", err)
	}
	allAg = allAg.Rename(models.ColItemCodeCPC, "Item Code (CPC)")
	if allAg.Err != nil {
		return fmt.Errorf("failed to rename commodity code column: %w", allAg.Err)
	}
	allAg, err = schema.FAOStatItems.Validate(allAg)
	if err != nil {
		s.metrics.RecordValidationFailure(schema.FAOStatItems.Name)
		return err
	}
	if err := s.store.Write(ctx, "stg_ag_items", allAg, store.ModeReplace); err != nil {
		return err
	}

	top, err := s.transformer.TopPerBin(ctx, allAg,
		[]string{models.ColItemCodeCPC, models.ColItem}, models.BaseYear, 5)
	if err != nil {
		return fmt.Errorf("failed to compute top items per bin: %w", err)
	}
	top = top.Select([]string{models.ColArea, models.ColYearBin, models.ColItem, models.ColAvgValue})
	if top.Err != nil {
		return fmt.Errorf("failed to project top-item columns: %w", top.Err)
	}
	top, err = schema.TopItems.Validate(top)
	if err != nil {
		s.metrics.RecordValidationFailure(schema.TopItems.Name)
		return err
	}
	if err := s.store.Write(ctx, "mart_top_ag_items", top, store.ModeReplace); err != nil {
		return err
	}

	s.logger.Info(ctx, "[AG_COMPLETE] Agriculture analysis complete", logging.Fields{
		"production_rows": agData.Nrow(),
		"fv_rows":         fvData.Nrow(),
		"commodity_rows":  allAg.Nrow(),
		"top_item_bins":   top.Nrow(),
	})
	return nil
}
