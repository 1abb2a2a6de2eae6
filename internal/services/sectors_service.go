package services

import (
	"context"

	"climate-platform/internal/config"
	"climate-platform/internal/sectors"
	"climate-platform/internal/store"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// SectorsService builds and stages the sector-level emission shares.
type SectorsService struct {
	cfg     *config.Config
	builder *sectors.Builder
	store   *store.Store
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

func NewSectorsService(cfg *config.Config, builder *sectors.Builder, st *store.Store, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *SectorsService {
	return &SectorsService{
		cfg:     cfg,
		builder: builder,
		store:   st,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// Run combines every country source into the validated shares table
// and replaces the staging table.
func (s *SectorsService) Run(ctx context.Context) error {
	ctx = logging.WithStep(ctx, "sectors")

	s.builder.WarnUnregistered(ctx, s.cfg.Data.Countries)

	combined, err := s.builder.Build(ctx)
	if err != nil {
		return err
	}
	if err := s.store.Write(ctx, "stg_sector_shares", combined, store.ModeReplace); err != nil {
		return err
	}

	s.logger.Info(ctx, "[SECTORS_COMPLETE] Sector shares staged", logging.Fields{
		"rows": combined.Nrow(),
	})
	return nil
}
