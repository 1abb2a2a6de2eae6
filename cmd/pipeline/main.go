package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"climate-platform/internal/config"
	"climate-platform/internal/loaders"
	"climate-platform/internal/sectors"
	"climate-platform/internal/services"
	"climate-platform/internal/store"
	"climate-platform/internal/transform"
	"climate-platform/pkg/database"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

func main() {
	// Parse command-line flags
	only := flag.String("only", "", "Comma-separated subset of steps to run (agriculture,emissions,sectors)")
	cacheOnly := flag.Bool("cache-only", false, "Warm the network caches and exit without running any analysis")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewStructuredLogger("climate-pipeline", "1.0.0", logging.ParseLevel(cfg.LogLevel))

	ctx := context.Background()
	logger.Info(ctx, "[PIPELINE_START] Starting climate analysis pipeline", logging.Fields{
		"version":    "1.0.0",
		"db_path":    cfg.Database.Path,
		"countries":  strings.Join(cfg.Data.Countries, ","),
		"only":       *only,
		"cache_only": *cacheOnly,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("climate_pipeline")

	// Initialize database
	db, err := database.NewDuckDB(&database.Config{Path: cfg.Database.Path}, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[PIPELINE_ERROR] Failed to open database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize store
	st, err := store.Open(ctx, db, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[PIPELINE_ERROR] Failed to open store", logging.Fields{}, err)
	}

	if err := os.MkdirAll(cfg.Data.CacheDir, 0o755); err != nil {
		logger.Fatal(ctx, "[PIPELINE_ERROR] Failed to create cache directory", logging.Fields{
			"cache_dir": cfg.Data.CacheDir,
		}, err)
	}

	// Initialize loaders
	loader := loaders.NewLoader(logger, metricsCollector)
	lookupClient := &http.Client{Timeout: cfg.Lookup.Timeout}
	lookup := loaders.NewM49Lookup(
		cfg.Data.CacheDir+"/m49_lookup.csv", lookupClient, logger, metricsCollector)
	gdpClient := &http.Client{Timeout: cfg.GDP.Timeout}
	worldBank := loaders.NewWorldBankClient(
		cfg.GDP.BaseURL, cfg.Data.CacheDir, gdpClient, logger, metricsCollector)

	// Initialize transforms and sector sources
	transformer := transform.NewTransformer(logger, metricsCollector)
	sectorBuilder := sectors.NewBuilder(
		cfg.Data.UBASectorsPath, cfg.Data.ItalySectorsPath, logger, metricsCollector)

	// Initialize services
	agService := services.NewAgricultureService(cfg, loader, transformer, st, logger, metricsCollector)
	emService := services.NewEmissionsService(cfg, loader, lookup, worldBank, transformer, st, logger, metricsCollector)
	secService := services.NewSectorsService(cfg, sectorBuilder, st, logger, metricsCollector)

	runner := services.NewRunner(agService, emService, secService, logger, metricsCollector)

	start := time.Now()

	if *cacheOnly {
		if err := runner.Prefetch(ctx); err != nil {
			logger.Error(ctx, "[PIPELINE_ERROR] Cache prefetch failed", logging.Fields{}, err)
			os.Exit(1)
		}
		fmt.Printf("Caches warmed in %v\n", time.Since(start).Round(time.Millisecond))
		return
	}

	var selected []string
	if *only != "" {
		for _, name := range strings.Split(*only, ",") {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				selected = append(selected, trimmed)
			}
		}
	}

	runErr := runner.Run(ctx, selected)

	// Print results
	counts, err := st.RowCounts(ctx)
	if err != nil {
		logger.Error(ctx, "[PIPELINE_ERROR] Failed to read row counts", logging.Fields{}, err)
	} else {
		fmt.Println(strings.Repeat("=", 60))
		fmt.Println("PIPELINE COMPLETE")
		fmt.Println(strings.Repeat("=", 60))
		for _, table := range store.TableNames() {
			fmt.Printf("%-25s %8d rows\n", table, counts[table])
		}
		fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Millisecond))
	}

	if runErr != nil {
		logger.Error(ctx, "[PIPELINE_FAILED] Pipeline finished with failures", logging.Fields{}, runErr)
		os.Exit(1)
	}

	logger.Info(ctx, "[PIPELINE_COMPLETE] All steps finished", logging.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
