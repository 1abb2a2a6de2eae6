package loaders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"climate-platform/internal/models"
	"climate-platform/internal/schema"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// DefaultWorldBankBaseURL is the production World Bank API endpoint.
const DefaultWorldBankBaseURL = "https://api.worldbank.org/v2"

// EnvelopeError reports a remote API response that did not have the
// expected [metadata, records] envelope. The raw body is carried so
// the operator can see exactly what came back.
type EnvelopeError struct {
	URL  string
	Body string
}

func (e *EnvelopeError) Error() string {
	body := e.Body
	if len(body) > 500 {
		body = body[:500] + "..."
	}
	return fmt.Sprintf("unexpected World Bank API response from %s: %s", e.URL, body)
}

// WorldBankClient fetches GDP series from the World Bank statistical
// API. Results are memoized per (indicator, dateRange) pair for the
// process lifetime, with an explicit CSV file cache beneath the
// in-memory layer for reuse across runs.
type WorldBankClient struct {
	baseURL  string
	cacheDir string
	client   *http.Client
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector

	mu   sync.Mutex
	memo map[string]dataframe.DataFrame
}

// NewWorldBankClient creates a client. An empty cacheDir disables the
// file cache layer.
func NewWorldBankClient(baseURL, cacheDir string, client *http.Client, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *WorldBankClient {
	if baseURL == "" {
		baseURL = DefaultWorldBankBaseURL
	}
	return &WorldBankClient{
		baseURL:  baseURL,
		cacheDir: cacheDir,
		client:   client,
		logger:   logger,
		metrics:  metricsCollector,
		memo:     make(map[string]dataframe.DataFrame),
	}
}

// wbRecord is one record of the World Bank response envelope.
type wbRecord struct {
	CountryISO3 string `json:"countryiso3code"`
	Country     struct {
		Value string `json:"value"`
	} `json:"country"`
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// FetchGDP returns the cleaned GDP table (ISO3, Country_WB, Year,
// GDP_constant_USD) for the indicator over dateRange. Rows with a
// missing join key or value are dropped at load time.
func (c *WorldBankClient) FetchGDP(ctx context.Context, indicator, dateRange string) (dataframe.DataFrame, error) {
	key := indicator + "|" + dateRange

	c.mu.Lock()
	defer c.mu.Unlock()

	if df, ok := c.memo[key]; ok {
		c.metrics.CacheHits.WithLabelValues("gdp_memory").Inc()
		return df, nil
	}

	if df, err := c.readCache(indicator, dateRange); err == nil {
		c.metrics.CacheHits.WithLabelValues("gdp_file").Inc()
		c.logger.Info(ctx, "[GDP_CACHE] GDP loaded from cache", logging.Fields{
			"indicator": indicator,
			"rows":      df.Nrow(),
		})
		c.memo[key] = df
		return df, nil
	}
	c.metrics.CacheMisses.WithLabelValues("gdp_file").Inc()

	df, err := c.fetch(ctx, indicator, dateRange)
	if err != nil {
		return dataframe.DataFrame{}, err
	}

	if c.cacheDir != "" {
		if err := c.writeCache(indicator, dateRange, df); err != nil {
			c.logger.Warn(ctx, "[GDP_CACHE] Failed to write cache file", logging.Fields{
				"indicator": indicator,
				"error":     err.Error(),
			})
		}
	}

	c.memo[key] = df
	return df, nil
}

func (c *WorldBankClient) fetch(ctx context.Context, indicator, dateRange string) (dataframe.DataFrame, error) {
	url := fmt.Sprintf("%s/country/all/indicator/%s?date=%s&format=json&per_page=20000",
		c.baseURL, indicator, dateRange)

	c.logger.Info(ctx, "[GDP_FETCH] Fetching World Bank GDP", logging.Fields{"url": url})

	timer := c.metrics.NewTimer(c.metrics.FetchDuration.WithLabelValues("worldbank"))
	defer timer.ObserveDuration()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed to build World Bank request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed to fetch World Bank GDP: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed to read World Bank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return dataframe.DataFrame{}, fmt.Errorf("World Bank API returned status %d: %s", resp.StatusCode, body)
	}

	// The API wraps results in a two-element array [metadata, records].
	// Anything else is rejected immediately, no retry.
	var envelope []json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope) < 2 {
		return dataframe.DataFrame{}, &EnvelopeError{URL: url, Body: string(body)}
	}

	var records []wbRecord
	if err := json.Unmarshal(envelope[1], &records); err != nil {
		return dataframe.DataFrame{}, &EnvelopeError{URL: url, Body: string(body)}
	}

	var isos, names []string
	var years []int
	var values []float64
	dropped := 0
	for _, rec := range records {
		iso := strings.TrimSpace(rec.CountryISO3)
		year, yearErr := strconv.Atoi(strings.TrimSpace(rec.Date))
		if iso == "" || yearErr != nil || rec.Value == nil {
			dropped++
			continue
		}
		isos = append(isos, iso)
		names = append(names, rec.Country.Value)
		years = append(years, year)
		values = append(values, *rec.Value)
	}
	if dropped > 0 {
		c.metrics.RecordRowsDropped("gdp_missing_fields", dropped)
		c.logger.Debug(ctx, "[GDP_FETCH] Dropped incomplete records", logging.Fields{
			"dropped": dropped,
		})
	}
	if len(isos) == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("World Bank response for %s contained no usable records", indicator)
	}

	df := dataframe.New(
		series.New(isos, series.String, models.ColISO3),
		series.New(names, series.String, models.ColCountryWB),
		series.New(years, series.Int, models.ColYear),
		series.New(values, series.Float, models.ColGDP),
	)

	df, err = schema.GDP.Validate(df)
	if err != nil {
		return df, err
	}

	c.metrics.RowsLoaded.WithLabelValues("worldbank").Add(float64(df.Nrow()))
	c.logger.Info(ctx, "[GDP_FETCH] GDP fetched", logging.Fields{
		"indicator": indicator,
		"rows":      df.Nrow(),
	})
	return df, nil
}

// CachePath returns the file-cache location for an (indicator,
// dateRange) pair.
func (c *WorldBankClient) CachePath(indicator, dateRange string) string {
	name := fmt.Sprintf("wb_%s_%s.csv", indicator, strings.ReplaceAll(dateRange, ":", "-"))
	return filepath.Join(c.cacheDir, name)
}

func (c *WorldBankClient) readCache(indicator, dateRange string) (dataframe.DataFrame, error) {
	if c.cacheDir == "" {
		return dataframe.DataFrame{}, os.ErrNotExist
	}
	f, err := os.Open(c.CachePath(indicator, dateRange))
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.WithTypes(map[string]series.Type{
			models.ColISO3:      series.String,
			models.ColCountryWB: series.String,
			models.ColYear:      series.Int,
			models.ColGDP:       series.Float,
		}),
	)
	if df.Err != nil {
		return df, fmt.Errorf("failed to parse GDP cache: %w", df.Err)
	}
	return df, nil
}

func (c *WorldBankClient) writeCache(indicator, dateRange string, df dataframe.DataFrame) error {
	f, err := os.Create(c.CachePath(indicator, dateRange))
	if err != nil {
		return err
	}
	defer f.Close()
	return df.WriteCSV(f)
}
