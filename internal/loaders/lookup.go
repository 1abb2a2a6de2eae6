package loaders

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"golang.org/x/net/html"

	"climate-platform/internal/models"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// M49Lookup resolves zero-padded M49 numeric country codes to ISO3
// alphabetic codes and region names. The source is a UNSD reference
// page scraped once and cached: the mapping is static data, so the
// cache file is preferred over the network and the parsed result is
// memoized for the life of the process.
type M49Lookup struct {
	cachePath string
	client    *http.Client
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector

	mu   sync.Mutex
	memo map[string]dataframe.DataFrame
}

// NewM49Lookup creates a lookup backed by the given cache file.
func NewM49Lookup(cachePath string, client *http.Client, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *M49Lookup {
	return &M49Lookup{
		cachePath: cachePath,
		client:    client,
		logger:    logger,
		metrics:   metricsCollector,
		memo:      make(map[string]dataframe.DataFrame),
	}
}

// Load returns the (m49_code_str, Region Name, ISO3) mapping, fetching
// and caching it on first use.
func (m *M49Lookup) Load(ctx context.Context, url string) (dataframe.DataFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if df, ok := m.memo[url]; ok {
		m.metrics.CacheHits.WithLabelValues("m49_memory").Inc()
		return df, nil
	}

	if df, err := m.readCache(); err == nil {
		m.metrics.CacheHits.WithLabelValues("m49_file").Inc()
		m.logger.Info(ctx, "[M49_CACHE] Lookup loaded from cache", logging.Fields{
			"path": m.cachePath,
			"rows": df.Nrow(),
		})
		m.memo[url] = df
		return df, nil
	}
	m.metrics.CacheMisses.WithLabelValues("m49_file").Inc()

	df, err := m.fetch(ctx, url)
	if err != nil {
		return dataframe.DataFrame{}, err
	}

	if err := m.writeCache(df); err != nil {
		// Cache write failure is not fatal; the next run refetches.
		m.logger.Warn(ctx, "[M49_CACHE] Failed to write cache file", logging.Fields{
			"path":  m.cachePath,
			"error": err.Error(),
		})
	} else {
		m.logger.Info(ctx, "[M49_CACHE] Lookup cached", logging.Fields{
			"path": m.cachePath,
		})
	}

	m.memo[url] = df
	return df, nil
}

func (m *M49Lookup) readCache() (dataframe.DataFrame, error) {
	f, err := os.Open(m.cachePath)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
	)
	if df.Err != nil {
		return df, fmt.Errorf("failed to parse cache %s: %w", m.cachePath, df.Err)
	}
	return df, nil
}

func (m *M49Lookup) writeCache(df dataframe.DataFrame) error {
	f, err := os.Create(m.cachePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return df.WriteCSV(f)
}

func (m *M49Lookup) fetch(ctx context.Context, url string) (dataframe.DataFrame, error) {
	m.logger.Info(ctx, "[M49_FETCH] Fetching M49 lookup", logging.Fields{"url": url})

	timer := m.metrics.NewTimer(m.metrics.FetchDuration.WithLabelValues("m49"))
	defer timer.ObserveDuration()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed to build M49 request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed to fetch M49 lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return dataframe.DataFrame{}, fmt.Errorf("M49 lookup fetch returned status %d", resp.StatusCode)
	}

	table, err := findTableWithHeader(resp.Body, "M49 Code")
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	return lookupFromTable(table)
}

// lookupFromTable projects the scraped table to the three columns the
// pipeline needs, zero-padding codes and dropping duplicates (first
// occurrence wins, so each code maps to at most one ISO3).
func lookupFromTable(t *htmlTable) (dataframe.DataFrame, error) {
	codeIdx := t.columnIndex("M49 Code")
	regionIdx := t.columnIndex("Region Name")
	isoIdx := t.columnIndex("ISO-alpha3 Code")
	if codeIdx < 0 || regionIdx < 0 || isoIdx < 0 {
		return dataframe.DataFrame{}, fmt.Errorf("M49 table missing expected columns, header: %v", t.header)
	}

	seen := make(map[string]bool)
	var codes, regions, isos []string
	for _, row := range t.rows {
		if len(row) <= codeIdx || len(row) <= regionIdx || len(row) <= isoIdx {
			continue
		}
		code := zeroPadCodes([]string{row[codeIdx]})[0]
		if code == "" {
			continue
		}
		iso := strings.TrimSpace(row[isoIdx])
		if seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
		regions = append(regions, strings.TrimSpace(row[regionIdx]))
		isos = append(isos, iso)
	}
	if len(codes) == 0 {
		return dataframe.DataFrame{}, fmt.Errorf("M49 table contained no usable rows")
	}

	return dataframe.New(
		series.New(codes, series.String, models.ColM49CodeStr),
		series.New(regions, series.String, models.ColRegionName),
		series.New(isos, series.String, models.ColISO3),
	), nil
}

// htmlTable is a parsed HTML table: a header row plus data rows.
type htmlTable struct {
	header []string
	rows   [][]string
}

func (t *htmlTable) columnIndex(name string) int {
	for i, h := range t.header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

// findTableWithHeader parses the document and returns the first table
// whose header row contains the given column name.
func findTableWithHeader(r io.Reader, column string) (*htmlTable, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML document: %w", err)
	}

	var tables []*htmlTable
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			tables = append(tables, parseTable(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, t := range tables {
		if t.columnIndex(column) >= 0 {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no table with header %q found in document", column)
}

func parseTable(table *html.Node) *htmlTable {
	t := &htmlTable{}

	var rows []*html.Node
	var collectRows func(n *html.Node)
	collectRows = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			rows = append(rows, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collectRows(c)
		}
	}
	collectRows(table)

	for _, row := range rows {
		var cells []string
		for c := row.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if c.Data == "th" || c.Data == "td" {
				cells = append(cells, nodeText(c))
			}
		}
		if len(cells) == 0 {
			continue
		}
		// First non-empty row is the header, th or not.
		if t.header == nil {
			t.header = cells
			continue
		}
		t.rows = append(t.rows, cells)
	}
	return t
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
