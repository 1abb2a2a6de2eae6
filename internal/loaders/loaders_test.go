package loaders

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate-platform/internal/models"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

var (
	testLogger  = newTestLogger()
	testMetrics = metrics.NewCollector("climate_test_loaders")
)

func newTestLogger() *logging.StructuredLogger {
	l := logging.NewStructuredLogger("test", "test", logging.ErrorLevel)
	l.SetOutput(io.Discard)
	return l
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestZeroPadCodes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"4", "004"},
		{"'004", "004"},
		{"380", "380"},
		{" 76 ", "076"},
		{"not-a-code", ""},
	}
	for _, tt := range tests {
		got := zeroPadCodes([]string{tt.in})[0]
		assert.Equal(t, tt.want, got, "zeroPadCodes(%q)", tt.in)
	}
}

func TestUnwrapGasLabels(t *testing.T) {
	in := []string{"Emissions (CH4)", "Emissions (N2O)", "Some Other Element"}
	got := unwrapGasLabels(in)
	assert.Equal(t, []string{"CH4", "N2O", "Some Other Element"}, got)
}

func TestLoadEmissions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "data.csv",
		"Area Code (M49),Area,Element Code,Element,Year Code,Year,Value\n"+
			"4,Afghanistan,7230,Emissions (CH4),1990,1990,12.5\n"+
			"380,Italy,7230,Emissions (CO2),2000,2000,80\n")

	loader := NewLoader(testLogger, testMetrics)
	df, err := loader.LoadEmissions(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 2, df.Nrow())

	assert.Equal(t, []string{"CH4", "CO2"}, df.Col(models.ColElement).Records())
	assert.Equal(t, []string{"004", "380"}, df.Col(models.ColAreaCodeStr).Records())
}

func TestLoadEmissions_MissingColumn(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "data.csv",
		"Area,Element,Year,Value\nItaly,Emissions (CH4),1990,1\n")

	loader := NewLoader(testLogger, testMetrics)
	_, err := loader.LoadEmissions(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Area Code (M49)")
}

const faostatHeader = "Area,Element,Unit,Value,Year\n"

func TestLoadFAOStat_FiltersToCountries(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "west.csv", faostatHeader+
		"Italy,Gross Production Index,index,101.2,2000\n"+
		" France ,Gross Production Index,index,99.1,2000\n"+
			"Portugal,Gross Production Index,index,95.0,2000\n")

	loader := NewLoader(testLogger, testMetrics)
	df, err := loader.LoadFAOStat(context.Background(), path, []string{"Italy", "France", "Narnia"}, nil)
	require.NoError(t, err)

	// Portugal filtered out, France kept despite padded whitespace,
	// missing Narnia logged but not fatal.
	assert.Equal(t, 2, df.Nrow())
	assert.ElementsMatch(t, []string{"Italy", "France"}, df.Col(models.ColArea).Records())
}

func TestLoadFAOStatMulti_DeduplicatesAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	west := writeFile(t, dir, "west.csv", faostatHeader+
		"France,Gross Production Index,index,99.1,2000\n"+
		"Italy,Gross Production Index,index,101.2,2000\n")
	south := writeFile(t, dir, "south.csv", faostatHeader+
		"Italy,Gross Production Index,index,101.2,2000\n"+
		"Spain,Gross Production Index,index,97.3,2000\n")

	loader := NewLoader(testLogger, testMetrics)
	df, err := loader.LoadFAOStatMulti(context.Background(),
		[]string{west, south}, []string{"Italy", "France", "Spain"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, df.Nrow())
}

const m49Page = `<html><body>
<table><tr><th>Unrelated</th></tr><tr><td>x</td></tr></table>
<table>
<tr><th>Region Name</th><th>Country or Area</th><th>M49 Code</th><th>ISO-alpha3 Code</th></tr>
<tr><td>Asia</td><td>Afghanistan</td><td>4</td><td>AFG</td></tr>
<tr><td>Europe</td><td>Italy</td><td>380</td><td>ITA</td></tr>
<tr><td>Europe</td><td>Italy (dup)</td><td>380</td><td>XXX</td></tr>
</table>
</body></html>`

func TestM49Lookup_FetchScrapesAndCaches(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		io.WriteString(w, m49Page)
	}))
	defer server.Close()

	cachePath := filepath.Join(t.TempDir(), "m49_lookup.csv")
	lookup := NewM49Lookup(cachePath, server.Client(), testLogger, testMetrics)

	df, err := lookup.Load(context.Background(), server.URL)
	require.NoError(t, err)
	require.Equal(t, 2, df.Nrow())

	assert.Equal(t, []string{"004", "380"}, df.Col(models.ColM49CodeStr).Records())
	// Duplicate code keeps the first ISO3.
	assert.Equal(t, []string{"AFG", "ITA"}, df.Col(models.ColISO3).Records())

	// Memoized: second call in the same process does not refetch.
	_, err = lookup.Load(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, requests)

	// A fresh instance prefers the cache file over the network.
	fresh := NewM49Lookup(cachePath, server.Client(), testLogger, testMetrics)
	df2, err := fresh.Load(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
	assert.Equal(t, df.Nrow(), df2.Nrow())
}

func TestM49Lookup_NoMatchingTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html><body><p>no tables here</p></body></html>")
	}))
	defer server.Close()

	lookup := NewM49Lookup(filepath.Join(t.TempDir(), "m49.csv"), server.Client(), testLogger, testMetrics)
	_, err := lookup.Load(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "M49 Code")
}

func TestWorldBank_FetchParsesEnvelope(t *testing.T) {
	const body = `[
		{"page":1,"pages":1,"per_page":20000,"total":3},
		[
			{"countryiso3code":"ITA","country":{"id":"IT","value":"Italy"},"date":"1990","value":1000000000.0},
			{"countryiso3code":"ITA","country":{"id":"IT","value":"Italy"},"date":"2000","value":1100000000.0},
			{"countryiso3code":"","country":{"id":"","value":"Euro area"},"date":"1990","value":5.0},
			{"countryiso3code":"FRA","country":{"id":"FR","value":"France"},"date":"1990","value":null}
		]
	]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	defer server.Close()

	client := NewWorldBankClient(server.URL, t.TempDir(), server.Client(), testLogger, testMetrics)
	df, err := client.FetchGDP(context.Background(), "NY.GDP.MKTP.KD", "1990:2024")
	require.NoError(t, err)

	// Missing ISO3 and null values dropped.
	require.Equal(t, 2, df.Nrow())
	assert.Equal(t, []string{"ITA", "ITA"}, df.Col(models.ColISO3).Records())
	assert.Equal(t, []float64{1e9, 1.1e9}, df.Col(models.ColGDP).Float())
}

func TestWorldBank_EnvelopeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":"invalid indicator"}`)
	}))
	defer server.Close()

	client := NewWorldBankClient(server.URL, "", server.Client(), testLogger, testMetrics)
	_, err := client.FetchGDP(context.Background(), "BAD", "1990:2024")
	require.Error(t, err)

	var envErr *EnvelopeError
	require.ErrorAs(t, err, &envErr)
	assert.Contains(t, envErr.Body, "invalid indicator")
}

func TestWorldBank_MemoizesPerArguments(t *testing.T) {
	requests := 0
	const body = `[{"total":1},[{"countryiso3code":"ITA","country":{"id":"IT","value":"Italy"},"date":"1990","value":1.0}]]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		io.WriteString(w, body)
	}))
	defer server.Close()

	client := NewWorldBankClient(server.URL, "", server.Client(), testLogger, testMetrics)

	_, err := client.FetchGDP(context.Background(), "IND", "1990:2024")
	require.NoError(t, err)
	_, err = client.FetchGDP(context.Background(), "IND", "1990:2024")
	require.NoError(t, err)
	assert.Equal(t, 1, requests)

	_, err = client.FetchGDP(context.Background(), "IND", "2000:2024")
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
}
