package loaders

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"climate-platform/internal/models"
	"climate-platform/internal/schema"
	"climate-platform/pkg/logging"
)

// EmissionsColumns is the required header subset of the FAOSTAT
// emissions extract.
var EmissionsColumns = []string{
	models.ColAreaCodeM49, models.ColArea, "Element Code", models.ColElement,
	"Year Code", models.ColYear, models.ColValue,
}

// gasWrapper matches the "Emissions (X)" wrapper FAOSTAT puts around
// the bare gas code.
var gasWrapper = regexp.MustCompile(`^Emissions \((.+)\)$`)

// LoadEmissions reads the FAOSTAT emissions CSV, unwraps the gas label
// ("Emissions (CH4)" becomes "CH4"; labels without the wrapper pass
// through unchanged) and derives a fixed-width zero-padded M49 string
// code used as the join key against the country-code lookup.
func (l *Loader) LoadEmissions(ctx context.Context, path string) (dataframe.DataFrame, error) {
	df, err := l.readCSV(path, EmissionsColumns)
	if err != nil {
		return dataframe.DataFrame{}, err
	}

	df = df.Mutate(series.New(
		unwrapGasLabels(df.Col(models.ColElement).Records()),
		series.String, models.ColElement,
	))
	df = df.Mutate(series.New(
		zeroPadCodes(df.Col(models.ColAreaCodeM49).Records()),
		series.String, models.ColAreaCodeStr,
	))

	df, err = schema.Emissions.Validate(df)
	if err != nil {
		return df, err
	}

	l.metrics.RowsLoaded.WithLabelValues("emissions").Add(float64(df.Nrow()))
	l.logger.Info(ctx, "[LOAD_EMISSIONS] Emissions file loaded", logging.Fields{
		"path": path,
		"rows": df.Nrow(),
	})
	return df, nil
}

func unwrapGasLabels(labels []string) []string {
	out := make([]string, len(labels))
	for i, label := range labels {
		if m := gasWrapper.FindStringSubmatch(label); m != nil {
			out[i] = m[1]
		} else {
			out[i] = label
		}
	}
	return out
}

// zeroPadCodes renders numeric area codes as 3-character zero-padded
// strings ("4" becomes "004"). Codes that do not parse are left empty
// and surface as schema violations downstream.
func zeroPadCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, code := range codes {
		code = strings.TrimSpace(strings.TrimPrefix(code, "'"))
		f, err := strconv.ParseFloat(code, 64)
		if err != nil {
			out[i] = ""
			continue
		}
		out[i] = fmt.Sprintf("%03d", int(f))
	}
	return out
}
