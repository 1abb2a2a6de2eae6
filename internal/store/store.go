package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"

	"climate-platform/pkg/database"
	"climate-platform/pkg/logging"
	"climate-platform/pkg/metrics"
)

// WriteMode selects between dropping and recreating the target table
// or inserting into it.
type WriteMode string

const (
	ModeReplace WriteMode = "replace"
	ModeAppend  WriteMode = "append"
)

// UnknownTableError is returned when a caller names a table outside
// the canonical schema set. It is raised before any I/O happens.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q, valid tables: %s",
		e.Table, strings.Join(TableNames(), ", "))
}

type columnDef struct {
	Name string
	Type string // VARCHAR | INTEGER | DOUBLE
}

// tableSchemas declares the canonical column set and type of every
// staging and mart table. All writes are aligned against it.
var tableSchemas = map[string][]columnDef{
	// Staging
	"stg_emissions": {
		{"Area", "VARCHAR"},
		{"area_code_m49", "INTEGER"},
		{"area_code_str", "VARCHAR"},
		{"Element", "VARCHAR"},
		{"Year", "INTEGER"},
		{"Value", "DOUBLE"},
	},
	"stg_ag_production": {
		{"Area", "VARCHAR"},
		{"Element", "VARCHAR"},
		{"Year", "INTEGER"},
		{"Value", "DOUBLE"},
	},
	"stg_fv_production": {
		{"Area", "VARCHAR"},
		{"Element", "VARCHAR"},
		{"Year", "INTEGER"},
		{"Value", "DOUBLE"},
	},
	"stg_ag_items": {
		{"Area", "VARCHAR"},
		{"Element", "VARCHAR"},
		{"Year", "INTEGER"},
		{"Value", "DOUBLE"},
		{"item_code_cpc", "VARCHAR"},
		{"Item", "VARCHAR"},
	},
	"stg_sector_shares": {
		{"Country", "VARCHAR"},
		{"Year", "INTEGER"},
		{"Gas", "VARCHAR"},
		{"Sector", "VARCHAR"},
		{"Amount", "DOUBLE"},
		{"Proportion", "DOUBLE"},
		{"source_note", "VARCHAR"},
	},
	"stg_gdp": {
		{"ISO3", "VARCHAR"},
		{"Country_WB", "VARCHAR"},
		{"Year", "INTEGER"},
		{"GDP_constant_USD", "DOUBLE"},
	},
	// Marts
	"mart_emissions_index": {
		{"Area", "VARCHAR"},
		{"Element", "VARCHAR"},
		{"Year", "INTEGER"},
		{"Value", "DOUBLE"},
		{"GDP_constant_USD", "DOUBLE"},
		{"emissions_per_million_usd", "DOUBLE"},
		{"Emissions_index_1990_100", "DOUBLE"},
	},
	"mart_percent_change": {
		{"Area", "VARCHAR"},
		{"Element", "VARCHAR"},
		{"value_1990", "DOUBLE"},
		{"value_latest", "DOUBLE"},
		{"percent_change", "DOUBLE"},
		{"latest_year", "INTEGER"},
	},
	"mart_index_slopes": {
		{"Area", "VARCHAR"},
		{"Element", "VARCHAR"},
		{"Annual_slope", "DOUBLE"},
	},
	"mart_top_ag_items": {
		{"Area", "VARCHAR"},
		{"year_bin", "INTEGER"},
		{"Item", "VARCHAR"},
		{"avg_value", "DOUBLE"},
	},
}

// TableNames returns the canonical table names in sorted order.
func TableNames() []string {
	names := make([]string, 0, len(tableSchemas))
	for name := range tableSchemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store is a schema-enforcing persistence facade: every write is
// column-validated and cast against the canonical table schema before
// it reaches the database.
type Store struct {
	db      *database.DuckDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// Open wraps an existing database handle and bootstraps any missing
// canonical tables as empty shells. Bootstrap is idempotent.
func Open(ctx context.Context, db *database.DuckDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*Store, error) {
	s := &Store{db: db, logger: logger, metrics: metricsCollector}
	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) bootstrap(ctx context.Context) error {
	for _, name := range TableNames() {
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, columnDDL(tableSchemas[name]))
		if _, err := s.db.ExecContext(ctx, "bootstrap", ddl); err != nil {
			return fmt.Errorf("failed to bootstrap table %s: %w", name, err)
		}
	}
	s.logger.Debug(ctx, "[STORE_INIT] Schema bootstrapped", logging.Fields{
		"tables": len(tableSchemas),
	})
	return nil
}

func columnDDL(cols []columnDef) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%q %s", c.Name, c.Type)
	}
	return strings.Join(parts, ", ")
}

// Write persists df into table. The table name must be canonical, the
// frame is aligned to the declared schema (case-insensitive rename,
// missing-column rejection, extra-column drop, type cast), then the
// table is either replaced or appended to.
func (s *Store) Write(ctx context.Context, table string, df dataframe.DataFrame, mode WriteMode) error {
	cols, ok := tableSchemas[table]
	if !ok {
		return &UnknownTableError{Table: table}
	}
	if mode != ModeReplace && mode != ModeAppend {
		return fmt.Errorf("invalid write mode %q", mode)
	}

	aligned, err := alignToSchema(table, cols, df)
	if err != nil {
		s.metrics.RecordValidationFailure(table)
		return err
	}

	if mode == ModeReplace {
		if _, err := s.db.ExecContext(ctx, "replace_drop", fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			return fmt.Errorf("failed to drop %s for replace: %w", table, err)
		}
		ddl := fmt.Sprintf("CREATE TABLE %s (%s)", table, columnDDL(cols))
		if _, err := s.db.ExecContext(ctx, "replace_create", ddl); err != nil {
			return fmt.Errorf("failed to recreate %s: %w", table, err)
		}
	}

	if err := s.insert(ctx, table, cols, aligned); err != nil {
		return err
	}

	s.metrics.RowsWritten.WithLabelValues(table).Add(float64(aligned.Nrow()))
	s.logger.Info(ctx, "[STORE_WRITE] Rows written", logging.Fields{
		"table": table,
		"rows":  aligned.Nrow(),
		"mode":  string(mode),
	})
	return nil
}

// alignToSchema renames columns case-insensitively to their canonical
// names, rejects missing columns, drops extras, and casts each
// remaining column to the declared type.
func alignToSchema(table string, cols []columnDef, df dataframe.DataFrame) (dataframe.DataFrame, error) {
	present := make(map[string]string) // lower name -> actual name
	for _, name := range df.Names() {
		if _, ok := present[strings.ToLower(name)]; !ok {
			present[strings.ToLower(name)] = name
		}
	}

	var missing []string
	for _, c := range cols {
		actual, ok := present[strings.ToLower(c.Name)]
		if !ok {
			missing = append(missing, c.Name)
			continue
		}
		if actual != c.Name {
			df = df.Rename(c.Name, actual)
			if df.Err != nil {
				return df, fmt.Errorf("failed to rename column %s: %w", actual, df.Err)
			}
		}
	}
	if len(missing) > 0 {
		return df, fmt.Errorf("table %q: missing columns %v, dataframe has: %v",
			table, missing, df.Names())
	}

	ss := make([]series.Series, len(cols))
	for i, c := range cols {
		ss[i] = castColumn(df.Col(c.Name), c.Type)
	}
	out := dataframe.New(ss...)
	if out.Err != nil {
		return out, fmt.Errorf("table %q: failed to cast columns: %w", table, out.Err)
	}
	return out, nil
}

func castColumn(col series.Series, duckType string) series.Series {
	switch duckType {
	case "INTEGER":
		vals := col.Float()
		recs := make([]string, len(vals))
		for i, v := range vals {
			if math.IsNaN(v) {
				recs[i] = "NaN"
				continue
			}
			recs[i] = strconv.Itoa(int(math.Round(v)))
		}
		return series.New(recs, series.Int, col.Name)
	case "DOUBLE":
		return series.New(col.Float(), series.Float, col.Name)
	default:
		return series.New(col.Records(), series.String, col.Name)
	}
}

// insert streams the frame into the table with a prepared statement
// inside a single transaction. NaN values become SQL NULLs.
func (s *Store) insert(ctx context.Context, table string, cols []columnDef, df dataframe.DataFrame) error {
	if df.Nrow() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		names[i] = strconv.Quote(c.Name)
		placeholders[i] = "?"
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(names, ", "), strings.Join(placeholders, ", "))

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert for %s: %w", table, err)
	}
	defer stmt.Close()

	columns := make([]func(row int) interface{}, len(cols))
	for i, c := range cols {
		col := df.Col(c.Name)
		switch c.Type {
		case "INTEGER":
			vals := col.Float()
			columns[i] = func(row int) interface{} {
				if math.IsNaN(vals[row]) {
					return nil
				}
				return int64(math.Round(vals[row]))
			}
		case "DOUBLE":
			vals := col.Float()
			columns[i] = func(row int) interface{} {
				if math.IsNaN(vals[row]) {
					return nil
				}
				return vals[row]
			}
		default:
			recs := col.Records()
			nan := col.IsNaN()
			columns[i] = func(row int) interface{} {
				if nan[row] {
					return nil
				}
				return recs[row]
			}
		}
	}

	args := make([]interface{}, len(cols))
	for row := 0; row < df.Nrow(); row++ {
		for i := range cols {
			args[i] = columns[i](row)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			s.metrics.RecordDBError("insert_error")
			return fmt.Errorf("failed to insert row %d into %s: %w", row, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert into %s: %w", table, err)
	}
	s.metrics.WriteBatchSize.WithLabelValues(table).Observe(float64(df.Nrow()))
	return nil
}

// Read returns the full contents of a canonical table as a typed
// frame. SQL NULLs come back as NaN.
func (s *Store) Read(ctx context.Context, table string) (dataframe.DataFrame, error) {
	cols, ok := tableSchemas[table]
	if !ok {
		return dataframe.DataFrame{}, &UnknownTableError{Table: table}
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = strconv.Quote(c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), table)

	rows, err := s.db.QueryContext(ctx, "read_table", query)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	stringCols := make([][]string, len(cols))
	intCols := make([][]string, len(cols))
	floatCols := make([][]float64, len(cols))

	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return dataframe.DataFrame{}, fmt.Errorf("failed to scan row from %s: %w", table, err)
		}
		for i, c := range cols {
			switch c.Type {
			case "INTEGER":
				if vals[i] == nil {
					intCols[i] = append(intCols[i], "NaN")
				} else {
					intCols[i] = append(intCols[i], fmt.Sprintf("%d", vals[i]))
				}
			case "DOUBLE":
				switch v := vals[i].(type) {
				case nil:
					floatCols[i] = append(floatCols[i], math.NaN())
				case float64:
					floatCols[i] = append(floatCols[i], v)
				case float32:
					floatCols[i] = append(floatCols[i], float64(v))
				default:
					return dataframe.DataFrame{}, fmt.Errorf("%s.%s: unexpected value type %T", table, c.Name, vals[i])
				}
			default:
				if vals[i] == nil {
					stringCols[i] = append(stringCols[i], "NaN")
				} else {
					stringCols[i] = append(stringCols[i], fmt.Sprintf("%v", vals[i]))
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed while reading %s: %w", table, err)
	}

	ss := make([]series.Series, len(cols))
	for i, c := range cols {
		switch c.Type {
		case "INTEGER":
			ss[i] = series.New(intCols[i], series.Int, c.Name)
		case "DOUBLE":
			ss[i] = series.New(floatCols[i], series.Float, c.Name)
		default:
			ss[i] = series.New(stringCols[i], series.String, c.Name)
		}
	}
	out := dataframe.New(ss...)
	if out.Err != nil {
		return out, fmt.Errorf("failed to build frame for %s: %w", table, out.Err)
	}
	return out, nil
}

// Query runs an arbitrary SQL expression and returns the result as a
// frame with detected column types.
func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (dataframe.DataFrame, error) {
	rows, err := s.db.QueryContext(ctx, "query", query, args...)
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	header, err := rows.Columns()
	if err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed to read result columns: %w", err)
	}

	records := [][]string{header}
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return dataframe.DataFrame{}, fmt.Errorf("failed to scan query row: %w", err)
		}
		rec := make([]string, len(vals))
		for i, v := range vals {
			if v == nil {
				rec[i] = "NaN"
			} else {
				rec[i] = fmt.Sprintf("%v", v)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("failed while reading query result: %w", err)
	}

	out := dataframe.LoadRecords(records,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(true),
		dataframe.NaNValues([]string{"NaN"}),
	)
	if out.Err != nil {
		return out, fmt.Errorf("failed to build query result frame: %w", out.Err)
	}
	return out, nil
}

// Tables lists the tables currently present in the database.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, "list_tables", &names,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return names, nil
}

// RowCounts reports the row count of every table in the database.
func (s *Store) RowCounts(ctx context.Context) (map[string]int64, error) {
	tables, err := s.Tables(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := s.db.GetContext(ctx, "row_count", &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
