// Package schema declares the expected shape of every table that flows
// through the pipeline and validates dataframes against those
// declarations. Validation collects every offending row in a single
// pass so one run reports the full damage, not just the first bad row.
package schema

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// Column declares one expected column: its canonical name, target type
// and value constraints. Matching against incoming dataframes is
// case-insensitive; values are coerced to Type where safely possible.
type Column struct {
	Name     string
	Type     series.Type
	Nullable bool

	// Optional value constraints, checked row-wise after coercion.
	Pattern string   // regex the full value must match
	OneOf   []string // enumerated allowed values
	Min     *float64 // inclusive lower bound
	Max     *float64 // inclusive upper bound
	GT      *float64 // strict lower bound
}

// Check is a named whole-table predicate, run after all per-column
// constraints.
type Check struct {
	Name string
	Fn   func(dataframe.DataFrame) error
}

// Schema is a named, ordered set of column declarations plus zero or
// more whole-table checks. When Strict is set, columns outside the
// declaration are dropped; otherwise they pass through untouched.
type Schema struct {
	Name    string
	Columns []Column
	Checks  []Check
	Strict  bool
}

// Violation describes a single failed constraint with the rows and
// values that caused it.
type Violation struct {
	Column     string
	Constraint string
	Rows       []int
	Values     []string
}

// Error aggregates every violation found during one validation pass.
type Error struct {
	Schema     string
	Violations []Violation
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema %q: %d violation(s)", e.Schema, len(e.Violations))
	for _, v := range e.Violations {
		fmt.Fprintf(&b, "; column %q failed %q", v.Column, v.Constraint)
		if len(v.Rows) > 0 {
			shown := v.Rows
			vals := v.Values
			if len(shown) > 10 {
				shown = shown[:10]
				vals = vals[:10]
			}
			fmt.Fprintf(&b, " at rows %v values %v", shown, vals)
			if len(v.Rows) > 10 {
				fmt.Fprintf(&b, " (+%d more)", len(v.Rows)-10)
			}
		}
	}
	return b.String()
}

// Validate checks df against the schema and returns the coerced
// dataframe. On failure it returns a *Error carrying every violation
// found in this pass, never a bare boolean or a first-failure-only
// message.
func (s *Schema) Validate(df dataframe.DataFrame) (dataframe.DataFrame, error) {
	if df.Err != nil {
		return df, fmt.Errorf("schema %q: invalid input dataframe: %w", s.Name, df.Err)
	}

	df = s.renameCaseInsensitive(df)

	var violations []Violation

	// Presence first: constraint checks only make sense on columns
	// that exist, but all missing columns are still reported together.
	present := make(map[string]bool, len(df.Names()))
	for _, n := range df.Names() {
		present[n] = true
	}
	for _, col := range s.Columns {
		if !present[col.Name] {
			violations = append(violations, Violation{
				Column:     col.Name,
				Constraint: "required column missing",
			})
		}
	}
	if len(violations) > 0 {
		return df, &Error{Schema: s.Name, Violations: violations}
	}

	for _, col := range s.Columns {
		df = coerce(df, col)
		violations = append(violations, checkColumn(df, col)...)
	}

	for _, check := range s.Checks {
		if err := check.Fn(df); err != nil {
			violations = append(violations, Violation{
				Column:     "<dataframe>",
				Constraint: fmt.Sprintf("%s: %v", check.Name, err),
			})
		}
	}

	if len(violations) > 0 {
		return df, &Error{Schema: s.Name, Violations: violations}
	}

	if s.Strict {
		names := make([]string, len(s.Columns))
		for i, col := range s.Columns {
			names[i] = col.Name
		}
		df = df.Select(names)
	}
	return df, nil
}

// renameCaseInsensitive maps incoming column names onto their canonical
// casing wherever they differ only by case.
func (s *Schema) renameCaseInsensitive(df dataframe.DataFrame) dataframe.DataFrame {
	lower := make(map[string]string, len(df.Names()))
	for _, n := range df.Names() {
		lower[strings.ToLower(n)] = n
	}
	for _, col := range s.Columns {
		actual, ok := lower[strings.ToLower(col.Name)]
		if ok && actual != col.Name {
			df = df.Rename(col.Name, actual)
		}
	}
	return df
}

// coerce rebuilds the column with the declared type where it differs.
// Numeric strings become numbers; values that cannot be represented
// become nulls and are caught by the nullability check.
func coerce(df dataframe.DataFrame, col Column) dataframe.DataFrame {
	cur := df.Col(col.Name)
	if cur.Type() == col.Type {
		return df
	}

	var replacement series.Series
	switch col.Type {
	case series.Int:
		floats := cur.Float()
		recs := make([]string, len(floats))
		for i, f := range floats {
			if math.IsNaN(f) {
				recs[i] = "NaN"
			} else {
				recs[i] = strconv.Itoa(int(math.Round(f)))
			}
		}
		replacement = series.New(recs, series.Int, col.Name)
	case series.Float:
		replacement = series.New(cur.Float(), series.Float, col.Name)
	default:
		replacement = series.New(cur.Records(), col.Type, col.Name)
	}
	return df.Mutate(replacement)
}

// checkColumn runs every declared constraint against the column,
// collecting all failing rows instead of stopping at the first.
func checkColumn(df dataframe.DataFrame, col Column) []Violation {
	var violations []Violation

	cur := df.Col(col.Name)
	isNA := cur.IsNaN()
	recs := cur.Records()

	if !col.Nullable {
		v := Violation{Column: col.Name, Constraint: "value must not be null"}
		for i, na := range isNA {
			if na {
				v.Rows = append(v.Rows, i)
				v.Values = append(v.Values, recs[i])
			}
		}
		if len(v.Rows) > 0 {
			violations = append(violations, v)
		}
	}

	if col.Pattern != "" {
		re := regexp.MustCompile(col.Pattern)
		v := Violation{Column: col.Name, Constraint: fmt.Sprintf("must match %s", col.Pattern)}
		for i, r := range recs {
			if isNA[i] {
				continue
			}
			if !re.MatchString(r) {
				v.Rows = append(v.Rows, i)
				v.Values = append(v.Values, r)
			}
		}
		if len(v.Rows) > 0 {
			violations = append(violations, v)
		}
	}

	if len(col.OneOf) > 0 {
		allowed := make(map[string]bool, len(col.OneOf))
		for _, a := range col.OneOf {
			allowed[a] = true
		}
		v := Violation{Column: col.Name, Constraint: fmt.Sprintf("must be one of %v", col.OneOf)}
		for i, r := range recs {
			if isNA[i] {
				continue
			}
			if !allowed[r] {
				v.Rows = append(v.Rows, i)
				v.Values = append(v.Values, r)
			}
		}
		if len(v.Rows) > 0 {
			violations = append(violations, v)
		}
	}

	if col.Min != nil || col.Max != nil || col.GT != nil {
		floats := cur.Float()
		constraint := boundsLabel(col)
		v := Violation{Column: col.Name, Constraint: constraint}
		for i, f := range floats {
			if math.IsNaN(f) {
				continue
			}
			if (col.Min != nil && f < *col.Min) ||
				(col.Max != nil && f > *col.Max) ||
				(col.GT != nil && f <= *col.GT) {
				v.Rows = append(v.Rows, i)
				v.Values = append(v.Values, recs[i])
			}
		}
		if len(v.Rows) > 0 {
			violations = append(violations, v)
		}
	}

	return violations
}

func boundsLabel(col Column) string {
	var parts []string
	if col.GT != nil {
		parts = append(parts, fmt.Sprintf("> %g", *col.GT))
	}
	if col.Min != nil {
		parts = append(parts, fmt.Sprintf(">= %g", *col.Min))
	}
	if col.Max != nil {
		parts = append(parts, fmt.Sprintf("<= %g", *col.Max))
	}
	return "must be " + strings.Join(parts, " and ")
}

// Float is a convenience for declaring bound constraints inline.
func Float(v float64) *float64 {
	return &v
}
