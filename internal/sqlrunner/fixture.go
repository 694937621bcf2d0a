package sqlrunner

import (
	"context"
	"maps"
	"slices"

	"github.com/Kristopherlb/harmony-sub001/internal/catalog"
)

// FixtureExecutor serves canned result sets keyed by template id.
type FixtureExecutor struct {
	Results map[string]ResultSet
}

// Execute implements QueryExecutor; unknown templates yield an empty set.
func (f FixtureExecutor) Execute(ctx context.Context, tmpl catalog.QueryTemplate, _ map[string]any) (ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return ResultSet{}, err
	}
	set, ok := f.Results[tmpl.ID]
	if !ok {
		return ResultSet{Columns: []string{}, Rows: []map[string]any{}}, nil
	}
	rows := make([]map[string]any, len(set.Rows))
	for i, row := range set.Rows {
		rows[i] = maps.Clone(row)
	}
	return ResultSet{Columns: slices.Clone(set.Columns), Rows: rows, RowCount: len(rows)}, nil
}
