package engine

import (
	"context"
	"fmt"

	"recordapi/internal/metadata"
	"recordapi/internal/store"
)

// expand replaces each requested foreign key column of recs with an object
// holding the key and, when the requester may read it, the referenced row.
// rows and recs are parallel: recs[i] is the rendered form of rows[i].
func (e *Engine) expand(ctx context.Context, q store.Querier, sc *scope, cols []string, rows []store.Row, recs []Record) error {
	if len(rows) == 0 || len(cols) == 0 {
		return nil
	}
	for _, name := range cols {
		col, _ := sc.api.Schema.Column(name)
		if col == nil || col.ForeignKey == nil {
			continue
		}
		target := e.expandTarget(sc, col)

		var related map[string]Record
		if target != nil {
			var err error
			if related, err = e.loadRelated(ctx, q, sc, target, collectKeys(rows, name)); err != nil {
				return fmt.Errorf("expand %s: %w", name, err)
			}
		}

		for i, row := range rows {
			v := row[name]
			if v == nil {
				continue
			}
			out := map[string]any{"id": renderValue(col, v)}
			if data, ok := related[keyString(v)]; ok {
				out["data"] = data
			}
			recs[i][name] = out
		}
	}
	return nil
}

// expandTarget returns the API exposing the referenced table, or nil when no
// API does or the requester lacks READ on it.
func (e *Engine) expandTarget(sc *scope, col *metadata.ColumnDef) *metadata.RecordAPI {
	target := sc.snap.APIForTable(col.ForeignKey.Table)
	if target == nil || target.PrimaryKey() == nil || target.PrimaryKey().Name != col.ForeignKey.Column {
		return nil
	}
	if !aclAllows(target, sc.user, metadata.OpRead) {
		return nil
	}
	return target
}

func (e *Engine) loadRelated(ctx context.Context, q store.Querier, sc *scope, target *metadata.RecordAPI, keys []any) (map[string]Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rule, err := sc.ruleFor(e, target, metadata.OpRead, ShapeTable)
	if err != nil {
		return nil, err
	}
	stmt, args := buildExpandSQL(target, rule, keys)
	args = append(args, rule.Args(AccessContext{User: sc.user})...)
	related, err := store.QueryRows(ctx, q, stmt, args...)
	if err != nil {
		return nil, err
	}
	pk := target.PrimaryKey().Name
	out := make(map[string]Record, len(related))
	for _, r := range related {
		out[keyString(r[pk])] = renderRow(target, r)
	}
	return out, nil
}

// collectKeys returns the distinct non-null values of column in rows.
func collectKeys(rows []store.Row, column string) []any {
	seen := make(map[string]bool, len(rows))
	var keys []any
	for _, row := range rows {
		v := row[column]
		if v == nil {
			continue
		}
		k := keyString(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, v)
	}
	return keys
}
