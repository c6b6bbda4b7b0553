package engine

import (
	"database/sql"
	"fmt"
	"strings"

	"recordapi/internal/metadata"
)

// params collects named arguments for user supplied values. Rule fragments
// use their own acl_* names, so the two never collide.
type params struct {
	args []any
	n    int
}

func (p *params) add(v any) string {
	p.n++
	name := fmt.Sprintf("p%d", p.n)
	p.args = append(p.args, sql.Named(name, v))
	return ":" + name
}

// filterSQL renders a filter tree. Identifiers were validated against the
// schema when the tree was parsed; every value is bound.
func filterSQL(n *FilterNode, p *params) string {
	if n.Filter != nil {
		f := n.Filter
		col := "_ROW_." + quoteIdent(f.Column)
		if f.Op == OpIs {
			if f.Value.(bool) {
				return col + " IS NOT NULL"
			}
			return col + " IS NULL"
		}
		return col + " " + filterOps[f.Op] + " " + p.add(f.Value)
	}

	if len(n.Children) == 0 {
		return "1"
	}
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		parts = append(parts, filterSQL(c, p))
	}
	sep := " AND "
	if n.Or {
		sep = " OR "
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func projection(api *metadata.RecordAPI) string {
	cols := api.ReadableColumns()
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "_ROW_." + quoteIdent(c.Name)
	}
	return strings.Join(parts, ", ")
}

func whereSQL(conds []string) string {
	var nonEmpty []string
	for _, c := range conds {
		if c != "" {
			nonEmpty = append(nonEmpty, c)
		}
	}
	if len(nonEmpty) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(nonEmpty, " AND ")
}

func orderSQL(keys []SortSpec) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts[i] = "_ROW_." + quoteIdent(k.Column) + " " + dir
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

type listStatements struct {
	selectSQL string
	countSQL  string
	args      []any
	keys      []SortSpec
}

// buildListSQL builds the page query and, when requested, the count query
// sharing its filters. The page fetches limit+1 rows to detect more data.
func buildListSQL(api *metadata.RecordAPI, q *ListQuery, rule *CompiledRule, seek []any) listStatements {
	p := &params{}
	keys := seekKeys(api, q.Sorts)
	table := quoteIdent(api.Table())

	var filter string
	if q.Filter != nil {
		filter = filterSQL(q.Filter, p)
	}
	base := []string{filter, rule.Where()}

	st := listStatements{keys: keys}
	if q.Count {
		st.countSQL = "SELECT count(*) AS total FROM " + table + " AS _ROW_" + whereSQL(base)
	}

	conds := base
	if seek != nil {
		conds = append(append([]string{}, base...), seekPredicate(keys, seek, p))
	}
	st.selectSQL = "SELECT " + projection(api) + " FROM " + table + " AS _ROW_" + whereSQL(conds) +
		orderSQL(keys) + " LIMIT " + p.add(int64(q.Limit+1))
	if q.Offset > 0 && seek == nil {
		st.selectSQL += " OFFSET " + p.add(int64(q.Offset))
	}
	st.args = p.args
	return st
}

// buildReadSQL fetches one row by key; the rule is part of the same WHERE.
func buildReadSQL(api *metadata.RecordAPI, rule *CompiledRule) string {
	pk := "_ROW_." + quoteIdent(api.PrimaryKey().Name) + " = :" + paramPK
	return "SELECT " + projection(api) + " FROM " + quoteIdent(api.Table()) + " AS _ROW_" +
		whereSQL([]string{pk, rule.Where()})
}

// buildExistsSQL checks for a key without any access rule.
func buildExistsSQL(api *metadata.RecordAPI) string {
	return "SELECT EXISTS (SELECT 1 FROM " + quoteIdent(api.Table()) + " WHERE " +
		quoteIdent(api.PrimaryKey().Name) + " = :" + paramPK + ")"
}

// buildInsertSQL inserts the present fields of p; values use the same
// acl_req_* names the create rule binds.
func buildInsertSQL(api *metadata.RecordAPI, p *Payload) (string, []any) {
	var cols, vals []string
	var args []any
	for i, c := range api.Schema.Columns {
		f := p.Get(c.Name)
		if !f.Present() {
			continue
		}
		cols = append(cols, quoteIdent(c.Name))
		vals = append(vals, ":"+reqParam(i))
		args = append(args, sql.Named(reqParam(i), f.Value))
	}

	stmt := "INSERT"
	if clause := api.Config.ConflictResolution.Clause(); clause != "" {
		stmt += " " + clause
	}
	stmt += " INTO " + quoteIdent(api.Table())
	if len(cols) == 0 {
		stmt += " DEFAULT VALUES"
	} else {
		stmt += " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(vals, ", ") + ")"
	}
	return stmt + " RETURNING *", args
}

// buildUpdateSQL updates the present fields of p on the keyed row if the
// rule holds for the row as it was before the update.
func buildUpdateSQL(api *metadata.RecordAPI, p *Payload, rule *CompiledRule) (string, []any) {
	var sets []string
	var args []any
	for i, c := range api.Schema.Columns {
		f := p.Get(c.Name)
		if !f.Present() {
			continue
		}
		sets = append(sets, quoteIdent(c.Name)+" = :"+reqParam(i))
		args = append(args, sql.Named(reqParam(i), f.Value))
	}
	pkName := quoteIdent(api.PrimaryKey().Name)
	if len(sets) == 0 {
		sets = append(sets, pkName+" = "+pkName)
	}
	pk := "_ROW_." + pkName + " = :" + paramPK
	return "UPDATE " + quoteIdent(api.Table()) + " AS _ROW_ SET " + strings.Join(sets, ", ") +
		whereSQL([]string{pk, rule.Where()}) + " RETURNING *", args
}

// buildDeleteSQL deletes the keyed row if the rule holds; the returned row
// feeds change notifications.
func buildDeleteSQL(api *metadata.RecordAPI, rule *CompiledRule) string {
	pk := "_ROW_." + quoteIdent(api.PrimaryKey().Name) + " = :" + paramPK
	return "DELETE FROM " + quoteIdent(api.Table()) + " AS _ROW_" + whereSQL([]string{pk, rule.Where()}) + " RETURNING *"
}

// buildExpandSQL fetches the visible rows of api whose key is in keys.
func buildExpandSQL(api *metadata.RecordAPI, rule *CompiledRule, keys []any) (string, []any) {
	p := &params{}
	marks := make([]string, len(keys))
	for i, k := range keys {
		marks[i] = p.add(k)
	}
	in := "_ROW_." + quoteIdent(api.PrimaryKey().Name) + " IN (" + strings.Join(marks, ", ") + ")"
	return "SELECT " + projection(api) + " FROM " + quoteIdent(api.Table()) + " AS _ROW_" +
		whereSQL([]string{in, rule.Where()}), p.args
}
