package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"recordapi/internal/metadata"
)

// LoadSchemas introspects every user table and view of the main database.
func (s *Store) LoadSchemas(ctx context.Context) (map[string]*metadata.TableSchema, error) {
	tables := make(map[string]*metadata.TableSchema)
	err := s.ReadTx(ctx, func(q Querier) error {
		objects, err := QueryRows(ctx, q, `SELECT name, type, sql FROM sqlite_master
			WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		for _, obj := range objects {
			name, _ := obj["name"].(string)
			ddl, _ := obj["sql"].(string)
			schema, err := loadTable(ctx, q, name, obj["type"] == "view", ddl)
			if err != nil {
				return fmt.Errorf("introspect %s: %w", name, err)
			}
			tables[name] = schema
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A column referencing a UUID keyed table holds UUIDs too.
	for _, t := range tables {
		for i := range t.Columns {
			fk := t.Columns[i].ForeignKey
			if fk == nil {
				continue
			}
			if target, ok := tables[fk.Table]; ok && target.PrimaryKeyKind.IsUUID() {
				t.Columns[i].UUID = true
			}
		}
	}
	return tables, nil
}

func loadTable(ctx context.Context, q Querier, name string, view bool, ddl string) (*metadata.TableSchema, error) {
	schema := &metadata.TableSchema{Name: name, View: view}

	if !view {
		strict, err := QueryBool(ctx, q, `SELECT strict FROM pragma_table_list WHERE schema = 'main' AND name = ?1`, name)
		if err != nil {
			return nil, fmt.Errorf("table list: %w", err)
		}
		schema.Strict = strict
	}

	cols, err := QueryRows(ctx, q, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?1) ORDER BY cid`, name)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	pkCount := 0
	for _, c := range cols {
		colName, _ := c["name"].(string)
		declared, _ := c["type"].(string)
		notNull, _ := c["notnull"].(int64)
		pk, _ := c["pk"].(int64)
		col := metadata.ColumnDef{
			Name:         colName,
			DeclaredType: declared,
			Type:         metadata.ParseColumnType(declared),
			Nullable:     notNull == 0 && pk == 0,
			IsPrimaryKey: pk > 0 && !view,
			HasDefault:   c["dflt_value"] != nil,
			UUID:         uuidCheckPattern(colName).MatchString(ddl),
			JSONSchema:   jsonSchemaCheck(colName, ddl),
		}
		if col.IsPrimaryKey {
			pkCount++
		}
		schema.Columns = append(schema.Columns, col)
	}

	if !view {
		if err := loadForeignKeys(ctx, q, schema); err != nil {
			return nil, err
		}
	}
	if pkCount == 1 {
		schema.PrimaryKeyKind = primaryKeyKind(schema.PrimaryKey(), ddl)
	}
	return schema, nil
}

func loadForeignKeys(ctx context.Context, q Querier, schema *metadata.TableSchema) error {
	fks, err := QueryRows(ctx, q, `SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?1) ORDER BY id, seq`, schema.Name)
	if err != nil {
		return fmt.Errorf("foreign keys: %w", err)
	}
	seen := make(map[int64]int)
	for _, fk := range fks {
		id, _ := fk["id"].(int64)
		seen[id]++
	}
	for _, fk := range fks {
		id, _ := fk["id"].(int64)
		if seen[id] != 1 {
			continue // composite foreign keys cannot be expanded
		}
		from, _ := fk["from"].(string)
		col, _ := schema.Column(from)
		if col == nil {
			continue
		}
		target, _ := fk["table"].(string)
		to, _ := fk["to"].(string)
		if to == "" {
			if to, err = implicitPrimaryKey(ctx, q, target); err != nil {
				return err
			}
		}
		col.ForeignKey = &metadata.ForeignKey{Table: target, Column: to}
	}
	return nil
}

func implicitPrimaryKey(ctx context.Context, q Querier, table string) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `SELECT name FROM pragma_table_info(?1) WHERE pk = 1`, table).Scan(&name)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("primary key of %s: %w", table, err)
	}
	return name, nil
}

func primaryKeyKind(pk *metadata.ColumnDef, ddl string) metadata.PrimaryKeyKind {
	switch {
	case pk == nil:
		return metadata.PrimaryKeyNone
	case strings.EqualFold(pk.DeclaredType, "INTEGER"):
		return metadata.PrimaryKeyInteger
	case pk.Type == metadata.TypeBlob && pk.UUID:
		if checkCall("is_uuid_v7", pk.Name).MatchString(ddl) {
			return metadata.PrimaryKeyUUIDv7
		}
		return metadata.PrimaryKeyUUIDv4
	default:
		return metadata.PrimaryKeyNone
	}
}

func uuidCheckPattern(column string) *regexp.Regexp {
	return checkCall(`is_uuid(?:_v[47])?`, column)
}

func checkCall(fn, column string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + fn + `\s*\(\s*` + quotedColumn(column) + `\s*\)`)
}

func quotedColumn(column string) string {
	return `["` + "`" + `\[]?` + regexp.QuoteMeta(column) + `["` + "`" + `\]]?`
}

// jsonSchemaCheck returns the schema enforced on column by a
// jsonschema_matches('<schema>', col) or jsonschema('<name>', col) CHECK.
func jsonSchemaCheck(column, ddl string) string {
	re := regexp.MustCompile(`(?i)\b(jsonschema_matches|jsonschema)\s*\(\s*'((?:[^']|'')*)'\s*,\s*` + quotedColumn(column) + `\s*\)`)
	m := re.FindStringSubmatch(ddl)
	if m == nil {
		return ""
	}
	arg := strings.ReplaceAll(m[2], "''", "'")
	if strings.EqualFold(m[1], "jsonschema_matches") {
		return arg
	}
	text, _ := JSONSchema(arg)
	return text
}
