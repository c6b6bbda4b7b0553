package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"recordapi/internal/metadata"
	"recordapi/internal/store"
)

// SchemaMode selects which view of a record the JSON schema describes.
type SchemaMode string

const (
	SchemaSelect SchemaMode = "select"
	SchemaInsert SchemaMode = "insert"
	SchemaUpdate SchemaMode = "update"
)

func ParseSchemaMode(s string) (SchemaMode, error) {
	switch SchemaMode(s) {
	case "", SchemaSelect:
		return SchemaSelect, nil
	case SchemaInsert, SchemaUpdate:
		return SchemaMode(s), nil
	default:
		return "", FieldError("mode", "Invalid schema mode %q", s)
	}
}

// Schema returns the JSON schema of the API's records in the given mode.
func (e *Engine) Schema(ctx context.Context, req Request, mode SchemaMode) (map[string]any, error) {
	sc, err := e.begin(req, metadata.OpSchema)
	if err != nil {
		return nil, err
	}
	rule, err := sc.rule(e, ShapeTable)
	if err != nil {
		return nil, err
	}
	if !rule.Always {
		var ok bool
		err := e.store.ReadTx(ctx, func(tx store.Querier) error {
			var err error
			ok, err = store.QueryBool(ctx, tx, rule.Query(), rule.Args(AccessContext{User: sc.user})...)
			return err
		})
		if err != nil {
			return nil, e.internal(sc, err)
		}
		if !ok {
			return nil, ForbiddenError(fmt.Sprintf("Access rule denied schema on %s", sc.api.Name()))
		}
	}
	return BuildJSONSchema(sc.api, mode), nil
}

// BuildJSONSchema describes the columns of api visible in mode.
func BuildJSONSchema(api *metadata.RecordAPI, mode SchemaMode) map[string]any {
	var cols []*metadata.ColumnDef
	if mode == SchemaSelect {
		cols = api.ReadableColumns()
	} else {
		cols = api.WritableColumns()
	}

	props := make(map[string]any, len(cols))
	required := []string{}
	for _, col := range cols {
		props[col.Name] = columnSchema(api, col)
		if columnRequired(api, col, mode) {
			required = append(required, col.Name)
		}
	}

	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"title":                api.Name(),
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": mode == SchemaSelect,
	}
}

func columnSchema(api *metadata.RecordAPI, col *metadata.ColumnDef) map[string]any {
	s := map[string]any{}
	if t := col.Type.JSONType(); t != "" {
		if col.Nullable && !col.IsPrimaryKey {
			s["type"] = []string{t, "null"}
		} else {
			s["type"] = t
		}
	}
	switch {
	case col.UUID:
		s["format"] = "uuid"
	case col.Type == metadata.TypeBlob:
		s["contentEncoding"] = "base64"
	}
	if col.JSONSchema != "" {
		var doc any
		if err := json.Unmarshal([]byte(col.JSONSchema), &doc); err == nil {
			s["contentMediaType"] = "application/json"
			s["contentSchema"] = doc
		}
	}
	if col.ForeignKey != nil {
		s["x-foreign-key"] = map[string]string{"table": col.ForeignKey.Table, "column": col.ForeignKey.Column}
		if api.CanExpand(col.Name) {
			s["x-expandable"] = true
		}
	}
	return s
}

// columnRequired: a select row always carries its non-null columns; an insert
// must supply NOT NULL columns that have no default and are not generated
// keys; updates are partial.
func columnRequired(api *metadata.RecordAPI, col *metadata.ColumnDef, mode SchemaMode) bool {
	switch mode {
	case SchemaSelect:
		return !col.Nullable || col.IsPrimaryKey
	case SchemaInsert:
		if col.Nullable || col.HasDefault {
			return false
		}
		return !(col.IsPrimaryKey && api.Schema.PrimaryKeyKind == metadata.PrimaryKeyInteger)
	default:
		return false
	}
}
