package engine

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"recordapi/internal/metadata"
)

func unitTables() map[string]*metadata.TableSchema {
	return map[string]*metadata.TableSchema{
		"_user": {
			Name:           "_user",
			PrimaryKeyKind: metadata.PrimaryKeyUUIDv7,
			Strict:         true,
			Columns: []metadata.ColumnDef{
				{Name: "id", Type: metadata.TypeBlob, IsPrimaryKey: true, HasDefault: true, UUID: true},
				{Name: "email", Type: metadata.TypeText},
			},
		},
		"posts": {
			Name:           "posts",
			PrimaryKeyKind: metadata.PrimaryKeyInteger,
			Strict:         true,
			Columns: []metadata.ColumnDef{
				{Name: "id", Type: metadata.TypeInteger, IsPrimaryKey: true},
				{Name: "owner", Type: metadata.TypeBlob, Nullable: true, UUID: true,
					ForeignKey: &metadata.ForeignKey{Table: "_user", Column: "id"}},
				{Name: "title", Type: metadata.TypeText},
				{Name: "body", Type: metadata.TypeText, Nullable: true},
				{Name: "score", Type: metadata.TypeInteger, HasDefault: true},
				{Name: "rating", Type: metadata.TypeReal, Nullable: true},
				{Name: "_note", Type: metadata.TypeText, Nullable: true},
				{Name: "internal", Type: metadata.TypeText, Nullable: true},
			},
		},
	}
}

// unitAPI builds the posts API with cfg applied on top of its defaults.
func unitAPI(t *testing.T, mutate func(*metadata.RecordApiConfig)) *metadata.RecordAPI {
	t.Helper()
	cfg := metadata.RecordApiConfig{
		Name:            "posts",
		ExcludedColumns: []string{"internal"},
		Expand:          []string{"owner"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	api, err := metadata.NewRecordAPI(cfg, unitTables())
	require.NoError(t, err)
	return api
}

func namedArg(args []any, name string) (any, bool) {
	for _, a := range args {
		if n, ok := a.(sql.NamedArg); ok && n.Name == name {
			return n.Value, true
		}
	}
	return nil, false
}
