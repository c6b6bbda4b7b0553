package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTables() map[string]*TableSchema {
	return map[string]*TableSchema{
		"posts": {
			Name:           "posts",
			PrimaryKeyKind: PrimaryKeyInteger,
			Strict:         true,
			Columns: []ColumnDef{
				{Name: "id", Type: TypeInteger, IsPrimaryKey: true},
				{Name: "title", Type: TypeText},
				{Name: "secret", Type: TypeText, Nullable: true},
				{Name: "_owner", Type: TypeBlob, Nullable: true, ForeignKey: &ForeignKey{Table: "_user", Column: "id"}},
				{Name: "author", Type: TypeInteger, Nullable: true, ForeignKey: &ForeignKey{Table: "authors", Column: "id"}},
			},
		},
		"loose": {
			Name:           "loose",
			PrimaryKeyKind: PrimaryKeyInteger,
			Columns:        []ColumnDef{{Name: "id", Type: TypeInteger, IsPrimaryKey: true}},
		},
		"post_view": {
			Name: "post_view",
			View: true,
			Columns: []ColumnDef{
				{Name: "id", Type: TypeInteger},
				{Name: "title", Type: TypeText},
			},
		},
	}
}

func TestNewRecordAPI_Defaults(t *testing.T) {
	api, err := NewRecordAPI(RecordApiConfig{Name: "posts", ConflictResolution: "replace"}, testTables())
	require.NoError(t, err)

	assert.Equal(t, "posts", api.Table())
	assert.Equal(t, DefaultListingHardLimit, api.Config.ListingHardLimit)
	assert.Equal(t, ConflictReplace, api.Config.ConflictResolution)
	assert.Equal(t, "OR REPLACE", api.Config.ConflictResolution.Clause())
	require.NotNil(t, api.PrimaryKey())
	assert.Equal(t, "id", api.PrimaryKey().Name)
}

func TestNewRecordAPI_ColumnVisibility(t *testing.T) {
	api, err := NewRecordAPI(RecordApiConfig{
		Name:            "posts",
		ExcludedColumns: []string{"secret"},
		Expand:          []string{"author"},
	}, testTables())
	require.NoError(t, err)

	assert.True(t, api.IsReadable("title"))
	assert.False(t, api.IsReadable("secret"))
	assert.False(t, api.IsWritable("secret"))
	assert.False(t, api.IsReadable("_owner"))
	assert.True(t, api.IsWritable("_owner"))
	assert.False(t, api.IsReadable("missing"))
	assert.True(t, api.CanExpand("author"))
	assert.False(t, api.CanExpand("title"))

	var readable []string
	for _, c := range api.ReadableColumns() {
		readable = append(readable, c.Name)
	}
	assert.Equal(t, []string{"id", "title", "author"}, readable)
}

func TestNewRecordAPI_Invalid(t *testing.T) {
	tables := testTables()
	cases := map[string]RecordApiConfig{
		"missing table":     {Name: "nope"},
		"unknown excluded":  {Name: "posts", ExcludedColumns: []string{"nope"}},
		"expand non fk":     {Name: "posts", Expand: []string{"title"}},
		"excluded pk":       {Name: "posts", ExcludedColumns: []string{"id"}},
		"bad conflict":      {Name: "posts", ConflictResolution: "MERGE"},
		"view hint unknown": {Name: "v", TableName: "post_view", PrimaryKey: "nope"},
		"view hint text":    {Name: "v", TableName: "post_view", PrimaryKey: "title"},
		"loose table":       {Name: "loose"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRecordAPI(cfg, tables)
			assert.Error(t, err)
		})
	}
}

func TestNewRecordAPI_ViewPrimaryKeyHint(t *testing.T) {
	tables := testTables()
	api, err := NewRecordAPI(RecordApiConfig{Name: "v", TableName: "post_view", PrimaryKey: "id"}, tables)
	require.NoError(t, err)

	assert.Equal(t, PrimaryKeyInteger, api.Schema.PrimaryKeyKind)
	assert.Equal(t, "id", api.PrimaryKey().Name)
	assert.False(t, tables["post_view"].Columns[0].IsPrimaryKey, "source schema must not be mutated")
}

func TestAccessRule(t *testing.T) {
	read := "  _ROW_.secret IS NULL "
	cfg := RecordApiConfig{ReadAccessRule: &read}

	assert.Equal(t, "_ROW_.secret IS NULL", cfg.AccessRule(OpRead))
	assert.Equal(t, "_ROW_.secret IS NULL", cfg.AccessRule(OpList))
	assert.Equal(t, "_ROW_.secret IS NULL", cfg.AccessRule(OpSubscribe))
	assert.Empty(t, cfg.AccessRule(OpUpdate))
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	tables := testTables()
	a, err := NewRecordAPI(RecordApiConfig{Name: "posts"}, tables)
	require.NoError(t, err)
	b, err := NewRecordAPI(RecordApiConfig{Name: "posts"}, tables)
	require.NoError(t, err)
	c, err := NewRecordAPI(RecordApiConfig{Name: "posts", ACLWorld: PermRead}, tables)
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestPermission(t *testing.T) {
	assert.Equal(t, Permission(1), PermCreate)
	assert.Equal(t, Permission(2), PermRead)
	assert.Equal(t, Permission(4), PermUpdate)
	assert.Equal(t, Permission(8), PermDelete)
	assert.Equal(t, Permission(16), PermSchema)

	p, err := ParsePermission([]string{"read", "SCHEMA"})
	require.NoError(t, err)
	assert.Equal(t, PermRead|PermSchema, p)
	assert.Equal(t, "read|schema", p.String())

	p, err = ParsePermission([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, PermAll, p)

	_, err = ParsePermission([]string{"write"})
	assert.Error(t, err)

	assert.Equal(t, PermRead, OpList.Permission())
	assert.Equal(t, PermRead, OpSubscribe.Permission())
	assert.False(t, Permission(0).Has(0))
}

func TestRegistryPublish(t *testing.T) {
	reg := NewRegistry()
	assert.Nil(t, reg.Snapshot().API("posts"))

	var seen []uint64
	reg.OnPublish(func(s *Snapshot) { seen = append(seen, s.Version) })

	first, err := reg.Load([]RecordApiConfig{{Name: "posts"}}, testTables())
	require.NoError(t, err)
	second, err := reg.Load([]RecordApiConfig{{Name: "posts"}, {Name: "all_posts", TableName: "posts"}}, testTables())
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2}, seen)
	assert.Same(t, second, reg.Snapshot())
	assert.Nil(t, first.API("all_posts"), "earlier snapshots stay immutable")
	assert.Equal(t, "all_posts", reg.Snapshot().APIForTable("posts").Name())
}

func TestRegistryLoad_RejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Load([]RecordApiConfig{{Name: "posts"}, {Name: "posts"}}, testTables())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
	assert.Equal(t, uint64(0), reg.Snapshot().Version)
}

func TestParseColumnType(t *testing.T) {
	assert.Equal(t, TypeInteger, ParseColumnType("INTEGER"))
	assert.Equal(t, TypeInteger, ParseColumnType("bigint"))
	assert.Equal(t, TypeText, ParseColumnType("VARCHAR(20)"))
	assert.Equal(t, TypeReal, ParseColumnType("double precision"))
	assert.Equal(t, TypeBlob, ParseColumnType("blob"))
	assert.Equal(t, TypeAny, ParseColumnType(""))
	assert.Equal(t, TypeAny, ParseColumnType("NUMERIC"))
}
