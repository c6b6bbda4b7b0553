package metadata

import "strings"

// PrimaryKeyKind classifies how a table identifies its rows.
type PrimaryKeyKind int

const (
	PrimaryKeyNone PrimaryKeyKind = iota
	PrimaryKeyInteger
	PrimaryKeyUUIDv4
	PrimaryKeyUUIDv7
)

func (k PrimaryKeyKind) String() string {
	switch k {
	case PrimaryKeyInteger:
		return "integer"
	case PrimaryKeyUUIDv4:
		return "uuid_v4"
	case PrimaryKeyUUIDv7:
		return "uuid_v7"
	default:
		return "none"
	}
}

// IsUUID reports whether keys are 16 byte UUID blobs.
func (k PrimaryKeyKind) IsUUID() bool {
	return k == PrimaryKeyUUIDv4 || k == PrimaryKeyUUIDv7
}

// ForeignKey is a single column reference to another table.
type ForeignKey struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

type ColumnDef struct {
	Name         string      `json:"name"`
	Type         ColumnType  `json:"type"`
	DeclaredType string      `json:"declared_type"`
	Nullable     bool        `json:"nullable"`
	IsPrimaryKey bool        `json:"is_primary_key"`
	HasDefault   bool        `json:"has_default"`
	UUID         bool        `json:"uuid,omitempty"` // blob constrained to hold a UUID
	ForeignKey   *ForeignKey `json:"foreign_key,omitempty"`
	JSONSchema   string      `json:"json_schema,omitempty"` // from a jsonschema CHECK
}

// TableSchema describes a table or view as introspected from the database.
type TableSchema struct {
	Name           string         `json:"name"`
	Columns        []ColumnDef    `json:"columns"`
	PrimaryKeyKind PrimaryKeyKind `json:"primary_key_kind"`
	Strict         bool           `json:"strict"`
	View           bool           `json:"view"`
}

// Column returns the column with the given name and its index, or nil and -1.
func (t *TableSchema) Column(name string) (*ColumnDef, int) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], i
		}
	}
	return nil, -1
}

// PrimaryKey returns the single primary key column, or nil.
func (t *TableSchema) PrimaryKey() *ColumnDef {
	var pk *ColumnDef
	for i := range t.Columns {
		if t.Columns[i].IsPrimaryKey {
			if pk != nil {
				return nil // composite keys are not addressable
			}
			pk = &t.Columns[i]
		}
	}
	return pk
}

// ColumnNames returns all column names in declaration order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// IsHidden reports whether a column is write-accepted but never read.
func IsHidden(column string) bool {
	return strings.HasPrefix(column, "_")
}
