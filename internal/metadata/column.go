package metadata

import "strings"

// ColumnType is the storage type of a column, fixed when the schema is loaded.
type ColumnType int

const (
	TypeAny ColumnType = iota
	TypeInteger
	TypeReal
	TypeText
	TypeBlob
)

func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	case TypeText:
		return "TEXT"
	case TypeBlob:
		return "BLOB"
	default:
		return "ANY"
	}
}

// ParseColumnType maps a declared column type to a ColumnType. Strict tables
// only allow the canonical names; everything else follows SQLite's affinity
// rules.
func ParseColumnType(declared string) ColumnType {
	d := strings.ToUpper(strings.TrimSpace(declared))
	switch d {
	case "INTEGER", "INT":
		return TypeInteger
	case "REAL":
		return TypeReal
	case "TEXT":
		return TypeText
	case "BLOB":
		return TypeBlob
	case "", "ANY":
		return TypeAny
	}
	switch {
	case strings.Contains(d, "INT"):
		return TypeInteger
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return TypeText
	case strings.Contains(d, "BLOB"):
		return TypeBlob
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return TypeReal
	default:
		return TypeAny
	}
}

// JSONType returns the JSON schema type name for values of this column type.
func (t ColumnType) JSONType() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "number"
	case TypeText, TypeBlob:
		return "string"
	default:
		return ""
	}
}
