package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"recordapi/internal/metadata"
	"recordapi/internal/store"
)

// Record is a row rendered for clients: blobs are encoded, hidden and
// excluded columns are absent.
type Record map[string]any

// coerceText converts a textual value (query string, form field, record id)
// to the storage type of col.
func coerceText(col *metadata.ColumnDef, raw string) (any, error) {
	switch col.Type {
	case metadata.TypeInteger:
		switch strings.ToLower(raw) {
		case "true":
			return int64(1), nil
		case "false":
			return int64(0), nil
		}
		return strconv.ParseInt(raw, 10, 64)
	case metadata.TypeReal:
		return strconv.ParseFloat(raw, 64)
	case metadata.TypeText:
		return raw, nil
	case metadata.TypeBlob:
		return decodeBlob(col, raw)
	default:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, nil
		}
		return raw, nil
	}
}

// decodeBlob accepts a UUID string for UUID columns and URL-safe base64,
// padded or not, for any blob.
func decodeBlob(col *metadata.ColumnDef, raw string) ([]byte, error) {
	if col.UUID || len(raw) == 36 {
		if u, err := uuid.Parse(raw); err == nil {
			return u[:], nil
		}
		if col.UUID {
			return nil, fmt.Errorf("invalid uuid %q", raw)
		}
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "=")); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64 blob")
}

// coerceJSON converts a decoded JSON value to the storage type of col.
// Numbers must be decoded with UseNumber.
func coerceJSON(col *metadata.ColumnDef, v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		switch col.Type {
		case metadata.TypeInteger, metadata.TypeAny:
			if val {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return nil, fmt.Errorf("boolean not allowed for %s column", col.Type)
	case json.Number:
		switch col.Type {
		case metadata.TypeInteger:
			return val.Int64()
		case metadata.TypeReal:
			return val.Float64()
		case metadata.TypeAny:
			if i, err := val.Int64(); err == nil {
				return i, nil
			}
			return val.Float64()
		}
		return nil, fmt.Errorf("number not allowed for %s column", col.Type)
	case string:
		switch col.Type {
		case metadata.TypeText, metadata.TypeAny:
			return val, nil
		case metadata.TypeBlob:
			return decodeBlob(col, val)
		}
		return nil, fmt.Errorf("string not allowed for %s column", col.Type)
	case []any:
		if col.Type == metadata.TypeBlob {
			return byteArray(val)
		}
		return encodeJSONText(col, val)
	case map[string]any:
		return encodeJSONText(col, val)
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

func byteArray(items []any) ([]byte, error) {
	out := make([]byte, len(items))
	for i, item := range items {
		n, ok := item.(json.Number)
		if !ok {
			return nil, fmt.Errorf("blob arrays must contain bytes")
		}
		b, err := n.Int64()
		if err != nil || b < 0 || b > math.MaxUint8 {
			return nil, fmt.Errorf("blob arrays must contain bytes")
		}
		out[i] = byte(b)
	}
	return out, nil
}

// encodeJSONText stores nested JSON as text, queryable with SQLite's JSON
// functions.
func encodeJSONText(col *metadata.ColumnDef, v any) (any, error) {
	if col.Type != metadata.TypeText && col.Type != metadata.TypeAny {
		return nil, fmt.Errorf("json not allowed for %s column", col.Type)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// renderValue prepares a stored value for JSON output.
func renderValue(col *metadata.ColumnDef, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if col != nil && col.UUID && len(b) == 16 {
		if u, err := uuid.FromBytes(b); err == nil {
			return u.String()
		}
	}
	return base64.URLEncoding.EncodeToString(b)
}

// renderRow projects row onto the readable columns of api.
func renderRow(api *metadata.RecordAPI, row store.Row) Record {
	out := make(Record, len(row))
	for _, col := range api.ReadableColumns() {
		if v, ok := row[col.Name]; ok {
			out[col.Name] = renderValue(col, v)
		}
	}
	return out
}

// renderKey renders a primary key value for clients.
func renderKey(api *metadata.RecordAPI, v any) any {
	return renderValue(api.PrimaryKey(), v)
}

// keyString maps a key value to a comparable map key.
func keyString(v any) string {
	switch val := v.(type) {
	case []byte:
		return "b:" + string(val)
	case int64:
		return "i:" + strconv.FormatInt(val, 10)
	case float64:
		return "r:" + strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return "t:" + val
	case nil:
		return "n:"
	default:
		return fmt.Sprintf("x:%v", val)
	}
}

// ParseRecordID converts a record id from a URL to the primary key type.
func ParseRecordID(api *metadata.RecordAPI, raw string) (any, error) {
	pk := api.PrimaryKey()
	if pk == nil {
		return nil, BadRequestError("Record api %s has no primary key", api.Name())
	}
	switch api.Schema.PrimaryKeyKind {
	case metadata.PrimaryKeyInteger:
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, BadRequestError("Invalid record id %q", raw)
		}
		return id, nil
	case metadata.PrimaryKeyUUIDv4, metadata.PrimaryKeyUUIDv7:
		u, err := uuid.Parse(raw)
		if err != nil {
			// Accept the base64 form clients may have stored.
			b, berr := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
			if berr != nil || len(b) != 16 {
				return nil, BadRequestError("Invalid record id %q", raw)
			}
			return b, nil
		}
		return u[:], nil
	default:
		v, err := coerceText(pk, raw)
		if err != nil {
			return nil, BadRequestError("Invalid record id %q", raw)
		}
		return v, nil
	}
}
