package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"recordapi/internal/metadata"
	"recordapi/internal/store"
)

// cursorValue is one tagged seek value. Exactly one field is set.
type cursorValue struct {
	Null bool     `json:"n,omitempty"`
	Int  *int64   `json:"i,omitempty"`
	Real *float64 `json:"r,omitempty"`
	Text *string  `json:"t,omitempty"`
	Blob *[]byte  `json:"b,omitempty"`
}

type cursorToken struct {
	Fingerprint uint32        `json:"f"`
	Values      []cursorValue `json:"v"`
}

// seekKeys returns the full sort order of a listing: the requested sorts
// followed by the primary key, which makes the order total.
func seekKeys(api *metadata.RecordAPI, sorts []SortSpec) []SortSpec {
	pk := api.PrimaryKey().Name
	keys := make([]SortSpec, 0, len(sorts)+1)
	for _, s := range sorts {
		keys = append(keys, s)
		if s.Column == pk {
			return keys
		}
	}
	return append(keys, SortSpec{Column: pk})
}

// cursorFingerprint binds a cursor to the table, the sort order and the
// types of the sort columns.
func cursorFingerprint(api *metadata.RecordAPI, keys []SortSpec) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s", api.Name(), api.Table())
	for _, k := range keys {
		col, _ := api.Schema.Column(k.Column)
		dir := "asc"
		if k.Desc {
			dir = "desc"
		}
		fmt.Fprintf(h, "|%s:%s:%s", k.Column, col.Type, dir)
	}
	return h.Sum32()
}

// EncodeCursor mints an opaque token from the last row of a page.
func EncodeCursor(api *metadata.RecordAPI, keys []SortSpec, last store.Row) (string, error) {
	tok := cursorToken{Fingerprint: cursorFingerprint(api, keys)}
	for _, k := range keys {
		var cv cursorValue
		switch v := last[k.Column].(type) {
		case nil:
			cv.Null = true
		case int64:
			cv.Int = &v
		case float64:
			cv.Real = &v
		case string:
			cv.Text = &v
		case []byte:
			cv.Blob = &v
		default:
			return "", fmt.Errorf("cursor: unsupported value %T for %s", v, k.Column)
		}
		tok.Values = append(tok.Values, cv)
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeCursor returns the seek values of token for the given sort keys.
func DecodeCursor(api *metadata.RecordAPI, keys []SortSpec, token string) ([]any, error) {
	invalid := FieldError("cursor", "Invalid cursor")

	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, invalid
	}
	var tok cursorToken
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, invalid
	}
	if tok.Fingerprint != cursorFingerprint(api, keys) || len(tok.Values) != len(keys) {
		return nil, FieldError("cursor", "Cursor does not match the requested order")
	}

	values := make([]any, len(keys))
	for i, cv := range tok.Values {
		set := 0
		switch {
		case cv.Null:
			set++
		case cv.Int != nil:
			values[i] = *cv.Int
			set++
		case cv.Real != nil:
			values[i] = *cv.Real
			set++
		case cv.Text != nil:
			values[i] = *cv.Text
			set++
		case cv.Blob != nil:
			values[i] = *cv.Blob
			set++
		}
		if set == 0 {
			return nil, invalid
		}
		if values[i] == nil && keys[i].Column == api.PrimaryKey().Name {
			return nil, invalid
		}
	}
	return values, nil
}

// seekPredicate builds the condition selecting rows strictly after values in
// the order given by keys. SQLite sorts NULL first ascending and last
// descending; equality uses IS so NULL prefixes compare equal.
func seekPredicate(keys []SortSpec, values []any, p *params) string {
	var terms []string
	for i, k := range keys {
		col := "_ROW_." + quoteIdent(k.Column)
		var after string
		switch {
		case values[i] == nil && k.Desc:
			continue // nothing sorts after NULL
		case values[i] == nil:
			after = col + " IS NOT NULL"
		case k.Desc:
			after = "(" + col + " < " + p.add(values[i]) + " OR " + col + " IS NULL)"
		default:
			after = col + " > " + p.add(values[i])
		}

		parts := make([]string, 0, i+1)
		for j := 0; j < i; j++ {
			parts = append(parts, "_ROW_."+quoteIdent(keys[j].Column)+" IS "+p.add(values[j]))
		}
		parts = append(parts, after)
		terms = append(terms, "("+strings.Join(parts, " AND ")+")")
	}
	if len(terms) == 0 {
		return "0"
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}
