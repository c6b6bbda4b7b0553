package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"sort"

	"recordapi/internal/metadata"
)

// FieldState distinguishes an omitted payload field from an explicit null.
type FieldState int

const (
	FieldAbsent FieldState = iota
	FieldNull
	FieldSet
)

type FieldValue struct {
	State FieldState
	Value any
}

// Present reports whether the field was sent, even as null.
func (f FieldValue) Present() bool {
	return f.State != FieldAbsent
}

// Payload is the validated body of a Create or Update request.
type Payload struct {
	fields map[string]FieldValue
}

func NewPayload() *Payload {
	return &Payload{fields: make(map[string]FieldValue)}
}

// Get returns the field for column; omitted columns are FieldAbsent.
func (p *Payload) Get(column string) FieldValue {
	if p == nil {
		return FieldValue{}
	}
	return p.fields[column]
}

// Set stores a value; nil is an explicit null.
func (p *Payload) Set(column string, v any) {
	if v == nil {
		p.fields[column] = FieldValue{State: FieldNull}
		return
	}
	p.fields[column] = FieldValue{State: FieldSet, Value: v}
}

// Columns returns the names of all present fields, sorted.
func (p *Payload) Columns() []string {
	if p == nil {
		return nil
	}
	cols := make([]string, 0, len(p.fields))
	for c := range p.fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.fields)
}

// ParsePayloads decodes a request body. JSON arrays are only accepted when
// allowMany is set (bulk create).
func ParsePayloads(api *metadata.RecordAPI, contentType string, body []byte, allowMany bool) ([]*Payload, error) {
	mediaType := "application/json"
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		p, err := parseFormPayload(api, body)
		if err != nil {
			return nil, err
		}
		return []*Payload{p}, nil
	case "application/json":
		return parseJSONPayloads(api, body, allowMany)
	default:
		return nil, BadRequestError("Unsupported content type %q", mediaType)
	}
}

func parseJSONPayloads(api *metadata.RecordAPI, body []byte, allowMany bool) ([]*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, BadRequestError("Invalid JSON body: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, BadRequestError("Invalid JSON body: trailing data")
	}

	switch v := raw.(type) {
	case map[string]any:
		p, err := jsonPayload(api, v)
		if err != nil {
			return nil, err
		}
		return []*Payload{p}, nil
	case []any:
		if !allowMany {
			return nil, BadRequestError("Expected a JSON object")
		}
		if len(v) == 0 {
			return nil, BadRequestError("Empty bulk request")
		}
		out := make([]*Payload, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, BadRequestError("Bulk item %d is not a JSON object", i)
			}
			p, err := jsonPayload(api, obj)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	default:
		return nil, BadRequestError("Expected a JSON object")
	}
}

func jsonPayload(api *metadata.RecordAPI, obj map[string]any) (*Payload, error) {
	p := NewPayload()
	for name, v := range obj {
		col, err := writableColumn(api, name)
		if err != nil {
			return nil, err
		}
		coerced, err := coerceJSON(col, v)
		if err != nil {
			return nil, FieldError(name, "Invalid value for %q: %v", name, err)
		}
		p.Set(name, coerced)
	}
	return p, nil
}

func parseFormPayload(api *metadata.RecordAPI, body []byte) (*Payload, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, BadRequestError("Invalid form body: %v", err)
	}
	p := NewPayload()
	for name, vs := range values {
		col, err := writableColumn(api, name)
		if err != nil {
			return nil, err
		}
		if len(vs) != 1 {
			return nil, FieldError(name, "Field %q given %d times", name, len(vs))
		}
		coerced, err := coerceText(col, vs[0])
		if err != nil {
			return nil, FieldError(name, "Invalid value for %q: %v", name, err)
		}
		p.Set(name, coerced)
	}
	return p, nil
}

func writableColumn(api *metadata.RecordAPI, name string) (*metadata.ColumnDef, error) {
	if !api.IsWritable(name) {
		return nil, FieldError(name, "Unknown column: %q", name)
	}
	col, _ := api.Schema.Column(name)
	return col, nil
}

// requestFieldsJSON is the JSON array bound to _REQ_FIELDS_.
func requestFieldsJSON(p *Payload) string {
	cols := p.Columns()
	if cols == nil {
		cols = []string{}
	}
	b, _ := json.Marshal(cols)
	return string(b)
}

func (p *Payload) String() string {
	return fmt.Sprintf("payload%v", p.Columns())
}
