package store

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"modernc.org/sqlite"
)

var (
	inlineSchemas sync.Map // schema text -> *jsonschema.Schema

	namedMu      sync.RWMutex
	namedSchemas = map[string]namedSchema{}
)

type namedSchema struct {
	text   string
	schema *jsonschema.Schema
}

// SetJSONSchemas replaces the schemas available to jsonschema(name, value).
// Nothing is replaced if any schema fails to compile.
func SetJSONSchemas(schemas map[string]string) error {
	compiled := make(map[string]namedSchema, len(schemas))
	for name, text := range schemas {
		sch, err := compileSchema(text)
		if err != nil {
			return fmt.Errorf("json schema %q: %w", name, err)
		}
		compiled[name] = namedSchema{text: text, schema: sch}
	}
	namedMu.Lock()
	namedSchemas = compiled
	namedMu.Unlock()
	return nil
}

// JSONSchema returns the text of a schema registered with SetJSONSchemas.
func JSONSchema(name string) (string, bool) {
	namedMu.RLock()
	defer namedMu.RUnlock()
	entry, ok := namedSchemas[name]
	return entry.text, ok
}

func compileSchema(text string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("invalid schema json: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// jsonschemaMatches backs CHECK(jsonschema_matches('<schema>', col)).
// NULL passes, and a value that is not JSON fails.
func jsonschemaMatches(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	text, ok := textArg(args[0])
	if !ok {
		return nil, fmt.Errorf("jsonschema_matches: schema must be text")
	}
	var sch *jsonschema.Schema
	if cached, ok := inlineSchemas.Load(text); ok {
		sch = cached.(*jsonschema.Schema)
	} else {
		compiled, err := compileSchema(text)
		if err != nil {
			return nil, fmt.Errorf("jsonschema_matches: %w", err)
		}
		inlineSchemas.Store(text, compiled)
		sch = compiled
	}
	return validateJSON(sch, args[1]), nil
}

// jsonschemaByName backs CHECK(jsonschema('<name>', col)).
func jsonschemaByName(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	name, ok := textArg(args[0])
	if !ok {
		return nil, fmt.Errorf("jsonschema: name must be text")
	}
	namedMu.RLock()
	sch := namedSchemas[name].schema
	namedMu.RUnlock()
	if sch == nil {
		return nil, fmt.Errorf("jsonschema: schema %q not found", name)
	}
	return validateJSON(sch, args[1]), nil
}

func validateJSON(sch *jsonschema.Schema, value driver.Value) int64 {
	if value == nil {
		return 1
	}
	text, ok := textArg(value)
	if !ok {
		return 0
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return 0
	}
	if sch.Validate(inst) != nil {
		return 0
	}
	return 1
}

func textArg(v driver.Value) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return "", false
}
