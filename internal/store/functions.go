package store

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"modernc.org/sqlite"
)

var registerOnce sync.Once

// registerFunctions installs the SQL functions used by schemas and filters.
// Registration is process wide and must precede the first connection.
func registerFunctions() {
	registerOnce.Do(func() {
		sqlite.MustRegisterScalarFunction("uuid_v4", 0, func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
			u := uuid.New()
			return u[:], nil
		})
		sqlite.MustRegisterScalarFunction("uuid_v7", 0, func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
			u, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			return u[:], nil
		})
		sqlite.MustRegisterDeterministicScalarFunction("is_uuid", 1, uuidCheck(0))
		sqlite.MustRegisterDeterministicScalarFunction("is_uuid_v4", 1, uuidCheck(4))
		sqlite.MustRegisterDeterministicScalarFunction("is_uuid_v7", 1, uuidCheck(7))
		sqlite.MustRegisterDeterministicScalarFunction("uuid_text", 1, uuidText)
		sqlite.MustRegisterDeterministicScalarFunction("uuid_parse", 1, uuidParse)
		sqlite.MustRegisterDeterministicScalarFunction("regexp", 2, regexpMatch)
		sqlite.MustRegisterDeterministicScalarFunction("jsonschema_matches", 2, jsonschemaMatches)
		sqlite.MustRegisterDeterministicScalarFunction("jsonschema", 2, jsonschemaByName)
	})
}

func uuidCheck(version uuid.Version) func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
	return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		b, ok := args[0].([]byte)
		if !ok || len(b) != 16 {
			return int64(0), nil
		}
		u, err := uuid.FromBytes(b)
		if err != nil {
			return int64(0), nil
		}
		if version != 0 && u.Version() != version {
			return int64(0), nil
		}
		return int64(1), nil
	}
}

func uuidText(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	b, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("uuid_text: expected blob")
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("uuid_text: %w", err)
	}
	return u.String(), nil
}

func uuidParse(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("uuid_parse: expected text")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("uuid_parse: %w", err)
	}
	return u[:], nil
}

var patterns sync.Map // string -> *regexp.Regexp

// regexpMatch backs the REGEXP operator: "x REGEXP y" calls regexp(y, x).
func regexpMatch(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil || args[1] == nil {
		return nil, nil
	}
	pattern, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("regexp: pattern must be text")
	}

	var re *regexp.Regexp
	if cached, ok := patterns.Load(pattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("regexp: %w", err)
		}
		patterns.Store(pattern, compiled)
		re = compiled
	}

	var subject string
	switch v := args[1].(type) {
	case string:
		subject = v
	case []byte:
		subject = string(v)
	default:
		subject = fmt.Sprint(v)
	}
	if re.MatchString(subject) {
		return int64(1), nil
	}
	return int64(0), nil
}
