package engine

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"recordapi/internal/metadata"
	"recordapi/internal/store"
)

// Shape selects how _ROW_ is provided to a compiled rule.
type Shape int

const (
	// ShapeTable: the statement aliases its table as _ROW_, so the rule is
	// evaluated against the very row being read or written.
	ShapeTable Shape = iota
	// ShapeInjected: _ROW_ is a single row bound from parameters, used to
	// re-check change events outside of any statement on the table.
	ShapeInjected
)

const (
	pseudoUser   = "_USER_"
	pseudoReq    = "_REQ_"
	pseudoRow    = "_ROW_"
	pseudoFields = "_REQ_FIELDS_"

	paramUser   = "acl_user"
	paramFields = "acl_req_fields"
	paramPK     = "acl_pk"
)

func reqParam(idx int) string { return fmt.Sprintf("acl_req_%d", idx) }
func rowParam(idx int) string { return fmt.Sprintf("acl_row_%d", idx) }

// AccessContext carries the per-request values bound into a compiled rule.
type AccessContext struct {
	User    *metadata.UserContext
	Request *Payload
	Row     store.Row
}

// CompiledRule is an access rule rewritten into a parameterized boolean SQL
// fragment. It is immutable and shared between requests.
type CompiledRule struct {
	API   string
	Op    metadata.Operation
	Shape Shape
	// Always is set for operations without a rule.
	Always bool
	SQL    string

	usesUser   bool
	usesReq    bool
	usesRow    bool
	usesFields bool
	reqCols    []int
	rowCols    []int
	schema     *metadata.TableSchema
}

// Args returns the named parameters the fragment references.
func (r *CompiledRule) Args(ac AccessContext) []any {
	var args []any
	if r.usesUser {
		args = append(args, sql.Named(paramUser, ac.User.UserID()))
	}
	if r.usesReq {
		for _, idx := range r.reqCols {
			args = append(args, sql.Named(reqParam(idx), ac.Request.Get(r.schema.Columns[idx].Name).Value))
		}
	}
	if r.usesFields {
		args = append(args, sql.Named(paramFields, requestFieldsJSON(ac.Request)))
	}
	if r.usesRow && r.Shape == ShapeInjected {
		for _, idx := range r.rowCols {
			args = append(args, sql.Named(rowParam(idx), ac.Row[r.schema.Columns[idx].Name]))
		}
	}
	return args
}

// Where returns the fragment ready to be AND-ed into a WHERE clause.
func (r *CompiledRule) Where() string {
	if r.Always {
		return ""
	}
	return r.SQL
}

// Query returns a standalone statement evaluating the rule to 0 or 1.
func (r *CompiledRule) Query() string {
	if r.Always {
		return "SELECT 1"
	}
	return "SELECT CASE WHEN " + r.SQL + " THEN 1 ELSE 0 END"
}

type pseudoTables struct {
	user, req, row bool
}

func allowedPseudoTables(op metadata.Operation) pseudoTables {
	switch op.RuleOperation() {
	case metadata.OpCreate:
		return pseudoTables{user: true, req: true}
	case metadata.OpUpdate:
		return pseudoTables{user: true, req: true, row: true}
	case metadata.OpRead, metadata.OpDelete:
		return pseudoTables{user: true, row: true}
	default:
		return pseudoTables{user: true}
	}
}

// CompileAccessRule compiles the rule configured for op on api.
func CompileAccessRule(api *metadata.RecordAPI, op metadata.Operation, shape Shape) (*CompiledRule, error) {
	rule := &CompiledRule{
		API:    api.Name(),
		Op:     op.RuleOperation(),
		Shape:  shape,
		schema: api.Schema,
	}
	text := api.Config.AccessRule(op)
	if text == "" {
		rule.Always = true
		return rule, nil
	}

	toks, err := lexRule(text)
	if err != nil {
		return nil, fmt.Errorf("%s %s access rule: %w", api.Name(), rule.Op, err)
	}
	allowed := allowedPseudoTables(op)

	var body strings.Builder
	last := 0
	for i, tok := range toks {
		if tok.kind != tokIdent {
			continue
		}
		name := strings.ToUpper(tok.text)
		switch name {
		case pseudoUser, pseudoReq, pseudoRow:
		case pseudoFields:
			if !allowed.req {
				return nil, fmt.Errorf("%s %s access rule: %s is not available", api.Name(), rule.Op, pseudoFields)
			}
			rule.usesFields = true
			body.WriteString(text[last:tok.start])
			body.WriteString("(SELECT value FROM json_each(:" + paramFields + "))")
			last = tok.end
			continue
		default:
			continue
		}

		var column string
		if i+2 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "." &&
			(toks[i+2].kind == tokIdent || toks[i+2].kind == tokQuotedIdent) {
			column = toks[i+2].text
		}
		if err := rule.reference(api, allowed, name, column); err != nil {
			return nil, fmt.Errorf("%s %s access rule: %w", api.Name(), rule.Op, err)
		}
	}
	body.WriteString(text[last:])

	rule.SQL = rule.assemble(api, body.String())
	return rule, nil
}

func (r *CompiledRule) reference(api *metadata.RecordAPI, allowed pseudoTables, table, column string) error {
	switch table {
	case pseudoUser:
		if column != "" && !strings.EqualFold(column, "id") {
			return fmt.Errorf("unknown column %s.%s", pseudoUser, column)
		}
		r.usesUser = true
	case pseudoReq:
		if !allowed.req {
			return fmt.Errorf("%s is not available", pseudoReq)
		}
		if column != "" && !api.IsWritable(column) {
			return fmt.Errorf("unknown column %s.%s", pseudoReq, column)
		}
		r.usesReq = true
	case pseudoRow:
		if !allowed.row {
			return fmt.Errorf("%s is not available", pseudoRow)
		}
		if column != "" {
			if c, _ := api.Schema.Column(column); c == nil {
				return fmt.Errorf("unknown column %s.%s", pseudoRow, column)
			}
		}
		r.usesRow = true
	}
	return nil
}

func (r *CompiledRule) assemble(api *metadata.RecordAPI, body string) string {
	var from []string
	if r.usesUser {
		from = append(from, "(SELECT :"+paramUser+" AS id) AS "+pseudoUser)
	}
	if r.usesReq {
		var cols []string
		for i, c := range api.Schema.Columns {
			if api.IsWritable(c.Name) {
				r.reqCols = append(r.reqCols, i)
				cols = append(cols, ":"+reqParam(i)+" AS "+quoteIdent(c.Name))
			}
		}
		from = append(from, "(SELECT "+strings.Join(cols, ", ")+") AS "+pseudoReq)
	}
	if r.usesRow && r.Shape == ShapeInjected {
		cols := make([]string, len(api.Schema.Columns))
		for i, c := range api.Schema.Columns {
			r.rowCols = append(r.rowCols, i)
			cols[i] = ":" + rowParam(i) + " AS " + quoteIdent(c.Name)
		}
		from = append(from, "(SELECT "+strings.Join(cols, ", ")+") AS "+pseudoRow)
	}
	if len(from) == 0 {
		return "(" + body + ")"
	}
	return "EXISTS (SELECT 1 FROM " + strings.Join(from, ", ") + " WHERE (" + body + "))"
}

type ruleKey struct {
	version uint64
	api     string
	op      metadata.Operation
	shape   Shape
}

// RuleCache holds compiled rules per config version. Rules of older versions
// are dropped on Purge; in-flight requests keep their own references.
type RuleCache struct {
	mu    sync.RWMutex
	rules map[ruleKey]*CompiledRule
}

func NewRuleCache() *RuleCache {
	return &RuleCache{rules: make(map[ruleKey]*CompiledRule)}
}

// Get returns the compiled rule for op on api within snapshot version.
func (c *RuleCache) Get(version uint64, api *metadata.RecordAPI, op metadata.Operation, shape Shape) (*CompiledRule, error) {
	key := ruleKey{version: version, api: api.Name(), op: op.RuleOperation(), shape: shape}

	c.mu.RLock()
	rule, ok := c.rules[key]
	c.mu.RUnlock()
	if ok {
		return rule, nil
	}

	rule, err := CompileAccessRule(api, op, shape)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.rules[key]; ok {
		return existing, nil
	}
	c.rules[key] = rule
	return rule, nil
}

// Purge drops rules compiled for versions older than keep.
func (c *RuleCache) Purge(keep uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.rules {
		if k.version < keep {
			delete(c.rules, k)
		}
	}
}

func (c *RuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
