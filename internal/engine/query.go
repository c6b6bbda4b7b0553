package engine

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"recordapi/internal/metadata"
)

const maxFilterDepth = 4

// FilterOp is a comparison operator accepted in filter parameters.
type FilterOp string

const (
	OpEqual        FilterOp = "$eq"
	OpNotEqual     FilterOp = "$ne"
	OpGreaterEqual FilterOp = "$gte"
	OpGreater      FilterOp = "$gt"
	OpLessEqual    FilterOp = "$lte"
	OpLess         FilterOp = "$lt"
	OpIs           FilterOp = "$is"
	OpLike         FilterOp = "$like"
	OpRegexp       FilterOp = "$re"
)

var filterOps = map[FilterOp]string{
	OpEqual:        "=",
	OpNotEqual:     "<>",
	OpGreaterEqual: ">=",
	OpGreater:      ">",
	OpLessEqual:    "<=",
	OpLess:         "<",
	OpLike:         "LIKE",
	OpRegexp:       "REGEXP",
}

// Filter is one predicate. For $is, Value is true for NOT NULL.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

// FilterNode is either a leaf predicate or an AND/OR group of nodes.
type FilterNode struct {
	Filter   *Filter
	Or       bool
	Children []*FilterNode
}

type SortSpec struct {
	Column string
	Desc   bool
}

// ListQuery is a validated List or Read request.
type ListQuery struct {
	Filter *FilterNode
	Sorts  []SortSpec
	Limit  int
	Offset int
	Cursor string
	Count  bool
	Expand []string
}

type queryParam struct {
	key   string
	value string
	raw   string
}

// parseRawQuery splits a query string preserving parameter order.
func parseRawQuery(raw string) ([]queryParam, error) {
	var params []queryParam
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, BadRequestError("Invalid query parameter %q", k)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, BadRequestError("Invalid value for query parameter %q", key)
		}
		params = append(params, queryParam{key: key, value: value, raw: v})
	}
	return params, nil
}

// ParseListQuery parses the raw query string of a List request.
func ParseListQuery(api *metadata.RecordAPI, rawQuery string, defaultLimit int) (*ListQuery, error) {
	params, err := parseRawQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	hard := api.Config.ListingHardLimit
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	q := &ListQuery{Limit: min(defaultLimit, hard)}
	root := newRawFilter()

	for _, p := range params {
		switch p.key {
		case "limit":
			n, err := strconv.Atoi(p.value)
			if err != nil || n <= 0 {
				return nil, FieldError("limit", "Invalid limit: %q", p.value)
			}
			q.Limit = min(n, hard)
		case "offset":
			n, err := strconv.Atoi(p.value)
			if err != nil || n < 0 {
				return nil, FieldError("offset", "Invalid offset: %q", p.value)
			}
			q.Offset = n
		case "cursor":
			q.Cursor = p.value
		case "count":
			b, err := strconv.ParseBool(p.value)
			if err != nil {
				return nil, FieldError("count", "Invalid count: %q", p.value)
			}
			q.Count = b
		case "order":
			// '+' is a sign here, not an encoded space.
			value, err := url.PathUnescape(p.raw)
			if err != nil {
				return nil, FieldError("order", "Invalid order: %q", p.raw)
			}
			if q.Sorts, err = parseOrder(api, value); err != nil {
				return nil, err
			}
		case "expand":
			if q.Expand, err = ParseExpand(api, p.value); err != nil {
				return nil, err
			}
		default:
			path, err := filterPath(p.key)
			if err != nil {
				return nil, err
			}
			if err := root.insert(path, p.value); err != nil {
				return nil, err
			}
		}
	}

	if len(root.keys) > 0 {
		nodes, err := buildFilters(api, root, 0)
		if err != nil {
			return nil, err
		}
		q.Filter = andNodes(nodes)
	}
	if q.Cursor != "" {
		q.Offset = 0
	}
	return q, nil
}

// ParseExpand validates a comma separated expand list against the allow-list.
func ParseExpand(api *metadata.RecordAPI, value string) ([]string, error) {
	var cols []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(value, ",") {
		col := strings.TrimSpace(part)
		if col == "" {
			continue
		}
		if !api.CanExpand(col) {
			return nil, FieldError("expand", "Column %q cannot be expanded", col)
		}
		if !seen[col] {
			seen[col] = true
			cols = append(cols, col)
		}
	}
	return cols, nil
}

func parseOrder(api *metadata.RecordAPI, value string) ([]SortSpec, error) {
	var sorts []SortSpec
	seen := make(map[string]bool)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		spec := SortSpec{Column: part}
		switch {
		case strings.HasPrefix(part, "-"):
			spec = SortSpec{Column: part[1:], Desc: true}
		case strings.HasPrefix(part, "+"):
			spec.Column = part[1:]
		}
		if spec.Column == "" || !api.IsReadable(spec.Column) {
			return nil, FieldError("order", "Unknown order column: %q", spec.Column)
		}
		if seen[spec.Column] {
			return nil, FieldError("order", "Duplicate order column: %q", spec.Column)
		}
		seen[spec.Column] = true
		sorts = append(sorts, spec)
	}
	return sorts, nil
}

// filterPath turns "filter[a][$gt]" into ["a", "$gt"]. Any other key is
// taken as "col=value" shorthand for an equality filter.
func filterPath(key string) ([]string, error) {
	if !strings.HasPrefix(key, "filter[") {
		return []string{key}, nil
	}
	rest := key[len("filter"):]
	var path []string
	for rest != "" {
		if rest[0] != '[' {
			return nil, BadRequestError("Malformed filter parameter %q", key)
		}
		end := strings.IndexByte(rest, ']')
		if end <= 1 {
			return nil, BadRequestError("Malformed filter parameter %q", key)
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path, nil
}

// rawFilter is the nested key structure of filter parameters in the order
// the keys first appeared.
type rawFilter struct {
	keys     []string
	children map[string]*rawFilter
	value    *string
}

func newRawFilter() *rawFilter {
	return &rawFilter{children: make(map[string]*rawFilter)}
}

func (r *rawFilter) insert(path []string, value string) error {
	node := r
	for _, seg := range path {
		if node.value != nil {
			return BadRequestError("Conflicting filter parameter %q", strings.Join(path, "."))
		}
		child, ok := node.children[seg]
		if !ok {
			child = newRawFilter()
			node.children[seg] = child
			node.keys = append(node.keys, seg)
		}
		node = child
	}
	if node.value != nil || len(node.keys) > 0 {
		return BadRequestError("Conflicting filter parameter %q", strings.Join(path, "."))
	}
	node.value = &value
	return nil
}

func buildFilters(api *metadata.RecordAPI, node *rawFilter, depth int) ([]*FilterNode, error) {
	var out []*FilterNode
	for _, key := range node.keys {
		child := node.children[key]
		switch key {
		case "$and", "$or":
			if depth >= maxFilterDepth {
				return nil, BadRequestError("Filter nesting exceeds %d levels", maxFilterDepth)
			}
			if child.value != nil {
				return nil, BadRequestError("Filter group %s requires indexed members", key)
			}
			group := &FilterNode{Or: key == "$or"}
			for _, idx := range child.keys {
				if _, err := strconv.Atoi(idx); err != nil {
					return nil, BadRequestError("Invalid filter group index %q", idx)
				}
				member := child.children[idx]
				if member.value != nil {
					return nil, BadRequestError("Filter group member %s[%s] must be a predicate", key, idx)
				}
				nodes, err := buildFilters(api, member, depth+1)
				if err != nil {
					return nil, err
				}
				group.Children = append(group.Children, andNodes(nodes))
			}
			out = append(out, group)
		default:
			nodes, err := columnFilters(api, key, child)
			if err != nil {
				return nil, err
			}
			out = append(out, nodes...)
		}
	}
	return out, nil
}

func columnFilters(api *metadata.RecordAPI, column string, node *rawFilter) ([]*FilterNode, error) {
	if !api.IsReadable(column) {
		return nil, FieldError(column, "Unknown filter column: %q", column)
	}
	col, _ := api.Schema.Column(column)

	if node.value != nil {
		f, err := newFilter(col, OpEqual, *node.value)
		if err != nil {
			return nil, err
		}
		return []*FilterNode{{Filter: f}}, nil
	}

	var out []*FilterNode
	for _, key := range node.keys {
		child := node.children[key]
		if child.value == nil {
			return nil, FieldError(column, "Invalid filter on %q", column)
		}
		f, err := newFilter(col, FilterOp(key), *child.value)
		if err != nil {
			return nil, err
		}
		out = append(out, &FilterNode{Filter: f})
	}
	return out, nil
}

func newFilter(col *metadata.ColumnDef, op FilterOp, raw string) (*Filter, error) {
	f := &Filter{Column: col.Name, Op: op}
	switch op {
	case OpIs:
		switch strings.ToUpper(strings.TrimSpace(raw)) {
		case "NULL":
			f.Value = false
		case "!NULL", "NOT NULL":
			f.Value = true
		default:
			return nil, FieldError(col.Name, "$is accepts only NULL or !NULL")
		}
	case OpLike:
		f.Value = raw
	case OpRegexp:
		if _, err := regexp.Compile(raw); err != nil {
			return nil, FieldError(col.Name, "Invalid regular expression: %v", err)
		}
		f.Value = raw
	case OpEqual, OpNotEqual, OpGreaterEqual, OpGreater, OpLessEqual, OpLess:
		v, err := coerceText(col, raw)
		if err != nil {
			return nil, FieldError(col.Name, "Invalid filter value for %q: %v", col.Name, err)
		}
		f.Value = v
	default:
		return nil, FieldError(col.Name, "Unknown filter operator: %q", string(op))
	}
	return f, nil
}

func andNodes(nodes []*FilterNode) *FilterNode {
	if len(nodes) == 1 {
		return nodes[0]
	}
	return &FilterNode{Children: nodes}
}
