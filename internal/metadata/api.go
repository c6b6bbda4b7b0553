package metadata

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
)

const DefaultListingHardLimit = 1024

// ConflictResolution is the SQL conflict clause applied to inserts.
type ConflictResolution string

const (
	ConflictUndefined ConflictResolution = ""
	ConflictAbort     ConflictResolution = "ABORT"
	ConflictRollback  ConflictResolution = "ROLLBACK"
	ConflictFail      ConflictResolution = "FAIL"
	ConflictIgnore    ConflictResolution = "IGNORE"
	ConflictReplace   ConflictResolution = "REPLACE"
)

// Clause returns the "OR <X>" suffix for INSERT, empty when undefined.
func (c ConflictResolution) Clause() string {
	if c == ConflictUndefined {
		return ""
	}
	return "OR " + string(c)
}

func (c ConflictResolution) Valid() bool {
	switch c {
	case ConflictUndefined, ConflictAbort, ConflictRollback, ConflictFail, ConflictIgnore, ConflictReplace:
		return true
	}
	return false
}

// RecordApiConfig is the declarative configuration of one record API.
type RecordApiConfig struct {
	Name               string             `mapstructure:"name" json:"name"`
	TableName          string             `mapstructure:"table_name" json:"table_name"`
	ConflictResolution ConflictResolution `mapstructure:"conflict_resolution" json:"conflict_resolution,omitempty"`
	ACLWorld           Permission         `mapstructure:"acl_world" json:"acl_world"`
	ACLAuthenticated   Permission         `mapstructure:"acl_authenticated" json:"acl_authenticated"`

	CreateAccessRule *string `mapstructure:"create_access_rule" json:"create_access_rule,omitempty"`
	ReadAccessRule   *string `mapstructure:"read_access_rule" json:"read_access_rule,omitempty"`
	UpdateAccessRule *string `mapstructure:"update_access_rule" json:"update_access_rule,omitempty"`
	DeleteAccessRule *string `mapstructure:"delete_access_rule" json:"delete_access_rule,omitempty"`
	SchemaAccessRule *string `mapstructure:"schema_access_rule" json:"schema_access_rule,omitempty"`

	ExcludedColumns              []string `mapstructure:"excluded_columns" json:"excluded_columns,omitempty"`
	Expand                       []string `mapstructure:"expand" json:"expand,omitempty"`
	ListingHardLimit             int      `mapstructure:"listing_hard_limit" json:"listing_hard_limit,omitempty"`
	EnableSubscriptions          bool     `mapstructure:"enable_subscriptions" json:"enable_subscriptions"`
	AutofillMissingUserIDColumns bool     `mapstructure:"autofill_missing_user_id_columns" json:"autofill_missing_user_id_columns"`

	// PrimaryKey names the key column of a view, which SQLite does not report.
	PrimaryKey string `mapstructure:"primary_key" json:"primary_key,omitempty"`
}

// AccessRule returns the configured rule text for an operation, or "".
func (c *RecordApiConfig) AccessRule(op Operation) string {
	var rule *string
	switch op.RuleOperation() {
	case OpCreate:
		rule = c.CreateAccessRule
	case OpRead:
		rule = c.ReadAccessRule
	case OpUpdate:
		rule = c.UpdateAccessRule
	case OpDelete:
		rule = c.DeleteAccessRule
	case OpSchema:
		rule = c.SchemaAccessRule
	}
	if rule == nil {
		return ""
	}
	return strings.TrimSpace(*rule)
}

// RecordAPI binds a config to the schema of its table. Immutable once built.
type RecordAPI struct {
	Config      RecordApiConfig
	Schema      *TableSchema
	Fingerprint uint64

	pk       int
	excluded map[string]bool
	expand   map[string]bool
}

// NewRecordAPI validates cfg against the given schemas.
func NewRecordAPI(cfg RecordApiConfig, tables map[string]*TableSchema) (*RecordAPI, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("record api: missing name")
	}
	if cfg.TableName == "" {
		cfg.TableName = cfg.Name
	}
	if cfg.ListingHardLimit <= 0 {
		cfg.ListingHardLimit = DefaultListingHardLimit
	}
	cfg.ConflictResolution = ConflictResolution(strings.ToUpper(string(cfg.ConflictResolution)))
	if !cfg.ConflictResolution.Valid() {
		return nil, fmt.Errorf("record api %s: invalid conflict resolution %q", cfg.Name, cfg.ConflictResolution)
	}

	src, ok := tables[cfg.TableName]
	if !ok {
		return nil, fmt.Errorf("record api %s: table %q not found", cfg.Name, cfg.TableName)
	}
	if !src.View && !src.Strict {
		return nil, fmt.Errorf("record api %s: table %q must be STRICT", cfg.Name, cfg.TableName)
	}
	schema := src
	if cfg.PrimaryKey != "" {
		var err error
		if schema, err = withPrimaryKeyHint(src, cfg.PrimaryKey); err != nil {
			return nil, fmt.Errorf("record api %s: %w", cfg.Name, err)
		}
	}

	api := &RecordAPI{
		Config:   cfg,
		Schema:   schema,
		pk:       -1,
		excluded: make(map[string]bool, len(cfg.ExcludedColumns)),
		expand:   make(map[string]bool, len(cfg.Expand)),
	}
	for _, col := range cfg.ExcludedColumns {
		if c, _ := schema.Column(col); c == nil {
			return nil, fmt.Errorf("record api %s: excluded column %q not found", cfg.Name, col)
		}
		api.excluded[col] = true
	}
	if pk := schema.PrimaryKey(); pk != nil {
		_, api.pk = schema.Column(pk.Name)
		if api.excluded[pk.Name] || IsHidden(pk.Name) {
			return nil, fmt.Errorf("record api %s: primary key %q must be readable", cfg.Name, pk.Name)
		}
	}
	for _, col := range cfg.Expand {
		c, _ := schema.Column(col)
		if c == nil || c.ForeignKey == nil {
			return nil, fmt.Errorf("record api %s: expand column %q is not a foreign key", cfg.Name, col)
		}
		if api.excluded[col] {
			return nil, fmt.Errorf("record api %s: expand column %q is excluded", cfg.Name, col)
		}
		api.expand[col] = true
	}

	api.Fingerprint = fingerprint(cfg, schema)
	return api, nil
}

func withPrimaryKeyHint(src *TableSchema, column string) (*TableSchema, error) {
	schema := *src
	schema.Columns = slices.Clone(src.Columns)
	_, idx := schema.Column(column)
	if idx < 0 {
		return nil, fmt.Errorf("primary key column %q not found", column)
	}
	for i := range schema.Columns {
		schema.Columns[i].IsPrimaryKey = i == idx
	}
	col := schema.Columns[idx]
	switch {
	case col.Type == TypeInteger:
		schema.PrimaryKeyKind = PrimaryKeyInteger
	case col.Type == TypeBlob && col.UUID:
		schema.PrimaryKeyKind = PrimaryKeyUUIDv7
	default:
		return nil, fmt.Errorf("primary key column %q must be INTEGER or a UUID blob", column)
	}
	return &schema, nil
}

func fingerprint(cfg RecordApiConfig, schema *TableSchema) uint64 {
	h := fnv.New64a()
	enc := json.NewEncoder(h)
	_ = enc.Encode(cfg)
	_ = enc.Encode(schema)
	return h.Sum64()
}

func (a *RecordAPI) Name() string  { return a.Config.Name }
func (a *RecordAPI) Table() string { return a.Schema.Name }

// PrimaryKey returns the primary key column, or nil for keyless tables.
func (a *RecordAPI) PrimaryKey() *ColumnDef {
	if a.pk < 0 {
		return nil
	}
	return &a.Schema.Columns[a.pk]
}

func (a *RecordAPI) IsExcluded(column string) bool {
	return a.excluded[column]
}

// IsReadable reports whether a column may be projected, filtered or sorted on.
func (a *RecordAPI) IsReadable(column string) bool {
	c, _ := a.Schema.Column(column)
	return c != nil && !a.excluded[column] && !IsHidden(column)
}

// IsWritable reports whether a column is accepted in create and update payloads.
func (a *RecordAPI) IsWritable(column string) bool {
	c, _ := a.Schema.Column(column)
	return c != nil && !a.excluded[column]
}

func (a *RecordAPI) CanExpand(column string) bool {
	return a.expand[column]
}

// ReadableColumns returns the projected columns in declaration order.
func (a *RecordAPI) ReadableColumns() []*ColumnDef {
	var cols []*ColumnDef
	for i := range a.Schema.Columns {
		if a.IsReadable(a.Schema.Columns[i].Name) {
			cols = append(cols, &a.Schema.Columns[i])
		}
	}
	return cols
}

// WritableColumns returns the columns accepted in payloads in declaration order.
func (a *RecordAPI) WritableColumns() []*ColumnDef {
	var cols []*ColumnDef
	for i := range a.Schema.Columns {
		if !a.excluded[a.Schema.Columns[i].Name] {
			cols = append(cols, &a.Schema.Columns[i])
		}
	}
	return cols
}
