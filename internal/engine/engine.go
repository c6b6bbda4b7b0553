package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"recordapi/internal/logutil"
	"recordapi/internal/metadata"
	"recordapi/internal/realtime"
	"recordapi/internal/store"
)

type Options struct {
	DefaultLimit int
	// RevealForbidden makes single record operations answer FORBIDDEN
	// instead of NOT_FOUND when the row exists but the access rule rejects it.
	RevealForbidden bool
	// UserTable is the table whose key identifies users, used to autofill
	// foreign keys to it.
	UserTable string
}

// Engine executes record API operations. It is safe for concurrent use.
type Engine struct {
	store    *store.Store
	registry *metadata.Registry
	rules    *RuleCache
	bus      *realtime.Bus
	log      *zap.Logger
	opts     Options
}

func New(s *store.Store, reg *metadata.Registry, bus *realtime.Bus, log *zap.Logger, opts Options) *Engine {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.UserTable == "" {
		opts.UserTable = "_user"
	}
	e := &Engine{
		store:    s,
		registry: reg,
		rules:    NewRuleCache(),
		bus:      bus,
		log:      logutil.OrNop(log),
		opts:     opts,
	}
	reg.OnPublish(e.onPublish)
	return e
}

func (e *Engine) onPublish(snap *metadata.Snapshot) {
	e.rules.Purge(snap.Version)
	if e.bus == nil {
		return
	}
	closed := e.bus.CloseWhere(func(s *realtime.Subscription) bool {
		api := snap.API(s.API)
		return api == nil || api.Fingerprint != s.Fingerprint
	}, realtime.ErrConfigChanged)
	if closed > 0 {
		e.log.Info("closed subscriptions after config change", zap.Int("count", closed), zap.Uint64("version", snap.Version))
	}
}

// Request is one record API call.
type Request struct {
	API         string
	User        *metadata.UserContext
	RecordID    string
	Query       string
	ContentType string
	Body        []byte
}

// scope pins the snapshot and API for the duration of one request.
type scope struct {
	snap *metadata.Snapshot
	api  *metadata.RecordAPI
	user *metadata.UserContext
	op   metadata.Operation
}

// begin resolves the API and checks the ACL bit for op. Nothing about the
// access rule is touched when the ACL denies.
func (e *Engine) begin(req Request, op metadata.Operation) (*scope, error) {
	snap := e.registry.Snapshot()
	api := snap.API(req.API)
	if api == nil {
		return nil, UnknownAPIError(req.API)
	}
	if !aclAllows(api, req.User, op) {
		return nil, ForbiddenError(fmt.Sprintf("Permission denied for %s on %s", op, api.Name()))
	}
	switch op {
	case metadata.OpCreate, metadata.OpUpdate, metadata.OpDelete:
		if api.Schema.View {
			return nil, ForbiddenError(fmt.Sprintf("Record api %s is read-only", api.Name()))
		}
	}
	switch op {
	case metadata.OpRead, metadata.OpUpdate, metadata.OpDelete, metadata.OpList, metadata.OpSubscribe:
		if api.PrimaryKey() == nil || api.Schema.PrimaryKeyKind == metadata.PrimaryKeyNone {
			return nil, BadRequestError("Record api %s has no usable primary key", api.Name())
		}
	}
	return &scope{snap: snap, api: api, user: req.User, op: op}, nil
}

func (s *scope) rule(e *Engine, shape Shape) (*CompiledRule, error) {
	return s.ruleFor(e, s.api, s.op, shape)
}

func (s *scope) ruleFor(e *Engine, api *metadata.RecordAPI, op metadata.Operation, shape Shape) (*CompiledRule, error) {
	rule, err := e.rules.Get(s.snap.Version, api, op, shape)
	if err != nil {
		e.log.Error("access rule compile failed", zap.String("api", api.Name()), zap.Stringer("op", op), zap.Error(err))
		return nil, InternalError()
	}
	return rule, nil
}

// ListResult is one page of records.
type ListResult struct {
	Records    []Record `json:"records"`
	Cursor     string   `json:"cursor,omitempty"`
	TotalCount *int64   `json:"total_count,omitempty"`
}

// List returns one page of the records visible to the requester.
func (e *Engine) List(ctx context.Context, req Request) (*ListResult, error) {
	sc, err := e.begin(req, metadata.OpList)
	if err != nil {
		return nil, err
	}
	q, err := ParseListQuery(sc.api, req.Query, e.opts.DefaultLimit)
	if err != nil {
		return nil, err
	}
	rule, err := sc.rule(e, ShapeTable)
	if err != nil {
		return nil, err
	}

	keys := seekKeys(sc.api, q.Sorts)
	var seek []any
	if q.Cursor != "" {
		if seek, err = DecodeCursor(sc.api, keys, q.Cursor); err != nil {
			return nil, err
		}
	}
	st := buildListSQL(sc.api, q, rule, seek)
	args := append(st.args, rule.Args(AccessContext{User: sc.user})...)

	result := &ListResult{Records: []Record{}}
	var rows []store.Row
	err = e.store.ReadTx(ctx, func(tx store.Querier) error {
		var err error
		rows, err = store.QueryRows(ctx, tx, st.selectSQL, args...)
		if err != nil {
			return err
		}
		if q.Count {
			var total int64
			if err := tx.QueryRowContext(ctx, st.countSQL, args...).Scan(&total); err != nil {
				return fmt.Errorf("count: %w", store.MapError(err))
			}
			result.TotalCount = &total
		}
		if len(rows) > q.Limit {
			rows = rows[:q.Limit]
			if result.Cursor, err = EncodeCursor(sc.api, keys, rows[len(rows)-1]); err != nil {
				return err
			}
		}
		for _, row := range rows {
			result.Records = append(result.Records, renderRow(sc.api, row))
		}
		return e.expand(ctx, tx, sc, q.Expand, rows, result.Records)
	})
	if err != nil {
		return nil, e.internal(sc, err)
	}
	return result, nil
}

// Read returns one record if it exists and is visible to the requester.
func (e *Engine) Read(ctx context.Context, req Request) (Record, error) {
	sc, err := e.begin(req, metadata.OpRead)
	if err != nil {
		return nil, err
	}
	id, err := ParseRecordID(sc.api, req.RecordID)
	if err != nil {
		return nil, err
	}
	expand, err := readExpand(sc.api, req.Query)
	if err != nil {
		return nil, err
	}
	rule, err := sc.rule(e, ShapeTable)
	if err != nil {
		return nil, err
	}

	args := append(rule.Args(AccessContext{User: sc.user}), sql.Named(paramPK, id))
	var rec Record
	err = e.store.ReadTx(ctx, func(tx store.Querier) error {
		row, err := store.QueryRow(ctx, tx, buildReadSQL(sc.api, rule), args...)
		if errors.Is(err, store.ErrNotFound) {
			return e.missing(ctx, tx, sc, req.RecordID, id)
		}
		if err != nil {
			return err
		}
		rec = renderRow(sc.api, row)
		return e.expand(ctx, tx, sc, expand, []store.Row{row}, []Record{rec})
	})
	if err != nil {
		return nil, e.internal(sc, err)
	}
	return rec, nil
}

// CreateResult lists the keys of inserted records. Inserts skipped by an
// IGNORE conflict clause contribute no key.
type CreateResult struct {
	IDs []any `json:"ids"`
}

// Create inserts one record, or several for a JSON array body. All inserts
// run in one write transaction and fail together.
func (e *Engine) Create(ctx context.Context, req Request) (*CreateResult, error) {
	sc, err := e.begin(req, metadata.OpCreate)
	if err != nil {
		return nil, err
	}
	payloads, err := ParsePayloads(sc.api, req.ContentType, req.Body, true)
	if err != nil {
		return nil, err
	}
	for _, p := range payloads {
		e.autofill(sc, p)
	}
	rule, err := sc.rule(e, ShapeTable)
	if err != nil {
		return nil, err
	}

	result := &CreateResult{IDs: []any{}}
	var events []realtime.ChangeEvent
	err = e.store.WriteTx(ctx, func(tx store.Querier) error {
		result.IDs = result.IDs[:0]
		events = events[:0]
		for _, p := range payloads {
			if !rule.Always {
				ok, err := store.QueryBool(ctx, tx, rule.Query(), rule.Args(AccessContext{User: sc.user, Request: p})...)
				if err != nil {
					return err
				}
				if !ok {
					return ForbiddenError(fmt.Sprintf("Access rule denied create on %s", sc.api.Name()))
				}
			}

			stmt, args := buildInsertSQL(sc.api, p)
			rows, err := store.QueryRows(ctx, tx, stmt, args...)
			if err != nil {
				if errors.Is(err, store.ErrUniqueViolation) {
					return ConflictError(fmt.Sprintf("Record conflicts with an existing %s record", sc.api.Name()))
				}
				return err
			}
			for _, row := range rows {
				if pk := sc.api.PrimaryKey(); pk != nil {
					result.IDs = append(result.IDs, renderKey(sc.api, row[pk.Name]))
				}
				events = append(events, e.event(sc.api, realtime.OpInsert, row))
			}
		}
		return nil
	}, func() { e.publish(events) })
	if err != nil {
		return nil, e.internal(sc, err)
	}
	return result, nil
}

// Update changes the present payload fields of one record. The access rule
// sees the row before the change as _ROW_ and the payload as _REQ_.
func (e *Engine) Update(ctx context.Context, req Request) error {
	sc, err := e.begin(req, metadata.OpUpdate)
	if err != nil {
		return err
	}
	id, err := ParseRecordID(sc.api, req.RecordID)
	if err != nil {
		return err
	}
	payloads, err := ParsePayloads(sc.api, req.ContentType, req.Body, false)
	if err != nil {
		return err
	}
	p := payloads[0]
	if pk := p.Get(sc.api.PrimaryKey().Name); pk.Present() && keyString(pk.Value) != keyString(id) {
		return FieldError(sc.api.PrimaryKey().Name, "Primary key does not match the record id")
	}
	rule, err := sc.rule(e, ShapeTable)
	if err != nil {
		return err
	}

	stmt, args := buildUpdateSQL(sc.api, p, rule)
	args = append(args, rule.Args(AccessContext{User: sc.user, Request: p})...)
	args = append(args, sql.Named(paramPK, id))

	var events []realtime.ChangeEvent
	err = e.store.WriteTx(ctx, func(tx store.Querier) error {
		events = events[:0]
		rows, err := store.QueryRows(ctx, tx, stmt, args...)
		if err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				return ConflictError(fmt.Sprintf("Record conflicts with an existing %s record", sc.api.Name()))
			}
			return err
		}
		if len(rows) == 0 {
			return e.missing(ctx, tx, sc, req.RecordID, id)
		}
		for _, row := range rows {
			events = append(events, e.event(sc.api, realtime.OpUpdate, row))
		}
		return nil
	}, func() { e.publish(events) })
	return e.internal(sc, err)
}

// Delete removes one record if the access rule allows it.
func (e *Engine) Delete(ctx context.Context, req Request) error {
	sc, err := e.begin(req, metadata.OpDelete)
	if err != nil {
		return err
	}
	id, err := ParseRecordID(sc.api, req.RecordID)
	if err != nil {
		return err
	}
	rule, err := sc.rule(e, ShapeTable)
	if err != nil {
		return err
	}
	args := append(rule.Args(AccessContext{User: sc.user}), sql.Named(paramPK, id))

	var events []realtime.ChangeEvent
	err = e.store.WriteTx(ctx, func(tx store.Querier) error {
		events = events[:0]
		rows, err := store.QueryRows(ctx, tx, buildDeleteSQL(sc.api, rule), args...)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return e.missing(ctx, tx, sc, req.RecordID, id)
		}
		for _, row := range rows {
			events = append(events, e.event(sc.api, realtime.OpDelete, row))
		}
		return nil
	}, func() { e.publish(events) })
	return e.internal(sc, err)
}

// missing reports a keyed operation that matched no row. Unless configured
// otherwise, absent and inaccessible rows are indistinguishable.
func (e *Engine) missing(ctx context.Context, q store.Querier, sc *scope, raw string, id any) error {
	if e.opts.RevealForbidden {
		exists, err := store.QueryBool(ctx, q, buildExistsSQL(sc.api), sql.Named(paramPK, id))
		if err != nil {
			return err
		}
		if exists {
			return ForbiddenError(fmt.Sprintf("Access rule denied %s on %s", sc.op, sc.api.Name()))
		}
	}
	return NotFoundError(sc.api.Name(), raw)
}

// autofill binds the requester's id to omitted foreign keys to the user table.
func (e *Engine) autofill(sc *scope, p *Payload) {
	if !sc.api.Config.AutofillMissingUserIDColumns || !sc.user.IsAuthenticated() {
		return
	}
	for _, col := range sc.api.WritableColumns() {
		if col.ForeignKey == nil || col.ForeignKey.Table != e.opts.UserTable {
			continue
		}
		if !p.Get(col.Name).Present() {
			p.Set(col.Name, sc.user.ID)
		}
	}
}

func (e *Engine) event(api *metadata.RecordAPI, op realtime.Operation, row store.Row) realtime.ChangeEvent {
	ev := realtime.ChangeEvent{Table: api.Table(), Operation: op, Row: row}
	if pk := api.PrimaryKey(); pk != nil {
		ev.PrimaryKey = row[pk.Name]
	}
	return ev
}

// readExpand extracts the expand list of a Read request; other parameters
// are ignored.
func readExpand(api *metadata.RecordAPI, rawQuery string) ([]string, error) {
	params, err := parseRawQuery(rawQuery)
	if err != nil {
		return nil, err
	}
	var expand []string
	for _, p := range params {
		if p.key == "expand" {
			if expand, err = ParseExpand(api, p.value); err != nil {
				return nil, err
			}
		}
	}
	return expand, nil
}

func (e *Engine) publish(events []realtime.ChangeEvent) {
	if e.bus != nil && len(events) > 0 {
		e.bus.Publish(events...)
	}
}

// internal passes AppErrors through and logs anything else as an internal
// failure.
func (e *Engine) internal(sc *scope, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	e.log.Error("record operation failed",
		zap.String("api", sc.api.Name()),
		logutil.Values(zap.Stringer("op", sc.op), zap.Uint64("version", sc.snap.Version)),
		zap.Error(err))
	return InternalError()
}
