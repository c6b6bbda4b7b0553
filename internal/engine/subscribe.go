package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"recordapi/internal/metadata"
	"recordapi/internal/realtime"
	"recordapi/internal/store"
)

// changeMessage is the payload delivered for one change event.
type changeMessage struct {
	Operation  realtime.Operation `json:"operation"`
	PrimaryKey any                `json:"primary_key"`
	Row        Record             `json:"row"`
}

// Subscribe opens a change stream on the API's table. RecordID "*" follows
// the whole table, any other value a single record that must be visible to
// the requester now. Every event is re-checked against the read rule for the
// row it carries before it is delivered.
func (e *Engine) Subscribe(ctx context.Context, req Request) (*realtime.Subscription, error) {
	sc, err := e.begin(req, metadata.OpSubscribe)
	if err != nil {
		return nil, err
	}
	if !sc.api.Config.EnableSubscriptions {
		return nil, ForbiddenError(fmt.Sprintf("Subscriptions are disabled for %s", sc.api.Name()))
	}
	if e.bus == nil {
		return nil, InternalError()
	}

	var recordKey string
	if req.RecordID != "*" && req.RecordID != "" {
		id, err := ParseRecordID(sc.api, req.RecordID)
		if err != nil {
			return nil, err
		}
		if err := e.checkVisible(ctx, sc, req.RecordID, id); err != nil {
			return nil, err
		}
		recordKey = keyString(id)
	}

	rule, err := sc.rule(e, ShapeInjected)
	if err != nil {
		return nil, err
	}
	api, user := sc.api, sc.user
	filter := func(ctx context.Context, ev realtime.ChangeEvent) ([]byte, error) {
		if recordKey != "" && keyString(ev.PrimaryKey) != recordKey {
			return nil, nil
		}
		if !rule.Always {
			ok, err := store.QueryBool(ctx, e.store.Reader, rule.Query(), rule.Args(AccessContext{User: user, Row: ev.Row})...)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
		}
		return json.Marshal(changeMessage{
			Operation:  ev.Operation,
			PrimaryKey: renderKey(api, ev.PrimaryKey),
			Row:        renderRow(api, ev.Row),
		})
	}

	sub, err := e.bus.Subscribe(realtime.SubscribeOptions{
		API:         api.Name(),
		Table:       api.Table(),
		Fingerprint: api.Fingerprint,
		Filter:      filter,
	})
	if err != nil {
		return nil, e.internal(sc, err)
	}
	e.log.Debug("subscription opened",
		zap.String("api", api.Name()), zap.String("subscription", sub.ID.String()), zap.String("record", req.RecordID))
	return sub, nil
}

// checkVisible reports NotFound unless the keyed row passes the read rule.
func (e *Engine) checkVisible(ctx context.Context, sc *scope, raw string, id any) error {
	rule, err := sc.ruleFor(e, sc.api, metadata.OpRead, ShapeTable)
	if err != nil {
		return err
	}
	args := append(rule.Args(AccessContext{User: sc.user}), sql.Named(paramPK, id))
	err = e.store.ReadTx(ctx, func(tx store.Querier) error {
		_, err := store.QueryRow(ctx, tx, buildReadSQL(sc.api, rule), args...)
		if errors.Is(err, store.ErrNotFound) {
			return e.missing(ctx, tx, sc, raw, id)
		}
		return err
	})
	return e.internal(sc, err)
}

// ValidateAccessRules compiles every configured rule of the current snapshot
// and lets SQLite plan it, so typos surface at startup rather than on the
// first request. Failures are logged and returned joined; nothing is
// disabled.
func (e *Engine) ValidateAccessRules(ctx context.Context) error {
	snap := e.registry.Snapshot()
	ops := []metadata.Operation{metadata.OpCreate, metadata.OpRead, metadata.OpUpdate, metadata.OpDelete, metadata.OpSchema}

	var errs []error
	for _, api := range snap.APIs() {
		for _, op := range ops {
			if api.Config.AccessRule(op) == "" {
				continue
			}
			if err := e.explainRule(ctx, snap, api, op); err != nil {
				e.log.Warn("invalid access rule",
					zap.String("api", api.Name()), zap.Stringer("op", op), zap.Error(err))
				errs = append(errs, fmt.Errorf("%s %s access rule: %w", api.Name(), op, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) explainRule(ctx context.Context, snap *metadata.Snapshot, api *metadata.RecordAPI, op metadata.Operation) error {
	rule, err := e.rules.Get(snap.Version, api, op, ShapeTable)
	if err != nil {
		return err
	}
	stmt := "EXPLAIN " + rule.Query()
	if allowedPseudoTables(op).row {
		stmt = "EXPLAIN SELECT 1 FROM " + quoteIdent(api.Table()) + " AS _ROW_ WHERE " + rule.SQL
	}
	args := rule.Args(AccessContext{Request: NewPayload()})
	return e.store.ReadTx(ctx, func(tx store.Querier) error {
		rows, err := tx.QueryContext(ctx, stmt, args...)
		if err != nil {
			return store.MapError(err)
		}
		return rows.Close()
	})
}
