package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Register sqlite as database/sql driver

	"recordapi/internal/config"
	"recordapi/internal/logutil"
)

var ErrNotFound = errors.New("not found")

// Row is a result row keyed by column name. Values are the driver's native
// types: int64, float64, string, []byte or nil.
type Row map[string]any

// Querier is implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store holds two pools over one WAL database: a single-connection writer
// and a read-only reader pool.
type Store struct {
	Writer *sql.DB
	Reader *sql.DB

	log        *zap.Logger
	maxRetries uint64
	writeMu    sync.Mutex
}

// New opens the database described by cfg.
func New(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	registerFunctions()

	writer, err := sql.Open("sqlite", cfg.DSN(false))
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetConnMaxIdleTime(0)
	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", cfg.DSN(true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	pool := cfg.ReadPoolSize
	if pool <= 0 {
		pool = 4
	}
	reader.SetMaxOpenConns(pool)
	reader.SetMaxIdleConns(pool)
	if err := reader.PingContext(ctx); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	retries := cfg.MaxWriteRetries
	if retries < 0 {
		retries = 0
	}
	return &Store{
		Writer:     writer,
		Reader:     reader,
		log:        logutil.OrNop(log),
		maxRetries: uint64(retries),
	}, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.Reader.Close(), s.Writer.Close())
}

// ReadTx runs fn inside one read transaction so that every statement sees
// the same snapshot.
func (s *Store) ReadTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.Reader.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin read: %w", MapError(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteTx runs fn in an immediate write transaction. Busy errors restart the
// whole transaction with exponential backoff. onCommit, when set, runs after
// a successful commit while the writer is still held, so successive callers
// observe commits in order.
func (s *Store) WriteTx(ctx context.Context, fn func(q Querier) error, onCommit func()) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	attempt := 0
	op := func() error {
		attempt++
		err := s.writeOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBusy) {
			s.log.Warn("database busy, retrying write", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.maxRetries), ctx)); err != nil {
		return err
	}

	if onCommit != nil {
		onCommit()
	}
	return nil
}

func (s *Store) writeOnce(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write: %w", MapError(err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", MapError(err))
	}
	return nil
}

// Exec runs a statement on the writer outside of WriteTx. Used for DDL.
func (s *Store) Exec(ctx context.Context, sqlStr string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.Writer.ExecContext(ctx, sqlStr, args...); err != nil {
		return MapError(err)
	}
	return nil
}

// QueryRows executes a query and returns all rows.
func QueryRows(ctx context.Context, q Querier, sqlStr string, args ...any) ([]Row, error) {
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", MapError(err))
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}

	var results []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", MapError(err))
	}
	return results, nil
}

// QueryRow executes a query and returns the first row, or ErrNotFound.
func QueryRow(ctx context.Context, q Querier, sqlStr string, args ...any) (Row, error) {
	rows, err := QueryRows(ctx, q, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// QueryBool evaluates a single boolean expression statement.
func QueryBool(ctx context.Context, q Querier, sqlStr string, args ...any) (bool, error) {
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, sqlStr, args...).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query: %w", MapError(err))
	}
	return v.Valid && v.Int64 != 0, nil
}

// normalizeValue copies driver-owned byte slices and widens integer types.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		if val == nil {
			return []byte{}
		}
		out := make([]byte, len(val))
		copy(out, val)
		return out
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return val
	}
}
