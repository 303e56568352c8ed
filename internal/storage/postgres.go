// Package storage persists authoritative board objects in Postgres. Each
// object row carries its field values, its field clock frontier, and its
// tombstone marker; reconciliation mutates a row inside one transaction
// holding an advisory lock on the object plus a row lock, so concurrent
// reconciliations of the same object serialize instead of overwriting each
// other's winning writes, whether or not the row exists yet.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/canvas-sync/internal/types"
)

// MutateFunc decides the next state of an object given its current row. It is
// an alias of the signature the reconciliation service passes in.
type MutateFunc = func(current types.ObjectState, exists bool) (next types.ObjectState, write bool, err error)

// Store provides durable object state backed by a Postgres pool.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// schema is idempotent; the composite primary key is what the mutate upsert
// conflicts on.
const schema = `
CREATE TABLE IF NOT EXISTS canvas_objects (
    board_id     text        NOT NULL,
    object_id    text        NOT NULL,
    fields       jsonb       NOT NULL,
    field_clocks jsonb       NOT NULL,
    deleted_at   timestamptz,
    updated_at   timestamptz NOT NULL,
    PRIMARY KEY (board_id, object_id)
);

CREATE INDEX IF NOT EXISTS canvas_objects_board_updated
    ON canvas_objects (board_id, updated_at);

CREATE TABLE IF NOT EXISTS board_exports (
    board_id     text        NOT NULL,
    object_path  text        NOT NULL,
    object_count integer     NOT NULL,
    exported_at  timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS board_exports_board_time
    ON board_exports (board_id, exported_at DESC);
`

// EnsureSchema creates the object and export tables when absent. Deployments
// that run migrations externally can still call it; every statement is
// IF NOT EXISTS.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// NewStore constructs a store using the provided Postgres pool.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mutate implements reconcile.Storage. The decision function runs against the
// row read under FOR UPDATE; the write and the read commit or roll back
// together. Serialization failures and deadlocks are retried.
func (s *Store) Mutate(ctx context.Context, board types.BoardID, object types.ObjectID, fn MutateFunc) (bool, error) {
	ctx, span := storeTracer.Start(ctx, "storage.mutate")
	defer span.End()

	start := time.Now()
	defer func() {
		mutateLatency.WithLabelValues(string(board)).Observe(time.Since(start).Seconds())
	}()

	var wrote bool
	err := s.retry(ctx, func(ctx context.Context) error {
		wrote = false

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		write, err := mutateInTx(ctx, tx, board, object, fn)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}

		wrote = write
		return nil
	})
	return wrote, err
}

// mutateTx is the slice of pgx.Tx the mutation body needs.
type mutateTx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// advisoryLockQuery serializes concurrent mutations of the same object even
// when its row does not exist yet: SELECT ... FOR UPDATE locks nothing for a
// missing row, so without this two transactions creating the same object both
// read exists=false and the later upsert silently erases the earlier one's
// winning fields. The lock is transaction-scoped and released on commit or
// rollback.
const advisoryLockQuery = `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`

func mutateInTx(ctx context.Context, tx mutateTx, board types.BoardID, object types.ObjectID, fn MutateFunc) (bool, error) {
	if _, err := tx.Exec(ctx, advisoryLockQuery, board, object); err != nil {
		return false, fmt.Errorf("lock object %s: %w", object, err)
	}

	current, exists, err := readObjectRow(ctx, tx, board, object, true)
	if err != nil {
		return false, err
	}

	next, write, err := fn(current, exists)
	if err != nil {
		return false, err
	}
	if !write {
		return false, nil
	}

	if err := upsertObjectRow(ctx, tx, board, object, next); err != nil {
		return false, err
	}
	return true, nil
}

// ReadObject loads the current state of one object without locking it.
func (s *Store) ReadObject(ctx context.Context, board types.BoardID, object types.ObjectID) (types.ObjectState, bool, error) {
	return readObjectRow(ctx, s.pool, board, object, false)
}

// ListBoardObjects returns every object of a board, tombstoned ones included.
func (s *Store) ListBoardObjects(ctx context.Context, board types.BoardID) ([]types.Object, error) {
	rows, err := s.pool.Query(ctx, `
                SELECT object_id, fields, field_clocks, deleted_at, updated_at
                FROM canvas_objects
                WHERE board_id = $1
                ORDER BY object_id`, board)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []types.Object
	for rows.Next() {
		var (
			objectID  string
			fieldsRaw []byte
			clocksRaw []byte
			deletedAt *time.Time
			updatedAt time.Time
		)
		if err := rows.Scan(&objectID, &fieldsRaw, &clocksRaw, &deletedAt, &updatedAt); err != nil {
			return nil, err
		}

		state, err := decodeState(fieldsRaw, clocksRaw, deletedAt, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("decode object %s: %w", objectID, err)
		}
		objects = append(objects, types.Object{
			BoardID:     board,
			ObjectID:    types.ObjectID(objectID),
			ObjectState: state,
		})
	}
	return objects, rows.Err()
}

// Boards returns the boards that currently have object rows.
func (s *Store) Boards(ctx context.Context) ([]types.BoardID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT board_id FROM canvas_objects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var boards []types.BoardID
	for rows.Next() {
		var board string
		if err := rows.Scan(&board); err != nil {
			return nil, err
		}
		boards = append(boards, types.BoardID(board))
	}
	return boards, rows.Err()
}

// CountUpdatedSince reports how many objects of a board changed after the
// given instant; the export worker uses it as its threshold signal.
func (s *Store) CountUpdatedSince(ctx context.Context, board types.BoardID, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
                SELECT count(*) FROM canvas_objects
                WHERE board_id = $1 AND updated_at > $2`, board, since).Scan(&count)
	return count, err
}

// ExportRef records one completed board export in durable storage.
type ExportRef struct {
	Board       types.BoardID
	ObjectPath  string
	ObjectCount int
	ExportedAt  time.Time
}

// LatestExport returns the most recent export marker for a board, or a zero
// ref when the board has never been exported.
func (s *Store) LatestExport(ctx context.Context, board types.BoardID) (ExportRef, error) {
	ref := ExportRef{Board: board}
	err := s.pool.QueryRow(ctx, `
                SELECT object_path, object_count, exported_at
                FROM board_exports
                WHERE board_id = $1
                ORDER BY exported_at DESC
                LIMIT 1`, board).Scan(&ref.ObjectPath, &ref.ObjectCount, &ref.ExportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExportRef{Board: board}, nil
	}
	return ref, err
}

// RecordExport persists an export marker.
func (s *Store) RecordExport(ctx context.Context, ref ExportRef) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
                        INSERT INTO board_exports (board_id, object_path, object_count, exported_at)
                        VALUES ($1, $2, $3, $4)`,
			ref.Board, ref.ObjectPath, ref.ObjectCount, ref.ExportedAt)
		return err
	})
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readObjectRow(ctx context.Context, q queryer, board types.BoardID, object types.ObjectID, forUpdate bool) (types.ObjectState, bool, error) {
	query := `
                SELECT fields, field_clocks, deleted_at, updated_at
                FROM canvas_objects
                WHERE board_id = $1 AND object_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		fieldsRaw []byte
		clocksRaw []byte
		deletedAt *time.Time
		updatedAt time.Time
	)
	err := q.QueryRow(ctx, query, board, object).Scan(&fieldsRaw, &clocksRaw, &deletedAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ObjectState{Fields: make(map[types.FieldName]any), Clocks: make(types.FieldClocks)}, false, nil
	}
	if err != nil {
		return types.ObjectState{}, false, err
	}

	state, err := decodeState(fieldsRaw, clocksRaw, deletedAt, updatedAt)
	if err != nil {
		return types.ObjectState{}, false, err
	}
	return state, true, nil
}

func upsertObjectRow(ctx context.Context, tx mutateTx, board types.BoardID, object types.ObjectID, state types.ObjectState) error {
	fieldsRaw, err := json.Marshal(state.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	clocksRaw, err := json.Marshal(state.Clocks)
	if err != nil {
		return fmt.Errorf("marshal field clocks: %w", err)
	}

	_, err = tx.Exec(ctx, `
                INSERT INTO canvas_objects (board_id, object_id, fields, field_clocks, deleted_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6)
                ON CONFLICT (board_id, object_id)
                DO UPDATE SET fields = EXCLUDED.fields,
                              field_clocks = EXCLUDED.field_clocks,
                              deleted_at = EXCLUDED.deleted_at,
                              updated_at = EXCLUDED.updated_at`,
		board, object, fieldsRaw, clocksRaw, state.DeletedAt, state.UpdatedAt)
	return err
}

func decodeState(fieldsRaw, clocksRaw []byte, deletedAt *time.Time, updatedAt time.Time) (types.ObjectState, error) {
	state := types.ObjectState{
		Fields:    make(map[types.FieldName]any),
		Clocks:    make(types.FieldClocks),
		DeletedAt: deletedAt,
		UpdatedAt: updatedAt,
	}
	if len(fieldsRaw) > 0 {
		if err := json.Unmarshal(fieldsRaw, &state.Fields); err != nil {
			return types.ObjectState{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	if len(clocksRaw) > 0 {
		if err := json.Unmarshal(clocksRaw, &state.Clocks); err != nil {
			return types.ObjectState{}, fmt.Errorf("decode field clocks: %w", err)
		}
	}
	return state, nil
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == s.maxRetries {
			return err
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
