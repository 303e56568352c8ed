// Package reconcile implements the server-side authority that merges batches
// of pending writer changes against durable per-object state.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/canvas-sync/internal/merge"
	"github.com/example/canvas-sync/internal/types"
)

// Storage is the durable collaborator holding authoritative field clocks and
// tombstones. Mutate runs the supplied decision function inside one atomic
// per-object read-decide-write: the implementation must guarantee that two
// concurrent Mutate calls for the same object serialize, otherwise concurrent
// reconciliations can lose updates. It returns whether a write was committed.
type Storage interface {
	Mutate(ctx context.Context, board types.BoardID, object types.ObjectID, fn MutateFunc) (bool, error)
}

// MutateFunc inspects the current object state (exists=false means the object
// has never been written, with empty clocks) and returns the next state plus
// whether it should be persisted. Declared as an alias so storage backends
// can satisfy Storage without importing this package.
type MutateFunc = func(current types.ObjectState, exists bool) (next types.ObjectState, write bool, err error)

// Service merges reconnect batches. It is stateless per request; all state
// lives in the storage collaborator.
type Service struct {
	store  Storage
	logger zerolog.Logger
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNow overrides the tombstone timestamp source for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService constructs a reconciliation service over the given storage.
func NewService(store Storage, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconcile merges each change independently against durable state and
// returns the number of changes that produced a durable write. A change that
// touches zero winning fields and is not a winning delete contributes
// nothing. One change's storage failure is logged and skipped; the rest of
// the batch still proceeds, and the client resubmits unacknowledged changes
// on a later reconnect.
func (s *Service) Reconcile(ctx context.Context, board types.BoardID, changes []types.Change) int {
	ctx, span := tracer.Start(ctx, "reconcile.batch", trace.WithAttributes(
		attribute.String("board_id", string(board)),
		attribute.Int("changes", len(changes)),
	))
	defer span.End()

	start := time.Now()
	merged := 0
	for _, change := range changes {
		if err := change.Validate(); err != nil {
			s.logger.Debug().Err(err).Str("board", string(board)).Msg("skipping malformed change")
			changesSkipped.WithLabelValues("malformed").Inc()
			continue
		}

		wrote, err := s.apply(ctx, board, change)
		if err != nil {
			s.logger.Error().Err(err).
				Str("board", string(board)).
				Str("object", string(change.ObjectID)).
				Str("action", string(change.Action)).
				Msg("change reconciliation failed; continuing batch")
			changesSkipped.WithLabelValues("storage").Inc()
			continue
		}
		if wrote {
			merged++
		}
	}

	batchLatency.WithLabelValues(string(board)).Observe(time.Since(start).Seconds())
	changesMerged.WithLabelValues(string(board)).Add(float64(merged))
	span.SetAttributes(attribute.Int("merged", merged))
	return merged
}

func (s *Service) apply(ctx context.Context, board types.BoardID, change types.Change) (bool, error) {
	if change.Action == types.ActionDelete {
		return s.store.Mutate(ctx, board, change.ObjectID, s.applyDelete(change))
	}
	return s.store.Mutate(ctx, board, change.ObjectID, s.applyEdit(change))
}

// applyDelete tombstones the object iff the delete clock dominates every
// field clock on record and the object is not already tombstoned. The field
// clocks are left untouched: they remain the causal frontier against which
// future edits and future deletes are compared. A delete for an object that
// was never written is a no-op; add-wins guarantees a later create would
// clear the tombstone anyway, so recording it would not change convergence.
func (s *Service) applyDelete(change types.Change) MutateFunc {
	return func(current types.ObjectState, exists bool) (types.ObjectState, bool, error) {
		if !exists || current.DeletedAt != nil {
			return current, false, nil
		}
		tombstone, _ := change.TombstoneClock()
		if !merge.DeleteWins(tombstone, current.Clocks) {
			return current, false, nil
		}

		now := s.now().UTC()
		next := current
		next.DeletedAt = &now
		next.UpdatedAt = now
		return next, true, nil
	}
}

// applyEdit merges Create/Update changes field by field. Any winning field
// clears the tombstone unconditionally (add-wins revival). A Create against a
// missing object always wins because there are no local clocks to lose to.
func (s *Service) applyEdit(change types.Change) MutateFunc {
	return func(current types.ObjectState, exists bool) (types.ObjectState, bool, error) {
		result := merge.Fields(current.Fields, current.Clocks, change.Fields, change.Clocks)
		if !result.Changed {
			return current, false, nil
		}

		next := types.ObjectState{
			Fields:    result.Fields,
			Clocks:    result.Clocks,
			DeletedAt: nil,
			UpdatedAt: s.now().UTC(),
		}
		return next, true, nil
	}
}
