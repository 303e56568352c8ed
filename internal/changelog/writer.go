// Package changelog implements the writer side of the replication protocol:
// clock-stamped optimistic application of local mutations, a pending queue of
// unacknowledged changes, bounded delivery retries, and exact rollback of the
// optimistic state when delivery fails for good.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/clock"
	"github.com/example/canvas-sync/internal/merge"
	"github.com/example/canvas-sync/internal/types"
)

// ErrDeliveryFailed is returned after delivery retries are exhausted; the
// optimistic mutation has been rolled back and the edit did not persist.
var ErrDeliveryFailed = errors.New("change delivery failed")

// ErrUnknownObject is returned when a local mutation targets an object the
// writer has never seen.
var ErrUnknownObject = errors.New("unknown object")

// Transport delivers a change envelope to the network collaborator. Delivery
// is at-least-once and unordered; the merge protocol tolerates both.
type Transport interface {
	Send(ctx context.Context, env types.Envelope) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, env types.Envelope) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, env types.Envelope) error {
	return f(ctx, env)
}

type localObject struct {
	fields  map[types.FieldName]any
	clocks  types.FieldClocks
	deleted bool
}

// Writer maintains a writer's clock, a local copy of board objects, and the
// queue of changes awaiting acknowledgement. Writers are single-threaded
// event loops in the product; the mutex only guards against accidental
// cross-goroutine use.
type Writer struct {
	board     types.BoardID
	clock     *clock.Source
	transport Transport
	logger    zerolog.Logger

	maxRetries   uint64
	initialDelay time.Duration

	objects map[types.ObjectID]*localObject
	pending []types.Envelope
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMaxRetries bounds delivery attempts beyond the first try.
func WithMaxRetries(n uint64) WriterOption {
	return func(w *Writer) {
		w.maxRetries = n
	}
}

// WithInitialDelay sets the base delay of the delivery backoff.
func WithInitialDelay(d time.Duration) WriterOption {
	return func(w *Writer) {
		w.initialDelay = d
	}
}

// NewWriter constructs a writer bound to one board. The clock source is owned
// by the caller and shared with nothing else that ticks it.
func NewWriter(board types.BoardID, source *clock.Source, transport Transport, logger zerolog.Logger, opts ...WriterOption) *Writer {
	w := &Writer{
		board:        board,
		clock:        source,
		transport:    transport,
		logger:       logger,
		maxRetries:   4,
		initialDelay: 50 * time.Millisecond,
		objects:      make(map[types.ObjectID]*localObject),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Create stamps and applies a new object locally, then queues the change for
// delivery. A create may target an object already known locally (hydrated
// from a remote broadcast); on delivery failure the prior object is restored
// with its original fields and clocks, or removed if it never existed.
func (w *Writer) Create(ctx context.Context, objectID types.ObjectID, fields map[types.FieldName]any) error {
	stamp := w.clock.Tick()

	prior, existed := w.objects[objectID]
	var priorCopy *localObject
	if existed {
		priorCopy = &localObject{
			fields:  types.CloneFields(prior.fields),
			clocks:  prior.clocks.Clone(),
			deleted: prior.deleted,
		}
	}
	w.objects[objectID] = &localObject{
		fields: types.CloneFields(fields),
		clocks: merge.Stamp(fieldNames(fields), stamp),
	}

	change := types.Change{
		Action:   types.ActionCreate,
		ObjectID: objectID,
		Fields:   types.CloneFields(fields),
		Clocks:   merge.Stamp(fieldNames(fields), stamp),
	}

	return w.deliver(ctx, change, func() {
		if existed {
			w.objects[objectID] = priorCopy
		} else {
			delete(w.objects, objectID)
		}
	})
}

// Update applies a field mutation optimistically and queues it. Rollback
// restores the exact prior (value, clock) pair per field, not just the value,
// so later retries and remote updates compare against the correct frontier.
func (w *Writer) Update(ctx context.Context, objectID types.ObjectID, fields map[types.FieldName]any) error {
	obj, ok := w.objects[objectID]
	if !ok {
		return fmt.Errorf("update %s: %w", objectID, ErrUnknownObject)
	}

	stamp := w.clock.Tick()

	type prior struct {
		value    any
		hadValue bool
		clock    types.HLC
		hadClock bool
	}
	priors := make(map[types.FieldName]prior, len(fields))
	for name := range fields {
		value, hadValue := obj.fields[name]
		clk, hadClock := obj.clocks[name]
		priors[name] = prior{value: value, hadValue: hadValue, clock: clk, hadClock: hadClock}
	}
	wasDeleted := obj.deleted

	for name, value := range fields {
		obj.fields[name] = value
		obj.clocks[name] = stamp
	}
	// A local edit revives a locally tombstoned object, same as on the server.
	obj.deleted = false

	change := types.Change{
		Action:   types.ActionUpdate,
		ObjectID: objectID,
		Fields:   types.CloneFields(fields),
		Clocks:   merge.Stamp(fieldNames(fields), stamp),
	}

	return w.deliver(ctx, change, func() {
		for name, p := range priors {
			if p.hadValue {
				obj.fields[name] = p.value
			} else {
				delete(obj.fields, name)
			}
			if p.hadClock {
				obj.clocks[name] = p.clock
			} else {
				delete(obj.clocks, name)
			}
		}
		obj.deleted = wasDeleted
	})
}

// Delete tombstones the object locally and queues a delete change carrying a
// single tombstone clock.
func (w *Writer) Delete(ctx context.Context, objectID types.ObjectID) error {
	obj, ok := w.objects[objectID]
	if !ok {
		return fmt.Errorf("delete %s: %w", objectID, ErrUnknownObject)
	}

	stamp := w.clock.Tick()
	wasDeleted := obj.deleted
	obj.deleted = true

	change := types.Change{
		Action:   types.ActionDelete,
		ObjectID: objectID,
		Clocks:   types.FieldClocks{types.FieldDeleted: stamp},
	}

	return w.deliver(ctx, change, func() {
		obj.deleted = wasDeleted
	})
}

// ApplyRemote folds a change broadcast by another writer into local state.
// Every clock in the change advances the local clock first, so anything this
// writer produces afterwards dominates what it has seen. Returns true when
// local state changed. Reapplying an already-merged change is a no-op.
func (w *Writer) ApplyRemote(env types.Envelope) bool {
	if env.NodeID == w.clock.Node() {
		return false
	}
	for _, remote := range env.Change.Clocks {
		w.clock.Observe(remote)
	}

	obj, ok := w.objects[env.Change.ObjectID]
	if !ok {
		obj = &localObject{fields: make(map[types.FieldName]any), clocks: make(types.FieldClocks)}
		w.objects[env.Change.ObjectID] = obj
	}

	if env.Change.Action == types.ActionDelete {
		tombstone, found := env.Change.TombstoneClock()
		if !found || obj.deleted || !merge.DeleteWins(tombstone, obj.clocks) {
			return false
		}
		obj.deleted = true
		return true
	}

	result := merge.Fields(obj.fields, obj.clocks, env.Change.Fields, env.Change.Clocks)
	if !result.Changed {
		return false
	}
	obj.fields = result.Fields
	obj.clocks = result.Clocks
	obj.deleted = false
	return true
}

// Pending returns the changes that have been delivered but not yet
// acknowledged, in submission order. They are safe to resubmit on reconnect.
func (w *Writer) Pending() []types.Envelope {
	out := make([]types.Envelope, len(w.pending))
	copy(out, w.pending)
	return out
}

// Ack drops an acknowledged change from the pending queue.
func (w *Writer) Ack(changeID string) {
	w.dropPending(changeID)
}

func (w *Writer) dropPending(changeID string) {
	for i, env := range w.pending {
		if env.ChangeID == changeID {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return
		}
	}
}

// Object returns a copy of the writer's local view of an object.
func (w *Writer) Object(objectID types.ObjectID) (fields map[types.FieldName]any, clocks types.FieldClocks, deleted, ok bool) {
	obj, ok := w.objects[objectID]
	if !ok {
		return nil, nil, false, false
	}
	return types.CloneFields(obj.fields), obj.clocks.Clone(), obj.deleted, true
}

func (w *Writer) deliver(ctx context.Context, change types.Change, rollback func()) error {
	env := types.Envelope{
		BoardID:  w.board,
		ChangeID: uuid.NewString(),
		NodeID:   w.clock.Node(),
		Change:   change,
		SentAt:   time.Now().UnixMilli(),
	}
	w.pending = append(w.pending, env)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initialDelay
	err := backoff.Retry(func() error {
		if err := w.transport.Send(ctx, env); err != nil {
			w.logger.Warn().Err(err).
				Str("change", env.ChangeID).
				Str("object", string(change.ObjectID)).
				Msg("change delivery failed; retrying")
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, w.maxRetries), ctx))

	if err != nil {
		rollback()
		w.dropPending(env.ChangeID)
		w.logger.Error().Err(err).
			Str("change", env.ChangeID).
			Str("object", string(change.ObjectID)).
			Msg("delivery retries exhausted; rolled back optimistic change")
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, err)
	}
	return nil
}

func fieldNames(fields map[types.FieldName]any) []types.FieldName {
	names := make([]types.FieldName, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	return names
}
