package reconcile

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/types"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string]types.ObjectState
	writes  int
	failOn  types.ObjectID
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string]types.ObjectState)}
}

func (f *fakeStorage) key(board types.BoardID, object types.ObjectID) string {
	return string(board) + "/" + string(object)
}

func (f *fakeStorage) Mutate(_ context.Context, board types.BoardID, object types.ObjectID, fn MutateFunc) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if object == f.failOn {
		return false, errors.New("storage unavailable")
	}

	current, exists := f.objects[f.key(board, object)]
	if !exists {
		current = types.ObjectState{
			Fields: make(map[types.FieldName]any),
			Clocks: make(types.FieldClocks),
		}
	}
	next, write, err := fn(current, exists)
	if err != nil {
		return false, err
	}
	if write {
		f.objects[f.key(board, object)] = next
		f.writes++
	}
	return write, nil
}

func (f *fakeStorage) state(board types.BoardID, object types.ObjectID) (types.ObjectState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.objects[f.key(board, object)]
	return state, ok
}

func clk(ts int64, c uint64, n string) types.HLC {
	return types.HLC{Ts: ts, C: c, N: n}
}

func newTestService(store Storage) *Service {
	return NewService(store, zerolog.New(io.Discard), WithNow(func() time.Time {
		return time.UnixMilli(50000)
	}))
}

func TestReconcileAppliesReconnectBatch(t *testing.T) {
	store := newFakeStorage()
	svc := newTestService(store)

	// Durable state: the object exists with clocks behind the batch.
	_, _ = store.Mutate(context.Background(), "board-1", "obj-1", func(_ types.ObjectState, _ bool) (types.ObjectState, bool, error) {
		return types.ObjectState{
			Fields: map[types.FieldName]any{"x": 1.0, "color": "red"},
			Clocks: types.FieldClocks{"x": clk(100, 0, "alice"), "color": clk(100, 0, "alice")},
		}, true, nil
	})
	store.writes = 0

	merged := svc.Reconcile(context.Background(), "board-1", []types.Change{
		{
			Action:   types.ActionUpdate,
			ObjectID: "obj-1",
			Fields:   map[types.FieldName]any{"x": 2.0},
			Clocks:   types.FieldClocks{"x": clk(200, 0, "bob")},
		},
		{
			Action:   types.ActionUpdate,
			ObjectID: "obj-1",
			Fields:   map[types.FieldName]any{"color": "blue"},
			Clocks:   types.FieldClocks{"color": clk(210, 0, "bob")},
		},
	})

	if merged != 2 {
		t.Fatalf("expected merged=2, got %d", merged)
	}
	state, _ := store.state("board-1", "obj-1")
	if state.Fields["x"] != 2.0 || state.Fields["color"] != "blue" {
		t.Fatalf("batch did not apply: %+v", state.Fields)
	}
}

func TestReconcileDuplicateResubmitMergesNothing(t *testing.T) {
	store := newFakeStorage()
	svc := newTestService(store)

	change := types.Change{
		Action:   types.ActionCreate,
		ObjectID: "obj-1",
		Fields:   map[types.FieldName]any{"x": 1.0},
		Clocks:   types.FieldClocks{"x": clk(100, 0, "alice")},
	}

	if merged := svc.Reconcile(context.Background(), "board-1", []types.Change{change}); merged != 1 {
		t.Fatalf("first submit: expected merged=1, got %d", merged)
	}
	if merged := svc.Reconcile(context.Background(), "board-1", []types.Change{change}); merged != 0 {
		t.Fatalf("resubmit of an already-merged change must be a no-op, got %d", merged)
	}
}

func TestReconcileDeleteTombstones(t *testing.T) {
	store := newFakeStorage()
	svc := newTestService(store)

	svc.Reconcile(context.Background(), "board-1", []types.Change{{
		Action:   types.ActionCreate,
		ObjectID: "obj-1",
		Fields:   map[types.FieldName]any{"x": 1.0},
		Clocks:   types.FieldClocks{"x": clk(100, 0, "alice")},
	}})

	merged := svc.Reconcile(context.Background(), "board-1", []types.Change{{
		Action:   types.ActionDelete,
		ObjectID: "obj-1",
		Clocks:   types.FieldClocks{types.FieldDeleted: clk(200, 0, "alice")},
	}})
	if merged != 1 {
		t.Fatalf("dominant delete must count as merged, got %d", merged)
	}

	state, _ := store.state("board-1", "obj-1")
	if state.DeletedAt == nil {
		t.Fatalf("object not tombstoned")
	}
	if _, ok := state.Clocks["x"]; !ok {
		t.Fatalf("field clocks must survive a delete as the causal frontier")
	}
}

func TestReconcileStaleDeleteIsNoOp(t *testing.T) {
	store := newFakeStorage()
	svc := newTestService(store)

	svc.Reconcile(context.Background(), "board-1", []types.Change{{
		Action:   types.ActionUpdate,
		ObjectID: "obj-1",
		Fields:   map[types.FieldName]any{"x": 1.0},
		Clocks:   types.FieldClocks{"x": clk(300, 0, "alice")},
	}})

	merged := svc.Reconcile(context.Background(), "board-1", []types.Change{{
		Action:   types.ActionDelete,
		ObjectID: "obj-1",
		Clocks:   types.FieldClocks{types.FieldDeleted: clk(200, 0, "bob")},
	}})
	if merged != 0 {
		t.Fatalf("stale delete must merge nothing, got %d", merged)
	}
	if state, _ := store.state("board-1", "obj-1"); state.DeletedAt != nil {
		t.Fatalf("stale delete wrongly tombstoned the object")
	}
}

func TestReconcileWinningEditRevivesTombstonedObject(t *testing.T) {
	store := newFakeStorage()
	svc := newTestService(store)

	svc.Reconcile(context.Background(), "board-1", []types.Change{
		{
			Action:   types.ActionCreate,
			ObjectID: "obj-1",
			Fields:   map[types.FieldName]any{"x": 1.0},
			Clocks:   types.FieldClocks{"x": clk(100, 0, "alice")},
		},
		{
			Action:   types.ActionDelete,
			ObjectID: "obj-1",
			Clocks:   types.FieldClocks{types.FieldDeleted: clk(200, 0, "alice")},
		},
	})

	merged := svc.Reconcile(context.Background(), "board-1", []types.Change{{
		Action:   types.ActionUpdate,
		ObjectID: "obj-1",
		Fields:   map[types.FieldName]any{"x": 9.0},
		Clocks:   types.FieldClocks{"x": clk(300, 0, "bob")},
	}})
	if merged != 1 {
		t.Fatalf("winning edit must merge, got %d", merged)
	}

	state, _ := store.state("board-1", "obj-1")
	if state.DeletedAt != nil {
		t.Fatalf("winning edit must clear the tombstone")
	}
	if state.Fields["x"] != 9.0 {
		t.Fatalf("revived object carries wrong value: %v", state.Fields["x"])
	}
}

func TestReconcileDeleteOnMissingObjectIsNoOp(t *testing.T) {
	store := newFakeStorage()
	svc := newTestService(store)

	merged := svc.Reconcile(context.Background(), "board-1", []types.Change{{
		Action:   types.ActionDelete,
		ObjectID: "ghost",
		Clocks:   types.FieldClocks{types.FieldDeleted: clk(100, 0, "alice")},
	}})
	if merged != 0 {
		t.Fatalf("delete of an unknown object merges nothing, got %d", merged)
	}
	if _, ok := store.state("board-1", "ghost"); ok {
		t.Fatalf("no row should be written for a delete of an unknown object")
	}
}

func TestReconcileSkipsMalformedChanges(t *testing.T) {
	store := newFakeStorage()
	svc := newTestService(store)

	merged := svc.Reconcile(context.Background(), "board-1", []types.Change{
		{Action: types.ActionUpdate, ObjectID: ""}, // malformed
		{
			Action:   types.ActionCreate,
			ObjectID: "obj-1",
			Fields:   map[types.FieldName]any{"x": 1.0},
			Clocks:   types.FieldClocks{"x": clk(100, 0, "alice")},
		},
	})
	if merged != 1 {
		t.Fatalf("malformed change must be skipped without failing the batch, got %d", merged)
	}
}

func TestReconcileContinuesPastStorageFailure(t *testing.T) {
	store := newFakeStorage()
	store.failOn = "obj-broken"
	svc := newTestService(store)

	merged := svc.Reconcile(context.Background(), "board-1", []types.Change{
		{
			Action:   types.ActionCreate,
			ObjectID: "obj-broken",
			Fields:   map[types.FieldName]any{"x": 1.0},
			Clocks:   types.FieldClocks{"x": clk(100, 0, "alice")},
		},
		{
			Action:   types.ActionCreate,
			ObjectID: "obj-ok",
			Fields:   map[types.FieldName]any{"x": 1.0},
			Clocks:   types.FieldClocks{"x": clk(100, 0, "alice")},
		},
	})
	if merged != 1 {
		t.Fatalf("one failing change must not sink the batch, got merged=%d", merged)
	}
	if _, ok := store.state("board-1", "obj-ok"); !ok {
		t.Fatalf("subsequent change was not applied")
	}
}
