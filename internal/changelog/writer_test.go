package changelog

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/canvas-sync/internal/clock"
	"github.com/example/canvas-sync/internal/types"
)

type fakeTransport struct {
	sent []types.Envelope
	errs []error
}

func (f *fakeTransport) Send(_ context.Context, env types.Envelope) error {
	f.sent = append(f.sent, env)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func newTestWriter(t *testing.T, transport Transport) *Writer {
	t.Helper()
	source := clock.New("writer-1", clock.WithNow(func() time.Time {
		return time.UnixMilli(1000)
	}))
	return NewWriter("board-1", source, transport, zerolog.New(io.Discard),
		WithMaxRetries(2), WithInitialDelay(time.Millisecond))
}

func TestCreateAppliesLocallyAndQueues(t *testing.T) {
	transport := &fakeTransport{}
	w := newTestWriter(t, transport)

	err := w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fields, clocks, deleted, ok := w.Object("obj-1")
	if !ok || deleted {
		t.Fatalf("object missing or tombstoned after create")
	}
	if fields["x"] != 1.0 {
		t.Fatalf("optimistic value not applied, got %v", fields["x"])
	}
	if _, ok := clocks["x"]; !ok {
		t.Fatalf("created field carries no clock")
	}

	pending := w.Pending()
	if len(pending) != 1 || pending[0].Change.Action != types.ActionCreate {
		t.Fatalf("expected one pending create, got %+v", pending)
	}
	if pending[0].NodeID != "writer-1" || pending[0].BoardID != "board-1" {
		t.Fatalf("envelope identity wrong: %+v", pending[0])
	}
}

func TestUpdateRollsBackExactPriorStateOnDeliveryFailure(t *testing.T) {
	boom := errors.New("network down")
	transport := &fakeTransport{}
	w := newTestWriter(t, transport)

	if err := w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, priorClocks, _, _ := w.Object("obj-1")

	// Every attempt fails: first try plus two retries.
	transport.errs = []error{boom, boom, boom}
	err := w.Update(context.Background(), "obj-1", map[types.FieldName]any{"x": 2.0, "y": 3.0})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	fields, clocks, _, _ := w.Object("obj-1")
	if fields["x"] != 1.0 {
		t.Fatalf("value not rolled back, got x=%v", fields["x"])
	}
	if _, ok := fields["y"]; ok {
		t.Fatalf("field introduced by the failed update must be removed")
	}
	if clocks["x"] != priorClocks["x"] {
		t.Fatalf("clock not rolled back: got %+v want %+v", clocks["x"], priorClocks["x"])
	}
	if _, ok := clocks["y"]; ok {
		t.Fatalf("clock introduced by the failed update must be removed")
	}
	if len(w.Pending()) != 1 {
		t.Fatalf("failed change must leave the pending queue, got %d entries", len(w.Pending()))
	}
}

func TestCreateRollbackRestoresPriorObject(t *testing.T) {
	boom := errors.New("network down")
	transport := &fakeTransport{}
	w := newTestWriter(t, transport)

	// The object is known locally through a remote broadcast, not a local create.
	remoteClock := types.HLC{Ts: 5000, C: 0, N: "writer-2"}
	if !w.ApplyRemote(types.Envelope{
		NodeID: "writer-2",
		Change: types.Change{
			Action:   types.ActionCreate,
			ObjectID: "obj-1",
			Fields:   map[types.FieldName]any{"x": 1.0},
			Clocks:   types.FieldClocks{"x": remoteClock},
		},
	}) {
		t.Fatalf("remote hydration did not apply")
	}

	transport.errs = []error{boom, boom, boom}
	err := w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 99.0})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}

	fields, clocks, deleted, ok := w.Object("obj-1")
	if !ok {
		t.Fatalf("pre-existing object must survive a failed re-create")
	}
	if fields["x"] != 1.0 {
		t.Fatalf("value not rolled back after failed create: x=%v (want 1.0)", fields["x"])
	}
	if clocks["x"] != remoteClock {
		t.Fatalf("clock not rolled back after failed create: got %+v want %+v", clocks["x"], remoteClock)
	}
	if deleted {
		t.Fatalf("tombstone flag changed by a failed create")
	}
}

func TestCreateRollbackRemovesNewObject(t *testing.T) {
	boom := errors.New("network down")
	transport := &fakeTransport{errs: []error{boom, boom, boom}}
	w := newTestWriter(t, transport)

	err := w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if _, _, _, ok := w.Object("obj-1"); ok {
		t.Fatalf("object must vanish when its create never delivered")
	}
}

func TestDeliveryRetriesTransientFailure(t *testing.T) {
	transport := &fakeTransport{errs: []error{errors.New("transient")}}
	w := newTestWriter(t, transport)

	if err := w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(transport.sent) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(transport.sent))
	}
}

func TestDeleteTombstonesLocally(t *testing.T) {
	w := newTestWriter(t, &fakeTransport{})

	if err := w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Delete(context.Background(), "obj-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, _, deleted, ok := w.Object("obj-1")
	if !ok || !deleted {
		t.Fatalf("object must be tombstoned after delete")
	}

	pending := w.Pending()
	last := pending[len(pending)-1]
	if _, ok := last.Change.TombstoneClock(); !ok {
		t.Fatalf("delete envelope missing tombstone clock: %+v", last.Change)
	}
}

func TestUpdateUnknownObject(t *testing.T) {
	w := newTestWriter(t, &fakeTransport{})
	if err := w.Update(context.Background(), "ghost", map[types.FieldName]any{"x": 1.0}); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
	if err := w.Delete(context.Background(), "ghost"); !errors.Is(err, ErrUnknownObject) {
		t.Fatalf("expected ErrUnknownObject, got %v", err)
	}
}

func TestAckDrainsPendingQueue(t *testing.T) {
	w := newTestWriter(t, &fakeTransport{})

	_ = w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0})
	_ = w.Update(context.Background(), "obj-1", map[types.FieldName]any{"x": 2.0})

	pending := w.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending changes, got %d", len(pending))
	}

	w.Ack(pending[0].ChangeID)
	rest := w.Pending()
	if len(rest) != 1 || rest[0].ChangeID != pending[1].ChangeID {
		t.Fatalf("ack removed the wrong entry: %+v", rest)
	}
}

func TestApplyRemoteMergesAndRevives(t *testing.T) {
	w := newTestWriter(t, &fakeTransport{})

	_ = w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0})
	_ = w.Delete(context.Background(), "obj-1")

	remote := types.Envelope{
		BoardID:  "board-1",
		ChangeID: "remote-1",
		NodeID:   "writer-2",
		Change: types.Change{
			Action:   types.ActionUpdate,
			ObjectID: "obj-1",
			Fields:   map[types.FieldName]any{"x": 42.0},
			Clocks:   types.FieldClocks{"x": {Ts: 99999, C: 0, N: "writer-2"}},
		},
	}
	if !w.ApplyRemote(remote) {
		t.Fatalf("dominant remote update must merge")
	}

	fields, _, deleted, _ := w.Object("obj-1")
	if deleted {
		t.Fatalf("winning remote edit must revive the tombstoned object")
	}
	if fields["x"] != 42.0 {
		t.Fatalf("remote value not adopted, got %v", fields["x"])
	}

	// Reapplying the same envelope is a no-op.
	if w.ApplyRemote(remote) {
		t.Fatalf("duplicate remote change must not merge twice")
	}

	// Anything stamped after observing the remote clock dominates it.
	_ = w.Update(context.Background(), "obj-1", map[types.FieldName]any{"x": 43.0})
	_, clocks, _, _ := w.Object("obj-1")
	if !clocks["x"].After(remote.Change.Clocks["x"]) {
		t.Fatalf("local clock must dominate observed remote clocks, got %+v", clocks["x"])
	}
}

func TestApplyRemoteSkipsOwnEcho(t *testing.T) {
	w := newTestWriter(t, &fakeTransport{})
	_ = w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0})

	echo := w.Pending()[0]
	if w.ApplyRemote(echo) {
		t.Fatalf("a writer must ignore its own broadcast echo")
	}
}

func TestApplyRemoteStaleDeleteLoses(t *testing.T) {
	w := newTestWriter(t, &fakeTransport{})
	_ = w.Create(context.Background(), "obj-1", map[types.FieldName]any{"x": 1.0})
	_, clocks, _, _ := w.Object("obj-1")

	stale := types.HLC{Ts: clocks["x"].Ts - 1, C: 0, N: "writer-2"}
	del := types.Envelope{
		NodeID: "writer-2",
		Change: types.Change{
			Action:   types.ActionDelete,
			ObjectID: "obj-1",
			Clocks:   types.FieldClocks{types.FieldDeleted: stale},
		},
	}
	if w.ApplyRemote(del) {
		t.Fatalf("stale delete must not tombstone the object")
	}
	if _, _, deleted, _ := w.Object("obj-1"); deleted {
		t.Fatalf("object wrongly tombstoned by a stale delete")
	}
}
