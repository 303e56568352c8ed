package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/canvas-sync/internal/types"
)

// fakeTx records the statements the mutation body issues. Every read reports
// a missing row, the case where FOR UPDATE alone would lock nothing.
type fakeTx struct {
	statements []string
}

type noRow struct{}

func (noRow) Scan(...any) error { return pgx.ErrNoRows }

func (f *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.statements = append(f.statements, sql)
	return noRow{}
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.statements = append(f.statements, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) indexOf(fragment string) int {
	for i, stmt := range f.statements {
		if strings.Contains(stmt, fragment) {
			return i
		}
	}
	return -1
}

func TestMutateLocksMissingObjectBeforeReading(t *testing.T) {
	tx := &fakeTx{}

	wrote, err := mutateInTx(context.Background(), tx, "board-1", "obj-1", func(current types.ObjectState, exists bool) (types.ObjectState, bool, error) {
		if exists {
			t.Fatalf("fake reports no row; exists must be false")
		}
		current.Fields["x"] = 1.0
		current.Clocks["x"] = types.HLC{Ts: 100, C: 0, N: "alice"}
		return current, true, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if !wrote {
		t.Fatalf("expected a write for a winning create")
	}

	lock := tx.indexOf("pg_advisory_xact_lock")
	read := tx.indexOf("FOR UPDATE")
	upsert := tx.indexOf("INSERT INTO canvas_objects")
	if lock == -1 {
		t.Fatalf("missing-row mutation must take the advisory lock, got %v", tx.statements)
	}
	if read == -1 || upsert == -1 {
		t.Fatalf("expected locked read and upsert, got %v", tx.statements)
	}
	if !(lock < read && read < upsert) {
		t.Fatalf("statements out of order: lock=%d read=%d upsert=%d", lock, read, upsert)
	}
}

func TestMutateSkipsWriteWhenDecisionDeclines(t *testing.T) {
	tx := &fakeTx{}

	wrote, err := mutateInTx(context.Background(), tx, "board-1", "ghost", func(current types.ObjectState, _ bool) (types.ObjectState, bool, error) {
		return current, false, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if wrote {
		t.Fatalf("declined decision must not report a write")
	}
	if tx.indexOf("INSERT INTO canvas_objects") != -1 {
		t.Fatalf("declined decision must not upsert, got %v", tx.statements)
	}
}

func TestMutatePropagatesDecisionError(t *testing.T) {
	tx := &fakeTx{}
	boom := errors.New("merge failed")

	_, err := mutateInTx(context.Background(), tx, "board-1", "obj-1", func(current types.ObjectState, _ bool) (types.ObjectState, bool, error) {
		return current, false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected decision error to propagate, got %v", err)
	}
}
