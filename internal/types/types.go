package types

import (
	"errors"
	"fmt"
	"time"
)

// BoardID identifies a collaborative canvas board.
type BoardID string

// ObjectID identifies a single graphical object on a board.
type ObjectID string

// FieldName names one mutable field of an object.
type FieldName string

// FieldDeleted is the reserved key under which a Delete change carries its
// tombstone clock. It never appears in an object's field map.
const FieldDeleted FieldName = "_deleted"

// HLC is a hybrid logical clock: a wall-clock millisecond timestamp, a logical
// counter for events within the same millisecond, and the writer identity as
// the final tie breaker. Ordering (ts, c, n) lexicographically yields a total,
// causality-respecting order.
type HLC struct {
	Ts int64  `json:"ts"`
	C  uint64 `json:"c"`
	N  string `json:"n"`
}

// After reports whether h is strictly greater than other.
func (h HLC) After(other HLC) bool {
	if h.Ts != other.Ts {
		return h.Ts > other.Ts
	}
	if h.C != other.C {
		return h.C > other.C
	}
	return h.N > other.N
}

// Compare returns -1, 0 or 1 so clocks can be used in stable sort contexts.
func (h HLC) Compare(other HLC) int {
	switch {
	case h.After(other):
		return 1
	case other.After(h):
		return -1
	default:
		return 0
	}
}

// IsZero reports whether the clock has never been set.
func (h HLC) IsZero() bool {
	return h.Ts == 0 && h.C == 0 && h.N == ""
}

// FieldClocks maps each field of an object to the clock that most recently won
// it. Key order carries no meaning.
type FieldClocks map[FieldName]HLC

// Merge folds another clock map into the receiver, keeping the dominant clock
// per field over the union of both key sets. The operation is commutative and
// idempotent.
func (fc FieldClocks) Merge(other FieldClocks) {
	for field, clock := range other {
		if current, ok := fc[field]; !ok || clock.After(current) {
			fc[field] = clock
		}
	}
}

// Clone returns an independent copy of the clock map.
func (fc FieldClocks) Clone() FieldClocks {
	if fc == nil {
		return make(FieldClocks)
	}
	clone := make(FieldClocks, len(fc))
	for field, clock := range fc {
		clone[field] = clock
	}
	return clone
}

// Equal reports whether both maps hold identical clocks for identical keys.
func (fc FieldClocks) Equal(other FieldClocks) bool {
	if len(fc) != len(other) {
		return false
	}
	for field, clock := range fc {
		if other[field] != clock {
			return false
		}
	}
	return true
}

// Action enumerates the change kinds a writer can produce.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change is the unit of replication between writers and the reconciliation
// authority. Create and Update carry field values with one clock per touched
// field; Delete carries a single tombstone clock under FieldDeleted.
type Change struct {
	Action   Action            `json:"action"`
	ObjectID ObjectID          `json:"object_id"`
	Fields   map[FieldName]any `json:"fields,omitempty"`
	Clocks   FieldClocks       `json:"clocks"`
}

// TombstoneClock extracts the delete clock from a Delete change.
func (c Change) TombstoneClock() (HLC, bool) {
	clock, ok := c.Clocks[FieldDeleted]
	return clock, ok
}

// Validate checks structural well-formedness. A malformed change is skipped by
// the reconciliation service rather than failing the batch.
func (c Change) Validate() error {
	if c.ObjectID == "" {
		return errors.New("change missing object id")
	}
	switch c.Action {
	case ActionDelete:
		if _, ok := c.TombstoneClock(); !ok {
			return errors.New("delete change missing tombstone clock")
		}
	case ActionCreate, ActionUpdate:
		if len(c.Clocks) == 0 {
			return errors.New("change carries no field clocks")
		}
		for field := range c.Clocks {
			if field == FieldDeleted {
				return fmt.Errorf("field clock uses reserved key %q", FieldDeleted)
			}
		}
	default:
		return fmt.Errorf("unknown change action %q", c.Action)
	}
	return nil
}

// Envelope wraps a change for network delivery between writers and the
// server. NodeID identifies the originating writer so fan-out can skip the
// sender; SentAt (unix milliseconds) supports delivery latency measurement.
type Envelope struct {
	BoardID  BoardID `json:"board_id"`
	ChangeID string  `json:"change_id"`
	NodeID   string  `json:"node_id"`
	Change   Change  `json:"change"`
	SentAt   int64   `json:"sent_at,omitempty"`
}

// ObjectState is the authoritative per-object record minus its identifiers:
// field values, the causal frontier of field clocks, and the tombstone marker.
// DeletedAt is a best-known snapshot, not a terminal state; a later dominant
// edit clears it.
type ObjectState struct {
	Fields    map[FieldName]any `json:"fields"`
	Clocks    FieldClocks       `json:"clocks"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CloneFields returns an independent copy of a field value map.
func CloneFields(fields map[FieldName]any) map[FieldName]any {
	clone := make(map[FieldName]any, len(fields))
	for name, value := range fields {
		clone[name] = value
	}
	return clone
}

// Object is an ObjectState bound to its identifiers, used when listing board
// contents for export or hydration.
type Object struct {
	BoardID  BoardID  `json:"board_id"`
	ObjectID ObjectID `json:"object_id"`
	ObjectState
}
