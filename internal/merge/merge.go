// Package merge implements the last-writer-wins field merge and the add-wins
// tombstone rule shared by every writer and the reconciliation authority. All
// functions are pure; callers provide state and persist outcomes themselves,
// so the same code path decides winners in every runtime.
package merge

import (
	"github.com/example/canvas-sync/internal/types"
)

// Versioned pairs a field value with the clock that produced it.
type Versioned struct {
	Value any
	Clock types.HLC
}

// Result describes the outcome of merging one remote change into local state.
type Result struct {
	Fields  map[types.FieldName]any
	Clocks  types.FieldClocks
	Changed bool
}

// FieldValue picks the winner for a single field. Remote wins only on a
// strictly greater clock; a tie keeps local, which is safe because equal
// clocks imply the same writer and the same event.
func FieldValue(local, remote Versioned) Versioned {
	if remote.Clock.After(local.Clock) {
		return remote
	}
	return local
}

// Fields merges incoming field values into a local record. A remote field is
// adopted when its clock dominates the local clock for that field (or no
// local clock exists) and the value is actually present in remoteFields. A
// clock without a value means the sender chose not to resend that field; it
// is skipped, never treated as an overwrite with empty.
func Fields(localFields map[types.FieldName]any, localClocks types.FieldClocks, remoteFields map[types.FieldName]any, remoteClocks types.FieldClocks) Result {
	merged := types.CloneFields(localFields)
	clocks := localClocks.Clone()

	changed := false
	for field, remoteClock := range remoteClocks {
		if field == types.FieldDeleted {
			continue
		}
		if localClock, ok := clocks[field]; ok && !remoteClock.After(localClock) {
			continue
		}
		value, present := remoteFields[field]
		if !present {
			continue
		}
		merged[field] = value
		clocks[field] = remoteClock
		changed = true
	}

	return Result{Fields: merged, Clocks: clocks, Changed: changed}
}

// Stamp assigns the same clock to every named field, used when a writer
// touches a fixed set of fields in one logical transaction.
func Stamp(fields []types.FieldName, clock types.HLC) types.FieldClocks {
	stamped := make(types.FieldClocks, len(fields))
	for _, field := range fields {
		stamped[field] = clock
	}
	return stamped
}
