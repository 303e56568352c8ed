package merge

import "github.com/example/canvas-sync/internal/types"

// DeleteWins reports whether a delete with the given tombstone clock is
// causally dominant over every field edit on record. Equal clocks count as
// dominated (same causal origin). If any field clock is strictly greater the
// delete is stale: an edit happened after the delete was issued, and the
// delete must not retroactively erase it.
//
// Applying a winning delete only sets the tombstone marker; the field clocks
// stay in place as the causal frontier for future edits and future deletes.
// Any later accepted field edit clears the tombstone unconditionally
// (add-wins: a surviving edit always un-deletes).
func DeleteWins(deleteClock types.HLC, fieldClocks types.FieldClocks) bool {
	for _, clock := range fieldClocks {
		if clock.After(deleteClock) {
			return false
		}
	}
	return true
}
