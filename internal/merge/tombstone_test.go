package merge

import (
	"testing"

	"github.com/example/canvas-sync/internal/types"
)

func TestDeleteWinsWhenDominant(t *testing.T) {
	clocks := types.FieldClocks{
		"x": clk(100, 0, "alice"),
		"y": clk(150, 2, "bob"),
	}
	if !DeleteWins(clk(200, 0, "carol"), clocks) {
		t.Fatalf("delete issued after every edit must win")
	}
}

func TestStaleDeleteLosesToConcurrentEdit(t *testing.T) {
	// One client deletes while another, who has seen more, keeps editing.
	// The edit's higher clock makes the delete stale.
	clocks := types.FieldClocks{
		"x": clk(100, 0, "alice"),
		"y": clk(300, 0, "bob"),
	}
	if DeleteWins(clk(200, 0, "carol"), clocks) {
		t.Fatalf("delete must lose to a field edited after it was issued")
	}
}

func TestDeleteWinsOnEqualClock(t *testing.T) {
	shared := clk(100, 0, "alice")
	if !DeleteWins(shared, types.FieldClocks{"x": shared}) {
		t.Fatalf("equal clocks share a causal origin; the delete dominates")
	}
}

func TestDeleteWinsWithNoFieldClocks(t *testing.T) {
	if !DeleteWins(clk(1, 0, "a"), nil) {
		t.Fatalf("a delete against an object with no recorded edits wins vacuously")
	}
}
