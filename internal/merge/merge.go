// Package merge implements the dominance rule that makes row sync convergent.
//
// For every (table, id) the authoritative version is the greatest one under
// Compare. Compare is a total order, so folding any set of versions in any
// order, any number of times, ends in the same state.
package merge

import (
	"bytes"
	"cmp"
	"encoding/json"

	"github.com/focusdeck/syncd/internal/schema"
)

// Compare orders two versions of the same row.
// Returns a positive number if a dominates b, negative if b dominates a,
// and zero only when both versions are indistinguishable.
//
// Keys, in order:
//  1. UpdatedAt
//  2. tie-break rank of the writer's priority class
//  3. UpdatedBy, lexically
//  4. tombstone over live
//  5. canonical JSON of the payload, lexically
func Compare(a, b schema.Row, tb schema.TieBreak) int {
	if c := cmp.Compare(a.UpdatedAt, b.UpdatedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(tb.Rank(a.Priority), tb.Rank(b.Priority)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.UpdatedBy, b.UpdatedBy); c != 0 {
		return c
	}
	if a.IsTombstone() != b.IsTombstone() {
		if a.IsTombstone() {
			return 1
		}
		return -1
	}
	if a.IsTombstone() {
		if c := cmp.Compare(*a.DeletedAt, *b.DeletedAt); c != 0 {
			return c
		}
	}
	return bytes.Compare(canonical(a.Data), canonical(b.Data))
}

// Dominates reports whether incoming strictly dominates held.
// Equal versions do not dominate each other, which makes re-application a no-op.
func Dominates(incoming, held schema.Row, tb schema.TieBreak) bool {
	return Compare(incoming, held, tb) > 0
}

// Winner returns the dominant version of two versions of the same row.
func Winner(a, b schema.Row, tb schema.TieBreak) schema.Row {
	if Compare(b, a, tb) > 0 {
		return b
	}
	return a
}

func canonical(d schema.RowData) []byte {
	if d == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return b
}
