package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusdeck/syncd/internal/schema"
)

func setRow(id string, at int64, by string, class schema.PriorityClass, title string) schema.Row {
	return schema.Row{
		Table:     schema.TableSets,
		ID:        id,
		UpdatedAt: at,
		UpdatedBy: by,
		Priority:  class,
		Data:      schema.SetData{Title: title},
	}
}

func permutations(rows []schema.Row) [][]schema.Row {
	if len(rows) <= 1 {
		return [][]schema.Row{append([]schema.Row(nil), rows...)}
	}
	var out [][]schema.Row
	for i := range rows {
		rest := make([]schema.Row, 0, len(rows)-1)
		rest = append(rest, rows[:i]...)
		rest = append(rest, rows[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]schema.Row{rows[i]}, p...))
		}
	}
	return out
}

func TestCompare_Order(t *testing.T) {
	tb := schema.DefaultTieBreak

	older := setRow("s1", 100, "A", schema.ClassPointer, "X")
	newer := setRow("s1", 101, "A", schema.ClassTouch, "Y")
	assert.Positive(t, Compare(newer, older, tb), "later updated_at wins regardless of class")

	pointer := setRow("s1", 100, "B", schema.ClassPointer, "X")
	touch := setRow("s1", 100, "A", schema.ClassTouch, "Y")
	assert.Positive(t, Compare(pointer, touch, tb), "pointer wins exact ties by default")

	lexA := setRow("s1", 100, "A", schema.ClassUnknown, "X")
	lexB := setRow("s1", 100, "B", schema.ClassUnknown, "X")
	assert.Positive(t, Compare(lexB, lexA, tb), "equal class falls back to updated_by")

	live := setRow("s1", 100, "A", schema.ClassUnknown, "X")
	tomb := live.Tombstone(100)
	assert.Positive(t, Compare(tomb, live, tb), "tombstone wins a full tie")

	assert.Zero(t, Compare(live, live, tb))
	assert.False(t, Dominates(live, live, tb), "a version never dominates itself")
}

func TestReplica_ConvergesUnderPermutations(t *testing.T) {
	writes := []schema.Row{
		setRow("s1", 100, "A", schema.ClassPointer, "X"),
		setRow("s1", 100, "B", schema.ClassTouch, "Y"),
		setRow("s1", 99, "C", schema.ClassPointer, "Z"),
		setRow("s1", 100, "C", schema.ClassUnknown, "W").Tombstone(100),
		setRow("s2", 5, "A", schema.ClassTouch, "other"),
	}

	var want schema.Batch
	for i, perm := range permutations(writes) {
		r := NewReplica(schema.DefaultTieBreak)
		for _, w := range perm {
			r.ApplyRow(w)
		}
		got := r.Snapshot()
		if i == 0 {
			want = got
			continue
		}
		require.Equal(t, want, got, "permutation %d diverged", i)
	}

	s1 := want[schema.TableSets][0]
	assert.Equal(t, "A", s1.UpdatedBy)
	assert.Equal(t, "X", s1.Data.(schema.SetData).Title)
}

func TestReplica_IdempotentApply(t *testing.T) {
	diffs := schema.Batch{
		schema.TableSets: {
			setRow("s1", 10, "A", schema.ClassPointer, "X"),
			setRow("s2", 11, "A", schema.ClassPointer, "Y"),
		},
		schema.TableActions: {
			{Table: schema.TableActions, ID: "a1", UpdatedAt: 12, UpdatedBy: "A",
				Data: schema.ActionData{SetID: "s1", Title: "Stretch"}},
		},
	}

	r := NewReplica(schema.DefaultTieBreak)
	assert.Equal(t, 3, r.Apply(diffs))
	once := r.Snapshot()

	assert.Equal(t, 0, r.Apply(diffs), "second application changes nothing")
	assert.Equal(t, once, r.Snapshot())
}

func TestReplica_TombstonePrecedence(t *testing.T) {
	r := NewReplica(schema.DefaultTieBreak)

	r.ApplyRow(setRow("s1", 100, "A", schema.ClassPointer, "X"))
	require.Len(t, r.Live(schema.TableSets), 1)

	// A later tombstone suppresses the row from live views.
	applied := r.Apply(schema.Batch{schema.TableSets: {
		setRow("s1", 150, "A", schema.ClassPointer, "X").Tombstone(150),
	}})
	assert.Equal(t, 1, applied)
	assert.Empty(t, r.Live(schema.TableSets))
	assert.Len(t, r.All(schema.TableSets), 1, "tombstone is still held")

	// An older live write arriving late does not resurrect it.
	r.ApplyRow(setRow("s1", 120, "B", schema.ClassPointer, "stale"))
	assert.Empty(t, r.Live(schema.TableSets))

	// A strictly later live write does.
	r.ApplyRow(setRow("s1", 200, "B", schema.ClassTouch, "back"))
	live := r.Live(schema.TableSets)
	require.Len(t, live, 1)
	assert.Equal(t, "back", live[0].Data.(schema.SetData).Title)
}

func TestReplica_TieScenario(t *testing.T) {
	a := setRow("s1", 100, "A", schema.ClassPointer, "X")
	b := setRow("s1", 100, "B", schema.ClassTouch, "Y")

	deviceA := NewReplica(schema.DefaultTieBreak)
	deviceB := NewReplica(schema.DefaultTieBreak)

	deviceA.ApplyRow(a)
	deviceB.ApplyRow(b)

	// Both pull the other's write.
	deviceA.ApplyRow(b)
	deviceB.ApplyRow(a)

	for name, r := range map[string]*Replica{"A": deviceA, "B": deviceB} {
		row, ok := r.Get(schema.TableSets, "s1")
		require.True(t, ok, "device %s lost the row", name)
		assert.Equal(t, "X", row.Data.(schema.SetData).Title, "device %s", name)
	}
}

func TestReplica_ConfiguredTieBreakFlipsWinner(t *testing.T) {
	touchFirst, err := schema.ParseTieBreak([]string{"touch", "pointer"})
	require.NoError(t, err)

	r := NewReplica(touchFirst)
	r.ApplyRow(setRow("s1", 100, "A", schema.ClassPointer, "X"))
	r.ApplyRow(setRow("s1", 100, "B", schema.ClassTouch, "Y"))

	row, _ := r.Get(schema.TableSets, "s1")
	assert.Equal(t, "Y", row.Data.(schema.SetData).Title)
}

func TestReplica_Reset(t *testing.T) {
	r := NewReplica(schema.DefaultTieBreak)
	r.ApplyRow(setRow("s1", 1, "A", schema.ClassPointer, "X"))
	require.Equal(t, 1, r.Len())

	r.Reset()
	assert.Zero(t, r.Len())
}
