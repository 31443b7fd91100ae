package merge

import (
	"sort"
	"sync"

	"github.com/focusdeck/syncd/internal/schema"
)

// Replica is an in-memory row store that applies diffs with the dominance rule.
// It is safe for concurrent use; the streaming and polling paths may apply
// into the same replica at the same time.
type Replica struct {
	mu       sync.RWMutex
	rows     map[schema.Key]schema.Row
	tieBreak schema.TieBreak
}

// NewReplica creates an empty replica using the given tie-break table.
func NewReplica(tb schema.TieBreak) *Replica {
	return &Replica{
		rows:     make(map[schema.Key]schema.Row),
		tieBreak: tb,
	}
}

// Apply merges every row of the batch and returns how many rows changed
// the replica. Rows that do not strictly dominate the held version are
// discarded.
func (r *Replica) Apply(b schema.Batch) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	for table, rows := range b {
		for _, row := range rows {
			if row.Table == "" {
				row.Table = table
			}
			if r.applyLocked(row) {
				applied++
			}
		}
	}
	return applied
}

// ApplyRow merges a single row. Returns true if it replaced the held version.
func (r *Replica) ApplyRow(row schema.Row) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(row)
}

func (r *Replica) applyLocked(row schema.Row) bool {
	key := row.Key()
	held, ok := r.rows[key]
	if ok && !Dominates(row, held, r.tieBreak) {
		return false
	}
	r.rows[key] = row
	return true
}

// Get returns the authoritative version of a row, tombstones included.
func (r *Replica) Get(table schema.Table, id string) (schema.Row, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.rows[schema.Key{Table: table, ID: id}]
	return row, ok
}

// Live returns the non-deleted rows of a table sorted by ID.
func (r *Replica) Live(table schema.Table) []schema.Row {
	return r.collect(table, false)
}

// All returns every row of a table, tombstones included, sorted by ID.
func (r *Replica) All(table schema.Table) []schema.Row {
	return r.collect(table, true)
}

func (r *Replica) collect(table schema.Table, withTombstones bool) []schema.Row {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []schema.Row
	for key, row := range r.rows {
		if key.Table != table {
			continue
		}
		if row.IsTombstone() && !withTombstones {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// Snapshot returns every held row as a batch.
func (r *Replica) Snapshot() schema.Batch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b := make(schema.Batch)
	for _, row := range r.rows {
		b[row.Table] = append(b[row.Table], row)
	}
	for t := range b {
		rows := b[t]
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	}
	return b
}

// Len returns the number of rows held, tombstones included.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

// Reset drops every row, e.g. on logout.
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = make(map[schema.Key]schema.Row)
}
