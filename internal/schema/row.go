package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Row is one version of a row in a synchronized table.
// The authoritative state of (Table, ID) is the version that dominates every
// other version ever observed; see package merge.
type Row struct {
	// ===== Identity =====
	Table  Table
	ID     string
	UserID string

	// ===== Write bookkeeping =====
	UpdatedAt int64 // ms since epoch, assigned by the writing client
	UpdatedBy string
	Priority  PriorityClass

	// DeletedAt marks a tombstone when non-nil.
	DeletedAt *int64

	// Data is nil only for tombstones that dropped their payload.
	Data RowData
}

// Key identifies a row across tables.
type Key struct {
	Table Table
	ID    string
}

// Key returns the (table, id) key of the row.
func (r Row) Key() Key {
	return Key{Table: r.Table, ID: r.ID}
}

// IsTombstone reports whether the row marks a deletion.
func (r Row) IsTombstone() bool {
	return r.DeletedAt != nil
}

// Tombstone returns a copy of the row marked deleted at the given time.
// The payload is kept so a later resurrection can be compared against it.
func (r Row) Tombstone(at int64) Row {
	deleted := at
	r.DeletedAt = &deleted
	return r
}

// Validate checks that the row can be pushed or applied.
func (r Row) Validate() error {
	if !r.Table.Valid() {
		return fmt.Errorf("unknown table %q", r.Table)
	}
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.UpdatedAt <= 0 {
		return fmt.Errorf("updated_at is required")
	}
	if r.UpdatedBy == "" {
		return fmt.Errorf("updated_by is required")
	}
	if r.Data == nil {
		if !r.IsTombstone() {
			return fmt.Errorf("live row %s/%s requires data", r.Table, r.ID)
		}
		return nil
	}
	if r.Data.Table() != r.Table {
		return fmt.Errorf("data for table %s stored in table %s", r.Data.Table(), r.Table)
	}
	if err := r.Data.Validate(); err != nil {
		return fmt.Errorf("invalid %s data: %w", r.Table, err)
	}
	return nil
}

// rowWire is the JSON shape of a row. deleted_at is always present so that
// null explicitly marks a live row.
type rowWire struct {
	Table     Table           `json:"table,omitempty"`
	ID        string          `json:"id"`
	UserID    string          `json:"user_id,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
	UpdatedBy string          `json:"updated_by"`
	Priority  PriorityClass   `json:"priority_class,omitempty"`
	DeletedAt *int64          `json:"deleted_at"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON implements json.Marshaler.
func (r Row) MarshalJSON() ([]byte, error) {
	data := json.RawMessage("null")
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", r.Table, err)
		}
		data = b
	}

	return json.Marshal(rowWire{
		Table:     r.Table,
		ID:        r.ID,
		UserID:    r.UserID,
		UpdatedAt: r.UpdatedAt,
		UpdatedBy: r.UpdatedBy,
		Priority:  r.Priority,
		DeletedAt: r.DeletedAt,
		Data:      data,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
//
// The payload type is chosen by table. If the JSON omits "table", the
// receiver's Table is used, which lets Batch decode rows keyed by table name.
func (r *Row) UnmarshalJSON(b []byte) error {
	var w rowWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	table := w.Table
	if table == "" {
		table = r.Table
	}
	if table == "" {
		return fmt.Errorf("row %q has no table", w.ID)
	}

	data, err := DecodeData(table, w.Data)
	if err != nil {
		return err
	}

	*r = Row{
		Table:     table,
		ID:        w.ID,
		UserID:    w.UserID,
		UpdatedAt: w.UpdatedAt,
		UpdatedBy: w.UpdatedBy,
		Priority:  w.Priority,
		DeletedAt: w.DeletedAt,
		Data:      data,
	}
	return nil
}

// Batch groups rows by table. It is the wire shape of both pull diffs and
// push changes.
type Batch map[Table][]Row

// UnmarshalJSON implements json.Unmarshaler, decoding each row with its
// table's payload type.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var raw map[Table][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Batch, len(raw))
	for table, rows := range raw {
		if !table.Valid() {
			return fmt.Errorf("unknown table %q", table)
		}
		decoded := make([]Row, 0, len(rows))
		for _, rawRow := range rows {
			row := Row{Table: table}
			if err := row.UnmarshalJSON(rawRow); err != nil {
				return fmt.Errorf("failed to decode %s row: %w", table, err)
			}
			if row.Table != table {
				return fmt.Errorf("row %q claims table %s inside %s", row.ID, row.Table, table)
			}
			decoded = append(decoded, row)
		}
		out[table] = decoded
	}

	*b = out
	return nil
}

// Len returns the total number of rows across tables.
func (b Batch) Len() int {
	n := 0
	for _, rows := range b {
		n += len(rows)
	}
	return n
}

// Tables returns the tables present in the batch in a stable order.
func (b Batch) Tables() []Table {
	tables := make([]Table, 0, len(b))
	for t := range b {
		tables = append(tables, t)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	return tables
}

// Rows returns every row in the batch, ordered by table then input order.
func (b Batch) Rows() []Row {
	rows := make([]Row, 0, b.Len())
	for _, t := range b.Tables() {
		rows = append(rows, b[t]...)
	}
	return rows
}

// Add appends rows to the batch, grouping them by their Table.
func (b Batch) Add(rows ...Row) {
	for _, r := range rows {
		b[r.Table] = append(b[r.Table], r)
	}
}

// Validate checks every row and that rows sit under their own table.
func (b Batch) Validate() error {
	for table, rows := range b {
		for _, r := range rows {
			if r.Table != table {
				return fmt.Errorf("row %q of table %s stored under %s", r.ID, r.Table, table)
			}
			if err := r.Validate(); err != nil {
				return fmt.Errorf("invalid row %s/%s: %w", table, r.ID, err)
			}
		}
	}
	return nil
}

// Clone returns a copy of the batch whose row slices can be modified freely.
func (b Batch) Clone() Batch {
	out := make(Batch, len(b))
	for t, rows := range b {
		out[t] = append([]Row(nil), rows...)
	}
	return out
}

// ReadBatchFile reads a JSON batch ({"sets": [...], ...}) from disk.
// Rows are not validated; stamping usually happens after reading.
func ReadBatchFile(path string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file %s: %w", path, err)
	}

	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}

	return b, nil
}

// WriteBatchFile writes a batch to disk as pretty-printed JSON.
func WriteBatchFile(path string, b Batch) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write batch file %s: %w", path, err)
	}

	return nil
}
