package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Table names a synchronized row table.
type Table string

const (
	// TableSets holds user-defined sets (routines, decks).
	TableSets Table = "sets"
	// TableActions holds the actions belonging to a set.
	TableActions Table = "actions"
	// TableActionLogs holds timed executions of actions.
	TableActionLogs Table = "action_logs"
)

// AllTables lists every known table in a stable order.
var AllTables = []Table{TableSets, TableActions, TableActionLogs}

// Valid reports whether t is a known table.
func (t Table) Valid() bool {
	switch t {
	case TableSets, TableActions, TableActionLogs:
		return true
	default:
		return false
	}
}

// ParseTables converts names to tables, rejecting unknown ones.
// An empty list selects every table.
func ParseTables(names []string) ([]Table, error) {
	if len(names) == 0 {
		return append([]Table(nil), AllTables...), nil
	}

	tables := make([]Table, 0, len(names))
	seen := make(map[Table]bool, len(names))
	for _, name := range names {
		t := Table(name)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		tables = append(tables, t)
	}
	return tables, nil
}

// RowData is the table-specific field bag of a row.
// The set of implementations is closed; see DecodeData.
type RowData interface {
	// Table returns the table this payload belongs to.
	Table() Table
	// Validate checks the payload's own fields.
	Validate() error

	rowData()
}

// SetData is the payload of a row in the sets table.
type SetData struct {
	Title string `json:"title"`
	Order int    `json:"order"`
	Color string `json:"color,omitempty"`
}

func (SetData) Table() Table { return TableSets }
func (SetData) rowData()     {}

// Validate checks the set fields.
func (d SetData) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(d.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(d.Title))
	}
	return nil
}

// ActionData is the payload of a row in the actions table.
// SetID is a plain foreign key; nothing enforces that the set exists.
type ActionData struct {
	SetID string `json:"set_id"`
	Title string `json:"title"`
	Order int    `json:"order"`
	Done  bool   `json:"done,omitempty"`
}

func (ActionData) Table() Table { return TableActions }
func (ActionData) rowData()     {}

// Validate checks the action fields.
func (d ActionData) Validate() error {
	if d.SetID == "" {
		return fmt.Errorf("set_id is required")
	}
	if d.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// ActionLogData is the payload of a row in the action_logs table.
type ActionLogData struct {
	ActionID   string `json:"action_id"`
	SetID      string `json:"set_id,omitempty"`
	StartedAt  int64  `json:"started_at"`
	EndedAt    *int64 `json:"ended_at,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

func (ActionLogData) Table() Table { return TableActionLogs }
func (ActionLogData) rowData()     {}

// Validate checks the log fields.
func (d ActionLogData) Validate() error {
	if d.ActionID == "" {
		return fmt.Errorf("action_id is required")
	}
	if d.StartedAt <= 0 {
		return fmt.Errorf("started_at is required")
	}
	if d.EndedAt != nil && *d.EndedAt < d.StartedAt {
		return fmt.Errorf("ended_at (%d) is before started_at (%d)", *d.EndedAt, d.StartedAt)
	}
	if d.DurationMs < 0 {
		return fmt.Errorf("duration_ms must not be negative (got %d)", d.DurationMs)
	}
	return nil
}

// DecodeData decodes a raw data payload for the given table.
// An empty or null payload decodes to nil, which is only valid for tombstones.
func DecodeData(table Table, raw json.RawMessage) (RowData, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	switch table {
	case TableSets:
		var d SetData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("failed to decode %s data: %w", table, err)
		}
		return d, nil
	case TableActions:
		var d ActionData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("failed to decode %s data: %w", table, err)
		}
		return d, nil
	case TableActionLogs:
		var d ActionLogData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("failed to decode %s data: %w", table, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}
