package schema

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func int64Ptr(v int64) *int64 { return &v }

func TestRow_Validate(t *testing.T) {
	tests := []struct {
		name    string
		row     Row
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid set",
			row: Row{
				Table: TableSets, ID: "s1", UpdatedAt: 100, UpdatedBy: "A",
				Data: SetData{Title: "X"},
			},
		},
		{
			name: "tombstone without data",
			row: Row{
				Table: TableSets, ID: "s1", UpdatedAt: 100, UpdatedBy: "A",
				DeletedAt: int64Ptr(100),
			},
		},
		{
			name:    "unknown table",
			row:     Row{Table: "widgets", ID: "w1", UpdatedAt: 1, UpdatedBy: "A"},
			wantErr: true,
			errMsg:  "unknown table",
		},
		{
			name:    "missing id",
			row:     Row{Table: TableSets, UpdatedAt: 1, UpdatedBy: "A", Data: SetData{Title: "X"}},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "missing updated_at",
			row:     Row{Table: TableSets, ID: "s1", UpdatedBy: "A", Data: SetData{Title: "X"}},
			wantErr: true,
			errMsg:  "updated_at is required",
		},
		{
			name:    "missing updated_by",
			row:     Row{Table: TableSets, ID: "s1", UpdatedAt: 1, Data: SetData{Title: "X"}},
			wantErr: true,
			errMsg:  "updated_by is required",
		},
		{
			name:    "live row without data",
			row:     Row{Table: TableSets, ID: "s1", UpdatedAt: 1, UpdatedBy: "A"},
			wantErr: true,
			errMsg:  "requires data",
		},
		{
			name: "data in wrong table",
			row: Row{
				Table: TableActions, ID: "a1", UpdatedAt: 1, UpdatedBy: "A",
				Data: SetData{Title: "X"},
			},
			wantErr: true,
			errMsg:  "stored in table",
		},
		{
			name: "action without set",
			row: Row{
				Table: TableActions, ID: "a1", UpdatedAt: 1, UpdatedBy: "A",
				Data: ActionData{Title: "Stretch"},
			},
			wantErr: true,
			errMsg:  "set_id is required",
		},
		{
			name: "log ending before start",
			row: Row{
				Table: TableActionLogs, ID: "l1", UpdatedAt: 1, UpdatedBy: "A",
				Data: ActionLogData{ActionID: "a1", StartedAt: 50, EndedAt: int64Ptr(10)},
			},
			wantErr: true,
			errMsg:  "before started_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.row.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestBatch_JSONRoundTrip(t *testing.T) {
	ended := int64(2000)
	in := Batch{
		TableSets: {
			{Table: TableSets, ID: "s1", UpdatedAt: 100, UpdatedBy: "A", Priority: ClassPointer,
				Data: SetData{Title: "X", Order: 2}},
			{Table: TableSets, ID: "s2", UpdatedAt: 101, UpdatedBy: "A", DeletedAt: int64Ptr(101)},
		},
		TableActionLogs: {
			{Table: TableActionLogs, ID: "l1", UpdatedAt: 102, UpdatedBy: "B",
				Data: ActionLogData{ActionID: "a1", StartedAt: 1000, EndedAt: &ended, DurationMs: 1000}},
		},
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out Batch
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if out.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", out.Len())
	}

	set, ok := out[TableSets][0].Data.(SetData)
	if !ok {
		t.Fatalf("expected SetData, got %T", out[TableSets][0].Data)
	}
	if set.Title != "X" || set.Order != 2 {
		t.Errorf("unexpected set data: %+v", set)
	}
	if out[TableSets][0].Priority != ClassPointer {
		t.Errorf("priority lost: %q", out[TableSets][0].Priority)
	}

	tomb := out[TableSets][1]
	if !tomb.IsTombstone() || tomb.Data != nil {
		t.Errorf("expected tombstone without data, got %+v", tomb)
	}

	log, ok := out[TableActionLogs][0].Data.(ActionLogData)
	if !ok {
		t.Fatalf("expected ActionLogData, got %T", out[TableActionLogs][0].Data)
	}
	if log.EndedAt == nil || *log.EndedAt != 2000 {
		t.Errorf("ended_at lost: %+v", log)
	}
}

func TestBatch_UnmarshalTableFromKey(t *testing.T) {
	raw := `{"actions":[{"id":"a1","updated_at":5,"updated_by":"A","deleted_at":null,"data":{"set_id":"s1","title":"Stretch"}}]}`

	var b Batch
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	row := b[TableActions][0]
	if row.Table != TableActions {
		t.Errorf("expected table from key, got %q", row.Table)
	}
	if _, ok := row.Data.(ActionData); !ok {
		t.Errorf("expected ActionData, got %T", row.Data)
	}
	if row.IsTombstone() {
		t.Error("null deleted_at should decode as live")
	}
}

func TestBatch_UnmarshalRejects(t *testing.T) {
	cases := map[string]string{
		"unknown table":  `{"widgets":[]}`,
		"table mismatch": `{"sets":[{"table":"actions","id":"x","updated_at":1,"updated_by":"A","data":null}]}`,
		"bad data":       `{"sets":[{"id":"x","updated_at":1,"updated_by":"A","data":{"title":5}}]}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var b Batch
			if err := json.Unmarshal([]byte(raw), &b); err == nil {
				t.Errorf("expected error for %s", raw)
			}
		})
	}
}

func TestBatch_ReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.json")
	in := Batch{}
	in.Add(
		Row{Table: TableSets, ID: "s1", UpdatedAt: 1, UpdatedBy: "A", Data: SetData{Title: "X"}},
		Row{Table: TableActions, ID: "a1", UpdatedAt: 1, UpdatedBy: "A", Data: ActionData{SetID: "s1", Title: "Y"}},
	)

	if err := WriteBatchFile(path, in); err != nil {
		t.Fatalf("WriteBatchFile failed: %v", err)
	}

	out, err := ReadBatchFile(path)
	if err != nil {
		t.Fatalf("ReadBatchFile failed: %v", err)
	}
	if err := out.Validate(); err != nil {
		t.Errorf("read batch does not validate: %v", err)
	}
	if got := out.Tables(); len(got) != 2 || got[0] != TableActions || got[1] != TableSets {
		t.Errorf("unexpected tables: %v", got)
	}
}

func TestParseTables(t *testing.T) {
	all, err := ParseTables(nil)
	if err != nil {
		t.Fatalf("ParseTables(nil) failed: %v", err)
	}
	if len(all) != len(AllTables) {
		t.Errorf("expected all tables, got %v", all)
	}

	got, err := ParseTables([]string{"sets", "sets", "actions"})
	if err != nil {
		t.Fatalf("ParseTables failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("duplicates should be dropped, got %v", got)
	}

	if _, err := ParseTables([]string{"widgets"}); err == nil {
		t.Error("expected error for unknown table")
	}
}
