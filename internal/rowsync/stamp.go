package rowsync

import (
	"github.com/focusdeck/syncd/internal/schema"
)

// Stamp returns a copy of changes with write bookkeeping filled in.
//
// Rows without updated_at get now, rows without updated_by get the writer's
// device id, and rows without a priority class get the writer's class (or
// the class encoded in a legacy "<tag>:<device>" updated_by). Values the
// caller already set are kept. Rows are also placed under their map key's
// table if they did not name one.
func Stamp(changes schema.Batch, w schema.Writer, now int64) schema.Batch {
	out := make(schema.Batch, len(changes))
	for table, rows := range changes {
		stamped := make([]schema.Row, len(rows))
		for i, row := range rows {
			if row.Table == "" {
				row.Table = table
			}
			if row.UpdatedAt == 0 {
				row.UpdatedAt = now
			}
			if row.UpdatedBy == "" {
				row.UpdatedBy = w.DeviceID
			}
			if row.Priority == schema.ClassUnknown {
				if class, _ := schema.ParseLegacyWriter(row.UpdatedBy); class != schema.ClassUnknown {
					row.Priority = class
				} else if row.UpdatedBy == w.DeviceID {
					row.Priority = w.Priority
				}
			}
			stamped[i] = row
		}
		out[table] = stamped
	}
	return out
}

// Restamp is Stamp for fresh local edits: every row gets now and the
// writer's device id and class, whatever it carried before.
func Restamp(changes schema.Batch, w schema.Writer, now int64) schema.Batch {
	cleared := make(schema.Batch, len(changes))
	for table, rows := range changes {
		fresh := make([]schema.Row, len(rows))
		for i, row := range rows {
			row.UpdatedAt = 0
			row.UpdatedBy = ""
			row.Priority = schema.ClassUnknown
			fresh[i] = row
		}
		cleared[table] = fresh
	}
	return Stamp(cleared, w, now)
}
