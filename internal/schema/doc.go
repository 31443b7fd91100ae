// Package schema defines the row and document shapes exchanged with the sync authority.
//
// # Overview
//
// Tabular state is stored as rows grouped by table. Every row carries the
// bookkeeping needed for last-writer-wins merging:
//
//	{
//	  "id": "s1",
//	  "updated_at": 1735689600000,
//	  "updated_by": "device-a",
//	  "priority_class": "pointer",
//	  "deleted_at": null,
//	  "data": {"title": "Morning", "order": 1}
//	}
//
// # Tables
//
// The set of tables is closed. Each table has its own typed data bag:
//   - sets - SetData (title, order, color)
//   - actions - ActionData (set_id, title, order, done)
//   - action_logs - ActionLogData (action_id, set_id, started_at, ended_at, duration_ms)
//
// Decoding a data payload is driven by the table name, so a type switch on
// RowData is exhaustive over the known tables.
//
// # Tombstones
//
// A row with deleted_at set is a tombstone. Tombstones flow through pull and
// push like any other write and take part in the dominance ordering. They are
// never omitted from a diff just because they are deleted.
//
// # Tie-breaks
//
// The writer's priority class is an explicit field, not a prefix inside
// updated_by. TieBreak lists the classes from strongest to weakest; the
// default lets pointer devices win exact-timestamp ties over touch devices.
// Rows written before the field existed encode the class as "<tag>:<device>"
// in updated_by; ParseLegacyWriter recovers it.
//
// # Usage Examples
//
//	changes := schema.Batch{
//	    schema.TableSets: {
//	        {ID: "s1", Data: schema.SetData{Title: "Morning", Order: 1}},
//	    },
//	}
//	if err := changes.Validate(); err != nil {
//	    return err
//	}
package schema
