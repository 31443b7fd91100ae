// Package rowsync implements batch synchronization of row tables.
//
// Overview
//
// Rows live in a small set of tables (sets, actions, action logs) owned by a
// user. Devices exchange them with the sync authority in two directions:
//
//	Pull: (user, since, tables) → {server_time_ms, diffs per table}
//	Push: (user, device, changes per table) → {server_time_ms, accepted}
//
// Deletions are tombstones (rows with deleted_at set). They flow through
// pull and push like any other write. A row missing from a diff means
// "unchanged since the cursor", never "deleted".
//
// Merging
//
// Pulled diffs are merged by an Applier (package merge for memory, package
// replica for SQLite). An incoming row replaces the held one only if it
// strictly dominates it by (updated_at, priority class, updated_by). The
// order is total, so applying the same diffs repeatedly or in any order
// converges to the same state.
//
// Cursor
//
// The cursor is the server time returned by the last pull whose diffs were
// applied. It only moves forward and only after the apply succeeded:
//
//	since := cursor.Load()
//	env, _ := s.Pull(ctx, user, since, tables)
//	applier.Apply(ctx, env.Diffs)
//	cursor.Advance(env.ServerTimeMs)
//
// Session does exactly this in PullOnce.
//
// Usage
//
//	client := transport.New(baseURL, transport.WithToken(token))
//	sess, err := rowsync.NewSession(
//	    rowsync.New(client, nil),
//	    rowsync.ReplicaApplier(merge.NewReplica(schema.DefaultTieBreak)),
//	    rowsync.NewCursor(0, nil),
//	    rowsync.SessionConfig{UserID: "u1", Writer: schema.Writer{DeviceID: "laptop", Priority: schema.ClassPointer}},
//	)
//	if err != nil {
//	    return err
//	}
//	if _, _, err := sess.Sync(ctx); err != nil {
//	    return err
//	}
//
// Concurrency
//
// Synchronizer implementations are stateless and safe for concurrent use.
// Session serializes access to its pending queue; pulls may run concurrently
// with each other (the stream and poll paths of package realtime do this).
package rowsync
