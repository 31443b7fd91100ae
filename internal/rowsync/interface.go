package rowsync

import (
	"context"

	"github.com/focusdeck/syncd/internal/schema"
)

// Synchronizer moves row batches between this device and the sync authority.
//
// It is a thin, typed envelope around the pull and push endpoints: it does
// not assign identifiers or timestamps and does not merge. Merging diffs is
// the job of an Applier; stamping rows is the job of Stamp or the caller.
type Synchronizer interface {
	// Pull fetches every row of the given tables whose server-side write
	// time is after since. An empty table list means every known table.
	//
	// The returned ServerTimeMs is never earlier than since and is safe to
	// use as the next since once Diffs are applied. Diffs may repeat rows
	// already seen; appliers must tolerate that.
	//
	// Example:
	//   env, err := s.Pull(ctx, "u1", cursor.Load(), schema.AllTables)
	Pull(ctx context.Context, userID string, since int64, tables []schema.Table) (*schema.Envelope, error)

	// Push submits upserts and tombstones across tables in one request.
	// Every row must already carry updated_at and updated_by.
	//
	// Returns an error wrapping syncerr.ErrBadRequest if a row is invalid;
	// nothing is sent in that case.
	//
	// Example:
	//   resp, err := s.Push(ctx, "u1", "laptop", rowsync.Stamp(changes, writer, now))
	Push(ctx context.Context, userID, deviceID string, changes schema.Batch) (*schema.PushResponse, error)
}

// Applier merges pulled diffs into local state using the dominance rule.
// Implementations must be idempotent and safe for concurrent use: the same
// diffs may arrive from the stream and the poll loop at the same time.
type Applier interface {
	// Apply returns how many rows replaced what the applier held.
	Apply(ctx context.Context, diffs schema.Batch) (int, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, diffs schema.Batch) (int, error)

// Apply implements Applier.
func (f ApplierFunc) Apply(ctx context.Context, diffs schema.Batch) (int, error) {
	return f(ctx, diffs)
}
