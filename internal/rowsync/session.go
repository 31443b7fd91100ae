package rowsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/focusdeck/syncd/internal/merge"
	"github.com/focusdeck/syncd/internal/schema"
	"github.com/focusdeck/syncd/internal/syncerr"
)

// SessionConfig holds session configuration.
type SessionConfig struct {
	// UserID owns every row the session reads and writes.
	UserID string

	// Writer stamps local writes.
	Writer schema.Writer

	// Tables to pull (default: all tables)
	Tables []schema.Table

	// TieBreak orders exact-timestamp ties in the pending queue.
	TieBreak schema.TieBreak

	// Clock returns the current time in ms (default: wall clock).
	Clock func() int64

	// OnQueued, if set, receives the whole pending queue after a write is
	// queued and before it is pushed, so the queue can be saved first.
	OnQueued func(pending schema.Batch)

	// Logger for session activity (default: stderr logger)
	Logger *log.Logger
}

// Session ties a Synchronizer, local state and a cursor together for one
// (user, device) pair.
//
// Local writes are applied immediately and queued for push. A write that
// cannot be pushed stays queued and is retried by the next Push or Sync, so
// the device keeps working offline.
type Session struct {
	sync    Synchronizer
	applier Applier
	cursor  *Cursor
	config  SessionConfig

	mu      sync.Mutex
	pending map[schema.Key]schema.Row
}

// NewSession creates a session. The cursor is advanced only by PullOnce.
func NewSession(s Synchronizer, applier Applier, cursor *Cursor, config SessionConfig) (*Session, error) {
	if config.UserID == "" {
		return nil, syncerr.BadRequest("user id is required")
	}
	if config.Writer.DeviceID == "" {
		return nil, syncerr.BadRequest("device id is required")
	}
	tables, err := normalizeTables(config.Tables)
	if err != nil {
		return nil, err
	}
	config.Tables = tables
	if len(config.TieBreak.Order) == 0 {
		config.TieBreak = schema.DefaultTieBreak
	}
	if config.Clock == nil {
		config.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	if cursor == nil {
		cursor = NewCursor(0, nil)
	}

	return &Session{
		sync:    s,
		applier: applier,
		cursor:  cursor,
		config:  config,
		pending: make(map[schema.Key]schema.Row),
	}, nil
}

// Cursor returns the session's pull watermark.
func (s *Session) Cursor() *Cursor {
	return s.cursor
}

// Tables returns the tables the session pulls.
func (s *Session) Tables() []schema.Table {
	return s.config.Tables
}

// UserID returns the user the session syncs for.
func (s *Session) UserID() string {
	return s.config.UserID
}

// PullOnce pulls everything after the cursor, applies it and advances the
// cursor to the returned server time. Returns the number of rows applied.
//
// If applying fails the cursor stays where it was, so the same diffs are
// pulled again next time.
func (s *Session) PullOnce(ctx context.Context) (int, error) {
	env, err := s.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	return s.ApplyEnvelope(ctx, env)
}

// Fetch pulls everything after the cursor without applying it.
// The cursor does not move until the envelope goes through ApplyEnvelope.
func (s *Session) Fetch(ctx context.Context) (*schema.Envelope, error) {
	return s.sync.Pull(ctx, s.config.UserID, s.cursor.Load(), s.config.Tables)
}

// ApplyEnvelope applies a pull-shaped envelope and then advances the cursor.
// The realtime coordinator feeds stream events through here.
func (s *Session) ApplyEnvelope(ctx context.Context, env *schema.Envelope) (int, error) {
	applied, err := s.applier.Apply(ctx, env.Diffs)
	if err != nil {
		return applied, fmt.Errorf("failed to apply diffs at %d: %w", env.ServerTimeMs, err)
	}
	s.cursor.Advance(env.ServerTimeMs)
	return applied, nil
}

// ApplyDiffs applies diffs without moving the cursor.
func (s *Session) ApplyDiffs(ctx context.Context, diffs schema.Batch) (int, error) {
	applied, err := s.applier.Apply(ctx, diffs)
	if err != nil {
		return applied, fmt.Errorf("failed to apply diffs: %w", err)
	}
	return applied, nil
}

// Write stamps changes as fresh edits by this device, applies them locally
// and pushes them together with anything still pending.
//
// Every row gets the current time and this device's writer, replacing the
// bookkeeping it carried, so a row read back from the replica and edited
// wins over the version it was read from. Use WriteStamped to keep stamps
// the caller chose.
//
// The local apply always happens. If the push fails the rows remain pending
// and the push error is returned.
func (s *Session) Write(ctx context.Context, changes schema.Batch) (*schema.PushResponse, error) {
	return s.write(ctx, Restamp(changes, s.config.Writer, s.config.Clock()))
}

// WriteStamped is Write for rows that already carry their own stamps.
// Only missing bookkeeping is filled in, as Stamp does.
func (s *Session) WriteStamped(ctx context.Context, changes schema.Batch) (*schema.PushResponse, error) {
	return s.write(ctx, Stamp(changes, s.config.Writer, s.config.Clock()))
}

func (s *Session) write(ctx context.Context, stamped schema.Batch) (*schema.PushResponse, error) {
	if err := stamped.Validate(); err != nil {
		return nil, syncerr.BadRequest("%v", err)
	}

	if _, err := s.applier.Apply(ctx, stamped); err != nil {
		return nil, fmt.Errorf("failed to apply local write: %w", err)
	}

	s.enqueue(stamped)
	if s.config.OnQueued != nil {
		s.config.OnQueued(s.pendingBatch())
	}
	return s.Push(ctx)
}

// Delete tombstones the given rows at the current time and writes them.
func (s *Session) Delete(ctx context.Context, rows ...schema.Row) (*schema.PushResponse, error) {
	now := s.config.Clock()
	b := make(schema.Batch)
	for _, r := range rows {
		b.Add(r.Tombstone(now))
	}
	return s.write(ctx, Restamp(b, s.config.Writer, now))
}

// Push sends every pending row. On success the pushed rows leave the queue
// unless a newer local write replaced them meanwhile. Rows the authority
// rejects as invalid are dropped; any other failure keeps them queued.
func (s *Session) Push(ctx context.Context) (*schema.PushResponse, error) {
	batch := s.pendingBatch()
	if batch.Len() == 0 {
		return &schema.PushResponse{}, nil
	}

	resp, err := s.sync.Push(ctx, s.config.UserID, s.config.Writer.DeviceID, batch)
	if err != nil {
		if errors.Is(err, syncerr.ErrBadRequest) {
			s.config.Logger.Printf("WARNING: Dropping %d rejected rows: %v", batch.Len(), err)
			s.dequeue(batch)
		} else {
			s.config.Logger.Printf("Push failed, %d rows stay pending: %v", batch.Len(), err)
		}
		return nil, err
	}

	s.dequeue(batch)
	return resp, nil
}

// Sync pulls, then pushes pending writes.
func (s *Session) Sync(ctx context.Context) (pulled int, pushed *schema.PushResponse, err error) {
	pulled, err = s.PullOnce(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to pull: %w", err)
	}
	pushed, err = s.Push(ctx)
	if err != nil {
		return pulled, nil, fmt.Errorf("failed to push: %w", err)
	}
	return pulled, pushed, nil
}

// Restore queues rows that an earlier session already stamped and applied,
// such as a pending queue saved to disk. Nothing is applied or pushed.
func (s *Session) Restore(b schema.Batch) error {
	if err := b.Validate(); err != nil {
		return syncerr.BadRequest("%v", err)
	}
	s.enqueue(b)
	return nil
}

// Pending returns the number of rows waiting to be pushed.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// PendingBatch returns a copy of the rows waiting to be pushed.
func (s *Session) PendingBatch() schema.Batch {
	return s.pendingBatch()
}

// enqueue keeps only the dominating version of each row.
func (s *Session) enqueue(b schema.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range b.Rows() {
		held, ok := s.pending[row.Key()]
		if ok && !merge.Dominates(row, held, s.config.TieBreak) {
			continue
		}
		s.pending[row.Key()] = row
	}
}

func (s *Session) pendingBatch() schema.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make(schema.Batch)
	for _, row := range s.pending {
		b.Add(row)
	}
	return b
}

// dequeue removes pushed rows that were not replaced during the push.
func (s *Session) dequeue(pushed schema.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range pushed.Rows() {
		held, ok := s.pending[row.Key()]
		if ok && merge.Compare(held, row, s.config.TieBreak) == 0 {
			delete(s.pending, row.Key())
		}
	}
}

// ReplicaApplier adapts an in-memory replica to the Applier interface.
func ReplicaApplier(r *merge.Replica) Applier {
	return ApplierFunc(func(_ context.Context, diffs schema.Batch) (int, error) {
		return r.Apply(diffs), nil
	})
}
