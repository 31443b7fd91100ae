// Package state persists per-device sync progress between runs.
//
// A state directory holds cursors.toml, with one [[cursor]] table per
// (user, device) pair, and a pending/ directory with the rows each pair
// wrote locally but has not pushed yet. Every write goes to a temporary file
// that is renamed into place, so a crash never leaves a torn file behind.
package state

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/focusdeck/syncd/internal/schema"
)

const cursorFile = "cursors.toml"

// Cursor is the saved progress of one (user, device) pair.
// Times are Unix milliseconds; zero means never.
type Cursor struct {
	UserID     string `toml:"user_id"`
	DeviceID   string `toml:"device_id"`
	Since      int64  `toml:"since"`
	LastPullAt int64  `toml:"last_pull_at"`
	LastPushAt int64  `toml:"last_push_at"`
	Pending    int    `toml:"pending"`
}

type cursorDoc struct {
	Cursors []Cursor `toml:"cursor"`
}

// Store reads and writes one state directory. It is safe for concurrent use
// within a process; separate processes should not share a (user, device).
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// Open creates the state directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "pending"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the cursor file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, cursorFile)
}

func (s *Store) load() (cursorDoc, error) {
	var doc cursorDoc
	if _, err := toml.DecodeFile(s.Path(), &doc); err != nil {
		if os.IsNotExist(err) {
			return cursorDoc{}, nil
		}
		return cursorDoc{}, fmt.Errorf("failed to read %s: %w", s.Path(), err)
	}
	return doc, nil
}

func (s *Store) save(doc cursorDoc) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("failed to encode cursors: %w", err)
	}
	return writeAtomic(s.Path(), buf.Bytes())
}

// List returns every saved cursor.
func (s *Store) List() ([]Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Cursors, nil
}

// Get returns the saved cursor of a pair, or a zero cursor if none exists.
func (s *Store) Get(userID, deviceID string) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return Cursor{}, err
	}
	for _, c := range doc.Cursors {
		if c.UserID == userID && c.DeviceID == deviceID {
			return c, nil
		}
	}
	return Cursor{UserID: userID, DeviceID: deviceID}, nil
}

// Update applies fn to the saved cursor of a pair and writes the result.
func (s *Store) Update(userID, deviceID string, fn func(c *Cursor)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	idx := -1
	for i, c := range doc.Cursors {
		if c.UserID == userID && c.DeviceID == deviceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		doc.Cursors = append(doc.Cursors, Cursor{UserID: userID, DeviceID: deviceID})
		idx = len(doc.Cursors) - 1
	}

	fn(&doc.Cursors[idx])
	doc.Cursors[idx].UserID = userID
	doc.Cursors[idx].DeviceID = deviceID

	return s.save(doc)
}

// Advance records a pull watermark. The saved watermark never moves
// backwards, even if callbacks arrive out of order.
func (s *Store) Advance(userID, deviceID string, since int64) error {
	now := s.now().UnixMilli()
	return s.Update(userID, deviceID, func(c *Cursor) {
		if since > c.Since {
			c.Since = since
		}
		c.LastPullAt = now
	})
}

// MarkPushed records a successful push and the queue length left behind.
func (s *Store) MarkPushed(userID, deviceID string, pending int) error {
	now := s.now().UnixMilli()
	return s.Update(userID, deviceID, func(c *Cursor) {
		c.LastPushAt = now
		c.Pending = pending
	})
}

// Reset forgets a pair's cursor and pending rows, forcing a full pull.
func (s *Store) Reset(userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	kept := doc.Cursors[:0]
	for _, c := range doc.Cursors {
		if c.UserID != userID || c.DeviceID != deviceID {
			kept = append(kept, c)
		}
	}
	doc.Cursors = kept
	if err := s.save(doc); err != nil {
		return err
	}

	if err := os.Remove(s.pendingPath(userID, deviceID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pending rows: %w", err)
	}
	return nil
}

func (s *Store) pendingPath(userID, deviceID string) string {
	name := url.PathEscape(userID) + "@" + url.PathEscape(deviceID) + ".json"
	return filepath.Join(s.dir, "pending", name)
}

// SavePending replaces the saved pending rows of a pair. An empty batch
// removes the file.
func (s *Store) SavePending(userID, deviceID string, b schema.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pendingPath(userID, deviceID)
	if b.Len() == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove pending rows: %w", err)
		}
		return nil
	}

	tmp := path + ".tmp"
	if err := schema.WriteBatchFile(tmp, b); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to save pending rows: %w", err)
	}
	return nil
}

// LoadPending returns the saved pending rows of a pair, or an empty batch.
func (s *Store) LoadPending(userID, deviceID string) (schema.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pendingPath(userID, deviceID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return schema.Batch{}, nil
	}
	return schema.ReadBatchFile(path)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
