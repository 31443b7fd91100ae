package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// fileRecord is what a FileAdapter writes under an intent's key.
type fileRecord struct {
	Writer string `json:"writer"`
	Signal Signal `json:"signal"`
}

// FileAdapter delivers signals through a directory of small JSON files,
// one key per intent, observed with fsnotify. Any process watching the same
// directory hears every write, which makes this the cross-process path.
// A write is never delivered back to the adapter that made it.
type FileAdapter struct {
	dir    string
	id     string
	logger *log.Logger

	watcher *fsnotify.Watcher
	reg     *registry

	// last nonce delivered per key; one write can raise several events.
	seenMu sync.Mutex
	seen   map[string]string

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewFileAdapter watches dir (creating it if needed) and starts delivering.
// The caller MUST call Close() when done.
//
// If logger is nil, a default logger writing to stderr is used.
func NewFileAdapter(dir string, logger *log.Logger) (*FileAdapter, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bus directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch bus directory %s: %w", dir, err)
	}

	a := &FileAdapter{
		dir:     dir,
		id:      uuid.NewString(),
		logger:  logger,
		watcher: watcher,
		reg:     newRegistry(),
		seen:    make(map[string]string),
		done:    make(chan struct{}),
	}

	a.wg.Add(1)
	go a.processEvents()

	return a, nil
}

// Name implements Adapter.
func (a *FileAdapter) Name() string { return "file" }

// Dir returns the watched directory.
func (a *FileAdapter) Dir() string { return a.dir }

func (a *FileAdapter) keyPath(intent Intent) string {
	return filepath.Join(a.dir, string(intent)+".json")
}

// Publish writes the signal under its intent's key. The write goes through
// a temp file and a rename so watchers never read a partial record.
func (a *FileAdapter) Publish(_ context.Context, sig Signal) error {
	if a.closed.Load() {
		return errClosed
	}

	data, err := json.Marshal(fileRecord{Writer: a.id, Signal: sig})
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	tmp, err := os.CreateTemp(a.dir, ".signal-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write signal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, a.keyPath(sig.Intent)); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// Subscribe implements Adapter.
func (a *FileAdapter) Subscribe(h Handler) (func(), error) {
	if a.closed.Load() {
		return nil, errClosed
	}
	return a.reg.add(h), nil
}

// Close stops watching and waits for the event loop to exit.
func (a *FileAdapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(a.done)
	err := a.watcher.Close()
	a.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// processEvents turns key writes into deliveries.
func (a *FileAdapter) processEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.done:
			return

		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, ok := a.intentOf(event.Name); !ok {
				continue
			}
			a.handleKeyChange(event.Name)

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Printf("Watcher error: %v", err)
		}
	}
}

// intentOf maps a key file name back to its intent.
func (a *FileAdapter) intentOf(path string) (Intent, bool) {
	if filepath.Dir(path) != filepath.Clean(a.dir) {
		return "", false
	}
	name := filepath.Base(path)
	for _, intent := range []Intent{IntentPull, IntentPush} {
		if name == string(intent)+".json" {
			return intent, true
		}
	}
	return "", false
}

func (a *FileAdapter) handleKeyChange(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Replaced again before we got to it; the next event covers it.
		if !errors.Is(err, os.ErrNotExist) {
			a.logger.Printf("Failed to read signal %s: %v", path, err)
		}
		return
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		a.logger.Printf("Skipping malformed signal %s: %v", path, err)
		return
	}
	if rec.Writer == a.id {
		return
	}

	a.seenMu.Lock()
	if a.seen[path] == rec.Signal.Nonce {
		a.seenMu.Unlock()
		return
	}
	a.seen[path] = rec.Signal.Nonce
	a.seenMu.Unlock()

	a.reg.deliver(rec.Signal)
}
