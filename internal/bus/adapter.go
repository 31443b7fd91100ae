package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Adapter is one delivery path for signals. Each adapter fans out on its
// own; the bus uses several at once so that a listener reachable through
// any one of them still hears the signal.
type Adapter interface {
	// Name identifies the adapter in logs and errors.
	Name() string

	// Publish delivers sig to the adapter's listeners. Delivery is
	// asynchronous; Publish does not wait for handlers.
	Publish(ctx context.Context, sig Signal) error

	// Subscribe registers h and returns a function that unregisters it.
	Subscribe(h Handler) (dispose func(), err error)

	// Close releases the adapter's resources.
	Close() error
}

var errClosed = errors.New("adapter closed")

// registry is a concurrent set of handlers shared by the adapters.
type registry struct {
	next     atomic.Uint64
	handlers *xsync.MapOf[uint64, *entry]
}

// entry is one registered handler. live drops when it is disposed, which
// stops deliveries already spawned but not yet started.
type entry struct {
	h    Handler
	live atomic.Bool
}

func (e *entry) run(sig Signal) {
	if e.live.Load() {
		e.h(sig)
	}
}

func newRegistry() *registry {
	return &registry{handlers: xsync.NewMapOf[uint64, *entry]()}
}

func (r *registry) add(h Handler) func() {
	id := r.next.Add(1)
	e := &entry{h: h}
	e.live.Store(true)
	r.handlers.Store(id, e)
	return func() {
		e.live.Store(false)
		r.handlers.Delete(id)
	}
}

// deliver runs every handler on its own goroutine. A handler disposed
// before its goroutine starts is skipped; one already running finishes.
func (r *registry) deliver(sig Signal) {
	r.handlers.Range(func(_ uint64, e *entry) bool {
		go e.run(sig)
		return true
	})
}

func (r *registry) len() int {
	return r.handlers.Size()
}

// LocalAdapter delivers to handlers subscribed through the same adapter,
// i.e. within one execution context. It is the equivalent of posting a
// message to yourself.
type LocalAdapter struct {
	reg    *registry
	closed atomic.Bool
}

// NewLocalAdapter creates a same-context adapter.
func NewLocalAdapter() *LocalAdapter {
	return &LocalAdapter{reg: newRegistry()}
}

// Name implements Adapter.
func (a *LocalAdapter) Name() string { return "local" }

// Publish implements Adapter.
func (a *LocalAdapter) Publish(_ context.Context, sig Signal) error {
	if a.closed.Load() {
		return errClosed
	}
	a.reg.deliver(sig)
	return nil
}

// Subscribe implements Adapter.
func (a *LocalAdapter) Subscribe(h Handler) (func(), error) {
	if a.closed.Load() {
		return nil, errClosed
	}
	return a.reg.add(h), nil
}

// Close implements Adapter.
func (a *LocalAdapter) Close() error {
	a.closed.Store(true)
	return nil
}
