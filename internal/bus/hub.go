package bus

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Hub is a named in-process broadcast channel. Every HubAdapter opened on
// the same hub hears what the others publish; an adapter does not hear its
// own publications.
type Hub struct {
	name    string
	nextID  atomic.Uint64
	members *xsync.MapOf[uint64, *HubAdapter]
}

var hubs = xsync.NewMapOf[string, *Hub]()

// OpenHub returns the process-wide hub with the given name, creating it on
// first use.
func OpenHub(name string) *Hub {
	hub, _ := hubs.LoadOrCompute(name, func() *Hub {
		return NewHub(name)
	})
	return hub
}

// NewHub creates a standalone hub not reachable through OpenHub.
func NewHub(name string) *Hub {
	return &Hub{name: name, members: xsync.NewMapOf[uint64, *HubAdapter]()}
}

// Name returns the hub name.
func (h *Hub) Name() string {
	return h.name
}

// Members returns the number of open adapters.
func (h *Hub) Members() int {
	return h.members.Size()
}

// HubAdapter is one participant of a Hub.
type HubAdapter struct {
	hub    *Hub
	id     uint64
	reg    *registry
	closed atomic.Bool
}

// NewHubAdapter joins hub.
func NewHubAdapter(hub *Hub) *HubAdapter {
	a := &HubAdapter{
		hub: hub,
		id:  hub.nextID.Add(1),
		reg: newRegistry(),
	}
	hub.members.Store(a.id, a)
	return a
}

// Name implements Adapter.
func (a *HubAdapter) Name() string { return "hub:" + a.hub.name }

// Publish implements Adapter.
func (a *HubAdapter) Publish(_ context.Context, sig Signal) error {
	if a.closed.Load() {
		return errClosed
	}
	a.hub.members.Range(func(id uint64, member *HubAdapter) bool {
		if id != a.id {
			member.reg.deliver(sig)
		}
		return true
	})
	return nil
}

// Subscribe implements Adapter.
func (a *HubAdapter) Subscribe(h Handler) (func(), error) {
	if a.closed.Load() {
		return nil, errClosed
	}
	return a.reg.add(h), nil
}

// Close leaves the hub.
func (a *HubAdapter) Close() error {
	if a.closed.CompareAndSwap(false, true) {
		a.hub.members.Delete(a.id)
	}
	return nil
}
