package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/focusdeck/syncd/internal/bus"
	"github.com/focusdeck/syncd/internal/realtime"
	"github.com/focusdeck/syncd/internal/schema"
)

// StateData describes a coordinator transition.
type StateData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AppliedData describes rows applied to the local replica.
type AppliedData struct {
	Source  string `json:"source"`
	Applied int    `json:"applied"`
	Cursor  int64  `json:"cursor"`
}

// PushedData describes a push to the authority.
type PushedData struct {
	Accepted     int   `json:"accepted"`
	Pending      int   `json:"pending"`
	ServerTimeMs int64 `json:"server_time_ms"`
}

// SignalData describes a received bus signal.
type SignalData struct {
	Intent   string `json:"intent"`
	DeviceID string `json:"device_id,omitempty"`
	Origin   string `json:"origin"`
}

// Totals accumulates counters since the watcher started.
type Totals struct {
	State      string `json:"state"`
	Applied    int    `json:"applied"`
	Pushed     int    `json:"pushed"`
	Signals    int    `json:"signals"`
	LastCursor int64  `json:"last_cursor"`
}

// Handler turns watcher events into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	mu     sync.Mutex
	totals Totals
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
		totals: Totals{State: realtime.StateStarting.String()},
	}
}

// Totals returns a copy of the accumulated counters.
func (h *Handler) Totals() Totals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totals
}

// OnStateChange records a coordinator transition.
func (h *Handler) OnStateChange(from, to realtime.State) {
	h.mu.Lock()
	h.totals.State = to.String()
	h.mu.Unlock()

	h.send(MessageTypeState, StateData{From: from.String(), To: to.String()})
}

// OnApplied records rows applied from a pull or stream event.
func (h *Handler) OnApplied(source string, applied int, cursor int64) {
	h.mu.Lock()
	h.totals.Applied += applied
	if cursor > h.totals.LastCursor {
		h.totals.LastCursor = cursor
	}
	h.mu.Unlock()

	if applied == 0 {
		return
	}
	h.send(MessageTypeApplied, AppliedData{Source: source, Applied: applied, Cursor: cursor})
}

// OnPushed records a successful push.
func (h *Handler) OnPushed(resp *schema.PushResponse, pending int) {
	if resp == nil {
		return
	}
	h.mu.Lock()
	h.totals.Pushed += resp.Accepted
	h.mu.Unlock()

	h.send(MessageTypePushed, PushedData{
		Accepted:     resp.Accepted,
		Pending:      pending,
		ServerTimeMs: resp.ServerTimeMs,
	})
}

// OnSignal records a bus signal.
func (h *Handler) OnSignal(sig bus.Signal) {
	h.mu.Lock()
	h.totals.Signals++
	h.mu.Unlock()

	h.send(MessageTypeSignal, SignalData{
		Intent:   string(sig.Intent),
		DeviceID: sig.DeviceID,
		Origin:   sig.Origin,
	})
}

func (h *Handler) send(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
}
