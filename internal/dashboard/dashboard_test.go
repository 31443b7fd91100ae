package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/focusdeck/syncd/internal/bus"
	"github.com/focusdeck/syncd/internal/realtime"
	"github.com/focusdeck/syncd/internal/schema"
)

func startServer(t *testing.T, config *Config) *Server {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	config.Addr = "127.0.0.1:0"
	config.Logger = log.New(io.Discard, "", 0)

	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if strings.HasSuffix(server.Addr(), ":0") {
		t.Fatalf("Addr() did not report the bound port: %s", server.Addr())
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocket_HelloAndEvents(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeHello {
		t.Fatalf("Expected hello, got %s", msg.Type)
	}
	waitForClients(t, server, 1)

	handler.OnStateChange(realtime.StateStarting, realtime.StateStreaming)
	handler.OnApplied("stream", 0, 400) // nothing applied: no message
	handler.OnApplied("stream", 3, 500)
	handler.OnPushed(&schema.PushResponse{Accepted: 2, ServerTimeMs: 510}, 1)
	handler.OnSignal(bus.Signal{Intent: bus.IntentPull, Origin: "tab-1"})

	want := []MessageType{MessageTypeState, MessageTypeApplied, MessageTypePushed, MessageTypeSignal}
	for _, typ := range want {
		msg := readMessage(t, ctx, conn)
		if msg.Type != typ {
			t.Fatalf("Expected %s, got %s", typ, msg.Type)
		}
		if typ == MessageTypeApplied {
			var data AppliedData
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				t.Fatalf("bad applied payload: %v", err)
			}
			if data.Applied != 3 || data.Cursor != 500 || data.Source != "stream" {
				t.Errorf("unexpected applied payload: %+v", data)
			}
		}
	}

	totals := handler.Totals()
	if totals.State != "streaming" || totals.Applied != 3 || totals.Pushed != 2 || totals.Signals != 1 || totals.LastCursor != 500 {
		t.Errorf("unexpected totals: %+v", totals)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t, nil)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, ctx, server)
		readMessage(t, ctx, conns[i])
	}
	waitForClients(t, server, 3)

	handler.OnStateChange(realtime.StateStreaming, realtime.StateDegraded)

	for i, conn := range conns {
		msg := readMessage(t, ctx, conn)
		var data StateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("client %d: bad payload: %v", i, err)
		}
		if data.To != "degraded" {
			t.Errorf("client %d: got transition to %q", i, data.To)
		}
	}
}

func TestHealthStatusAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := realtime.NewMetrics(reg)
	metrics.Reconnects.Inc()

	server := startServer(t, &Config{
		Gatherer: reg,
		Status: func(ctx context.Context) (any, error) {
			return map[string]any{"cursor": 500}, nil
		},
	})

	get := func(path string) string {
		t.Helper()
		resp, err := http.Get("http://" + server.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if body := get("/health"); !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("unexpected health body: %s", body)
	}
	if body := get("/api/status"); !strings.Contains(body, `"cursor":500`) {
		t.Errorf("unexpected status body: %s", body)
	}
	if body := get("/metrics"); !strings.Contains(body, "syncd_realtime_stream_reconnects_total") {
		t.Errorf("metrics missing reconnect counter:\n%s", body)
	}
}
