package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/focusdeck/syncd/internal/schema"
	"github.com/focusdeck/syncd/internal/syncerr"
	"github.com/focusdeck/syncd/internal/transport"
)

const streamPath = "/sync/stream"

// maxEventSize bounds a single stream message.
const maxEventSize = 4 << 20

// Stream is one open event-stream connection.
type Stream interface {
	// Next blocks until the next raw event arrives.
	Next(ctx context.Context) ([]byte, error)
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// StreamDialer opens event streams scoped to (user, since, tables).
type StreamDialer interface {
	Dial(ctx context.Context, userID string, since int64, tables []schema.Table) (Stream, error)
}

// WebSocketDialer opens event streams over websocket, reusing the
// transport client's base URL and headers.
type WebSocketDialer struct {
	client *transport.Client
}

// NewWebSocketDialer creates a dialer for the authority behind client.
func NewWebSocketDialer(client *transport.Client) *WebSocketDialer {
	return &WebSocketDialer{client: client}
}

// Dial implements StreamDialer.
func (d *WebSocketDialer) Dial(ctx context.Context, userID string, since int64, tables []schema.Table) (Stream, error) {
	q := url.Values{
		"user_id": {userID},
		"since":   {strconv.FormatInt(since, 10)},
	}
	if len(tables) > 0 {
		names := make([]string, len(tables))
		for i, t := range tables {
			names[i] = string(t)
		}
		q.Set("tables", strings.Join(names, ","))
	}

	// The handshake is bounded by ctx; the client's overall timeout would
	// otherwise cut long-lived streams.
	hc := *d.client.HTTPClient()
	hc.Timeout = 0

	conn, resp, err := websocket.Dial(ctx, d.client.URL(streamPath, q), &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: d.client.Headers(),
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			if serr := syncerr.FromStatus(resp.StatusCode, err.Error()); serr != nil {
				return nil, fmt.Errorf("failed to open event stream: %w", serr)
			}
		}
		return nil, syncerr.Transport("dial event stream", err)
	}
	conn.SetReadLimit(maxEventSize)

	return &wsStream{conn: conn}, nil
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Next(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, syncerr.Transport("read event stream", err)
	}
	return data, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
