// Package testbackend provides an in-memory sync authority for tests.
//
// It speaks the same HTTP and websocket protocol as the real backend:
// conditional document reads/writes, batch pull/push with server-side write
// times, and an event stream that pushes pull envelopes as rows change.
// Fault-injection hooks let tests simulate racing writers, failing pulls
// and dropped streams.
package testbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/focusdeck/syncd/internal/merge"
	"github.com/focusdeck/syncd/internal/schema"
)

// storedDoc is one document generation.
type storedDoc struct {
	data      json.RawMessage
	updatedAt int64
	version   int
}

func (d *storedDoc) etag() string {
	return fmt.Sprintf(`"v%d"`, d.version)
}

// storedRow is a row plus the server time it was last accepted at.
type storedRow struct {
	row        schema.Row
	serverTime int64
}

// stream is one connected event-stream client.
type stream struct {
	conn   *websocket.Conn
	userID string
	tables map[schema.Table]bool
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (st *stream) close(reason string) {
	st.once.Do(func() {
		close(st.done)
		_ = st.conn.Close(websocket.StatusGoingAway, reason)
	})
}

// Counters exposes request counts for assertions.
type Counters struct {
	Pulls          atomic.Int64
	Pushes         atomic.Int64
	DocGets        atomic.Int64
	DocPuts        atomic.Int64
	Preconditions  atomic.Int64
	StreamConnects atomic.Int64
}

// Config holds server configuration.
type Config struct {
	// TieBreak orders exact-timestamp ties on push.
	TieBreak schema.TieBreak

	// NullForMissing answers reads of absent documents with 200 and a
	// null payload instead of 404.
	NullForMissing bool

	// Clock returns the current server time in ms (default: wall clock).
	Clock func() int64

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TieBreak: schema.DefaultTieBreak,
		Clock:    func() int64 { return time.Now().UnixMilli() },
		Logger:   log.New(os.Stderr, "[testbackend] ", log.LstdFlags),
	}
}

// Server is an in-memory sync authority backed by httptest.
type Server struct {
	config *Config
	http   *httptest.Server

	mu       sync.Mutex
	docs     map[string]*storedDoc
	rows     map[string]map[schema.Key]storedRow
	lastTime int64
	streams  map[*stream]bool

	failPulls      int
	failPullStatus int

	// BeforeDocPut runs before a conditional write is checked, outside the
	// server lock. Tests use it to race a second writer.
	BeforeDocPut func(userID, docKey string)

	Counters Counters
}

// New starts a server. Call Close when done.
func New(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if len(config.TieBreak.Order) == 0 {
		config.TieBreak = defaults.TieBreak
	}

	s := &Server{
		config:  config,
		docs:    make(map[string]*storedDoc),
		rows:    make(map[string]map[schema.Key]storedRow),
		streams: make(map[*stream]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /docs/{key}", s.handleDocGet)
	mux.HandleFunc("PUT /docs/{key}", s.handleDocPut)
	mux.HandleFunc("POST /sync/pull", s.handlePull)
	mux.HandleFunc("POST /sync/push", s.handlePush)
	mux.HandleFunc("GET /sync/stream", s.handleStream)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.http = httptest.NewServer(mux)
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.http.URL
}

// Close drops every stream and shuts the server down.
func (s *Server) Close() {
	s.CloseStreams()
	s.http.Close()
}

// CloseStreams disconnects every event-stream client.
func (s *Server) CloseStreams() {
	s.mu.Lock()
	streams := make([]*stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
		delete(s.streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.close("server closing stream")
	}
}

// StreamCount returns the number of connected stream clients.
func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// FailPulls makes the next n pulls fail with the given status.
func (s *Server) FailPulls(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPulls = n
	s.failPullStatus = status
}

// SetDocument writes a document as another device would, bumping its
// freshness token.
func (s *Server) SetDocument(userID, docKey string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(fmt.Sprintf("testbackend: cannot marshal document: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.putDocLocked(docID(userID, docKey), raw)
}

// Document returns the stored payload and token of a document.
func (s *Server) Document(userID, docKey string) (json.RawMessage, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID(userID, docKey)]
	if !ok {
		return nil, "", false
	}
	return d.data, d.etag(), true
}

// Row returns the authoritative version of a row as the server holds it.
func (s *Server) Row(userID string, table schema.Table, id string) (schema.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.rows[userID][schema.Key{Table: table, ID: id}]
	return sr.row, ok
}

// Seed stores rows directly, as if pushed by another device, and notifies
// streams.
func (s *Server) Seed(userID string, rows ...schema.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make(schema.Batch)
	b.Add(rows...)
	s.acceptLocked(userID, b)
}

// BroadcastRaw sends a raw message to every stream of the user.
// Used to exercise malformed-event handling.
func (s *Server) BroadcastRaw(userID string, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for st := range s.streams {
		if st.userID == userID {
			s.enqueueLocked(st, msg)
		}
	}
}

func docID(userID, docKey string) string {
	return userID + "\x00" + docKey
}

// nowLocked returns a server time no earlier than any time already handed out.
func (s *Server) nowLocked() int64 {
	t := s.config.Clock()
	if t < s.lastTime {
		t = s.lastTime
	}
	s.lastTime = t
	return t
}

// writeTimeLocked returns a server time strictly after any time already
// handed out, so a write is never hidden behind a cursor already returned.
func (s *Server) writeTimeLocked() int64 {
	t := s.config.Clock()
	if t <= s.lastTime {
		t = s.lastTime + 1
	}
	s.lastTime = t
	return t
}

func (s *Server) putDocLocked(id string, raw json.RawMessage) *storedDoc {
	d, ok := s.docs[id]
	if !ok {
		d = &storedDoc{}
		s.docs[id] = d
	}
	d.data = raw
	d.version++
	d.updatedAt = s.writeTimeLocked()
	return d
}

func (s *Server) handleDocGet(w http.ResponseWriter, r *http.Request) {
	s.Counters.DocGets.Add(1)
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	s.mu.Lock()
	d, ok := s.docs[docID(userID, r.PathValue("key"))]
	var body schema.DocumentBody
	if ok {
		body = schema.DocumentBody{Data: d.data, UpdatedAt: d.updatedAt, ETag: d.etag()}
	}
	nullForMissing := s.config.NullForMissing
	s.mu.Unlock()

	if !ok {
		if nullForMissing {
			writeJSON(w, http.StatusOK, schema.DocumentBody{Data: json.RawMessage("null")})
			return
		}
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	w.Header().Set("ETag", body.ETag)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDocPut(w http.ResponseWriter, r *http.Request) {
	s.Counters.DocPuts.Add(1)
	userID := r.URL.Query().Get("user_id")
	key := r.PathValue("key")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	var body schema.DocumentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	if hook := s.BeforeDocPut; hook != nil {
		hook(userID, key)
	}

	precondition := r.Header.Get("If-Match")

	s.mu.Lock()
	id := docID(userID, key)
	current, exists := s.docs[id]
	if precondition != "" && precondition != "*" {
		if !exists || current.etag() != precondition {
			s.mu.Unlock()
			s.Counters.Preconditions.Add(1)
			writeError(w, http.StatusPreconditionFailed, "freshness token is stale")
			return
		}
	}
	d := s.putDocLocked(id, body.Data)
	resp := schema.DocumentBody{UpdatedAt: d.updatedAt, ETag: d.etag()}
	s.mu.Unlock()

	w.Header().Set("ETag", resp.ETag)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	s.Counters.Pulls.Add(1)

	var req schema.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Since < 0 {
		writeError(w, http.StatusBadRequest, "since must not be negative")
		return
	}

	s.mu.Lock()
	if s.failPulls > 0 {
		s.failPulls--
		status := s.failPullStatus
		s.mu.Unlock()
		writeError(w, status, "injected failure")
		return
	}
	env := s.diffsLocked(req.UserID, req.Since, tableSet(req.Tables))
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	s.Counters.Pushes.Add(1)

	var req schema.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "user_id and device_id are required")
		return
	}
	if err := req.Changes.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	t, accepted := s.acceptLocked(req.UserID, req.Changes)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, schema.PushResponse{ServerTimeMs: t, Accepted: accepted})
}

// acceptLocked merges rows into the user's table and notifies streams of
// the rows that won.
func (s *Server) acceptLocked(userID string, changes schema.Batch) (int64, int) {
	rows, ok := s.rows[userID]
	if !ok {
		rows = make(map[schema.Key]storedRow)
		s.rows[userID] = rows
	}

	t := s.writeTimeLocked()
	won := make(schema.Batch)
	for _, row := range changes.Rows() {
		held, exists := rows[row.Key()]
		if exists && !merge.Dominates(row, held.row, s.config.TieBreak) {
			continue
		}
		rows[row.Key()] = storedRow{row: row, serverTime: t}
		won.Add(row)
	}

	if won.Len() > 0 {
		s.notifyLocked(userID, schema.Envelope{ServerTimeMs: t, Diffs: won})
	}
	return t, won.Len()
}

func (s *Server) diffsLocked(userID string, since int64, tables map[schema.Table]bool) schema.Envelope {
	diffs := make(schema.Batch)
	for _, sr := range s.rows[userID] {
		if sr.serverTime <= since {
			continue
		}
		if len(tables) > 0 && !tables[sr.row.Table] {
			continue
		}
		diffs.Add(sr.row)
	}
	return schema.Envelope{ServerTimeMs: s.nowLocked(), Diffs: diffs}
}

func (s *Server) notifyLocked(userID string, env schema.Envelope) {
	for st := range s.streams {
		if st.userID != userID {
			continue
		}
		filtered := make(schema.Batch)
		for table, rows := range env.Diffs {
			if len(st.tables) == 0 || st.tables[table] {
				filtered[table] = rows
			}
		}
		msg, err := json.Marshal(schema.Envelope{ServerTimeMs: env.ServerTimeMs, Diffs: filtered})
		if err != nil {
			s.config.Logger.Printf("Failed to marshal envelope: %v", err)
			continue
		}
		s.enqueueLocked(st, msg)
	}
}

// enqueueLocked hands a message to the stream's writer. A stream that
// cannot keep up is dropped so the client reconnects and catches up.
func (s *Server) enqueueLocked(st *stream, msg []byte) {
	select {
	case st.out <- msg:
	default:
		s.config.Logger.Printf("Stream for %s is full, dropping connection", st.userID)
		delete(s.streams, st)
		go st.close("slow consumer")
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	since, err := strconv.ParseInt(q.Get("since"), 10, 64)
	if err != nil && q.Get("since") != "" {
		writeError(w, http.StatusBadRequest, "malformed since")
		return
	}
	var tables []schema.Table
	if raw := q.Get("tables"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			tables = append(tables, schema.Table(name))
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	s.Counters.StreamConnects.Add(1)

	st := &stream{
		conn:   conn,
		userID: userID,
		tables: tableSet(tables),
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	// Catch-up and registration happen under one lock so no write falls
	// between them.
	s.mu.Lock()
	env := s.diffsLocked(userID, since, st.tables)
	if msg, err := json.Marshal(env); err == nil {
		st.out <- msg
	}
	s.streams[st] = true
	s.mu.Unlock()

	go s.readLoop(st)
	s.writeLoop(st)
}

// writeLoop sends queued messages in order until the stream closes.
func (s *Server) writeLoop(st *stream) {
	defer s.removeStream(st)

	for {
		select {
		case <-st.done:
			return
		case msg := <-st.out:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := st.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// readLoop notices client disconnects; clients never send messages.
func (s *Server) readLoop(st *stream) {
	defer st.close("client gone")
	for {
		if _, _, err := st.conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func (s *Server) removeStream(st *stream) {
	s.mu.Lock()
	delete(s.streams, st)
	s.mu.Unlock()
	st.close("")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"streams": s.StreamCount(),
	})
}

func tableSet(tables []schema.Table) map[schema.Table]bool {
	if len(tables) == 0 {
		return nil
	}
	set := make(map[schema.Table]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	return set
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
