// Package docstore reads and writes single documents with optimistic concurrency.
//
// Every successful read or write caches the document's freshness token.
// Writes send that token as an If-Match precondition; with no cached token
// they send a wildcard, meaning "create or overwrite, and tell me the token".
//
// When a write is rejected because the token is stale, the store performs
// exactly one recovery cycle: it reloads the document to refresh the token
// and retries the write once. A second rejection is returned as
// syncerr.ErrConflict. The store never merges fields; resolving a conflict
// above document granularity is the caller's job.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/focusdeck/syncd/internal/schema"
	"github.com/focusdeck/syncd/internal/syncerr"
	"github.com/focusdeck/syncd/internal/transport"
)

// wildcard is the precondition sent when no freshness token is cached.
const wildcard = "*"

// Document is a loaded document with its bookkeeping.
type Document[T any] struct {
	Data      *T
	UpdatedAt int64
	ETag      string
}

// Store reads and writes documents of one payload type for one user.
type Store[T any] struct {
	client *transport.Client
	userID string
	cache  *TokenCache
	logger *log.Logger
}

// NewStore creates a Store.
//
// The cache may be shared between stores. If cache is nil a private cache
// is created. If logger is nil, a default logger writing to stderr is used.
func NewStore[T any](client *transport.Client, userID string, cache *TokenCache, logger *log.Logger) *Store[T] {
	if cache == nil {
		cache = NewTokenCache()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[docstore] ", log.LstdFlags)
	}
	return &Store[T]{
		client: client,
		userID: userID,
		cache:  cache,
		logger: logger,
	}
}

// Cache returns the token cache used by the store.
func (s *Store[T]) Cache() *TokenCache {
	return s.cache
}

func (s *Store[T]) request(method, docKey string) transport.Request {
	return transport.Request{
		Method: method,
		Path:   "/docs/" + url.PathEscape(docKey),
		Query:  url.Values{"user_id": {s.userID}},
	}
}

// Load returns the document payload, or nil if the document does not exist.
func (s *Store[T]) Load(ctx context.Context, docKey string) (*T, error) {
	doc, err := s.LoadDocument(ctx, docKey)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return doc.Data, nil
}

// LoadDocument returns the document with its bookkeeping, or nil if it does
// not exist. Absence is recognized both as a not-found status and as a null
// payload. The cached token is refreshed as a side effect.
func (s *Store[T]) LoadDocument(ctx context.Context, docKey string) (*Document[T], error) {
	if err := s.checkArgs(docKey); err != nil {
		return nil, err
	}

	var body schema.DocumentBody
	resp, err := s.client.Do(ctx, s.request(http.MethodGet, docKey), &body)
	if err != nil {
		if syncerr.IsNotFound(err) {
			s.cache.Delete(s.userID, docKey)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load document %s: %w", docKey, err)
	}

	token := freshnessToken(resp, body)
	if isNull(body.Data) {
		s.cache.Delete(s.userID, docKey)
		return nil, nil
	}

	var data T
	if err := json.Unmarshal(body.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w: %w", docKey, syncerr.ErrTransport, err)
	}

	s.cache.Set(s.userID, docKey, token)
	return &Document[T]{Data: &data, UpdatedAt: body.UpdatedAt, ETag: token}, nil
}

// Save writes the document conditionally on the cached freshness token.
//
// On a precondition failure the token is refreshed with one Load and the
// write retried once with the same payload. If that retry is rejected too,
// the returned error wraps syncerr.ErrConflict.
func (s *Store[T]) Save(ctx context.Context, docKey string, data T) error {
	if err := s.checkArgs(docKey); err != nil {
		return err
	}

	err := s.put(ctx, docKey, data)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syncerr.ErrPreconditionFailed) {
		return fmt.Errorf("failed to save document %s: %w", docKey, err)
	}

	s.logger.Printf("Stale token for %s/%s, refreshing and retrying once", s.userID, docKey)

	if _, err := s.LoadDocument(ctx, docKey); err != nil {
		return fmt.Errorf("failed to refresh document %s after conflict: %w", docKey, err)
	}

	err = s.put(ctx, docKey, data)
	if err == nil {
		return nil
	}
	if errors.Is(err, syncerr.ErrPreconditionFailed) {
		s.logger.Printf("Document %s/%s changed again during retry, giving up", s.userID, docKey)
		return fmt.Errorf("failed to save document %s: %w", docKey, syncerr.ErrConflict)
	}
	return fmt.Errorf("failed to save document %s on retry: %w", docKey, err)
}

// Update loads the document, applies fn and saves the result.
// fn receives nil when the document does not exist yet.
func (s *Store[T]) Update(ctx context.Context, docKey string, fn func(current *T) (T, error)) error {
	current, err := s.Load(ctx, docKey)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return fmt.Errorf("failed to update document %s: %w", docKey, err)
	}

	return s.Save(ctx, docKey, next)
}

// put performs one conditional write and caches the returned token.
func (s *Store[T]) put(ctx context.Context, docKey string, data T) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", docKey, err)
	}

	precondition := wildcard
	if token, ok := s.cache.Get(s.userID, docKey); ok {
		precondition = token
	}

	req := s.request(http.MethodPut, docKey)
	req.Header = http.Header{"If-Match": {precondition}}
	req.Body = schema.DocumentBody{Data: raw}

	var body schema.DocumentBody
	resp, err := s.client.Do(ctx, req, &body)
	if err != nil {
		return err
	}

	s.cache.Set(s.userID, docKey, freshnessToken(resp, body))
	return nil
}

func (s *Store[T]) checkArgs(docKey string) error {
	if s.userID == "" {
		return syncerr.BadRequest("user id is required")
	}
	if docKey == "" {
		return syncerr.BadRequest("document key is required")
	}
	return nil
}

// freshnessToken prefers the ETag header and falls back to the body.
func freshnessToken(resp *transport.Response, body schema.DocumentBody) string {
	if resp != nil {
		if etag := resp.Header.Get("ETag"); etag != "" {
			return etag
		}
	}
	return body.ETag
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
