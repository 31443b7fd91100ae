package docstore

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// TokenCache remembers the last freshness token seen for each
// (user, document) pair.
//
// A cache is owned by whoever constructs the document stores and may be
// shared between stores of different payload types. Entries are replaced
// atomically; readers never observe a partially written token. Call Clear
// on logout or reset.
type TokenCache struct {
	tokens *xsync.MapOf[string, string]
}

// NewTokenCache creates an empty cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: xsync.NewMapOf[string, string]()}
}

func cacheKey(userID, docKey string) string {
	return userID + "\x00" + docKey
}

// Get returns the cached token, if any.
func (c *TokenCache) Get(userID, docKey string) (string, bool) {
	return c.tokens.Load(cacheKey(userID, docKey))
}

// Set replaces the cached token. An empty token removes the entry.
func (c *TokenCache) Set(userID, docKey, token string) {
	if token == "" {
		c.Delete(userID, docKey)
		return
	}
	c.tokens.Store(cacheKey(userID, docKey), token)
}

// Delete forgets the token of one document.
func (c *TokenCache) Delete(userID, docKey string) {
	c.tokens.Delete(cacheKey(userID, docKey))
}

// ClearUser forgets every token of one user.
func (c *TokenCache) ClearUser(userID string) {
	prefix := userID + "\x00"
	c.tokens.Range(func(key, _ string) bool {
		if strings.HasPrefix(key, prefix) {
			c.tokens.Delete(key)
		}
		return true
	})
}

// Clear forgets every token.
func (c *TokenCache) Clear() {
	c.tokens.Clear()
}

// Len returns the number of cached tokens.
func (c *TokenCache) Len() int {
	return c.tokens.Size()
}
