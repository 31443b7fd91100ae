package docstore

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusdeck/syncd/internal/syncerr"
	"github.com/focusdeck/syncd/internal/testbackend"
	"github.com/focusdeck/syncd/internal/transport"
)

type settings struct {
	Theme     string `json:"theme"`
	FocusMins int    `json:"focus_mins"`
	ActiveSet string `json:"active_set,omitempty"`
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestStore(t *testing.T, cfg *testbackend.Config) (*Store[settings], *testbackend.Server) {
	t.Helper()
	if cfg == nil {
		cfg = testbackend.DefaultConfig()
	}
	cfg.Logger = quietLogger()
	srv := testbackend.New(cfg)
	t.Cleanup(srv.Close)

	store := NewStore[settings](transport.New(srv.URL()), "u1", nil, quietLogger())
	return store, srv
}

func TestStore_LoadMissing(t *testing.T) {
	store, _ := newTestStore(t, nil)

	got, err := store.Load(context.Background(), "settings")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, store.Cache().Len())
}

func TestStore_LoadMissingNullPayload(t *testing.T) {
	cfg := testbackend.DefaultConfig()
	cfg.NullForMissing = true
	store, _ := newTestStore(t, cfg)

	doc, err := store.LoadDocument(context.Background(), "settings")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestStore_SaveThenLoad(t *testing.T) {
	store, srv := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "settings", settings{Theme: "dark", FocusMins: 25}))

	_, etag, ok := srv.Document("u1", "settings")
	require.True(t, ok)
	token, ok := store.Cache().Get("u1", "settings")
	require.True(t, ok)
	assert.Equal(t, etag, token)

	doc, err := store.LoadDocument(ctx, "settings")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "dark", doc.Data.Theme)
	assert.Equal(t, 25, doc.Data.FocusMins)
	assert.Equal(t, etag, doc.ETag)
	assert.NotZero(t, doc.UpdatedAt)
}

func TestStore_SaveStaleTokenRetriesOnce(t *testing.T) {
	store, srv := newTestStore(t, nil)
	ctx := context.Background()

	srv.SetDocument("u1", "settings", settings{Theme: "light"})
	_, err := store.Load(ctx, "settings")
	require.NoError(t, err)

	// Another device writes after our load.
	srv.SetDocument("u1", "settings", settings{Theme: "solarized"})

	require.NoError(t, store.Save(ctx, "settings", settings{Theme: "dark"}))

	assert.Equal(t, int64(1), srv.Counters.Preconditions.Load())
	assert.Equal(t, int64(2), srv.Counters.DocPuts.Load())

	got, err := store.Load(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, "dark", got.Theme)
}

func TestStore_SaveConflictAfterRetry(t *testing.T) {
	store, srv := newTestStore(t, nil)
	ctx := context.Background()

	srv.SetDocument("u1", "settings", settings{Theme: "light"})
	_, err := store.Load(ctx, "settings")
	require.NoError(t, err)

	// A racing writer lands before every conditional write is checked.
	srv.BeforeDocPut = func(userID, docKey string) {
		srv.SetDocument(userID, docKey, settings{Theme: "racer"})
	}

	err = store.Save(ctx, "settings", settings{Theme: "dark"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.ErrConflict), "got %v", err)
	assert.Equal(t, int64(2), srv.Counters.DocPuts.Load())
	assert.Equal(t, int64(2), srv.Counters.Preconditions.Load())

	data, _, _ := srv.Document("u1", "settings")
	assert.JSONEq(t, `{"theme":"racer","focus_mins":0}`, string(data))
}

func TestStore_SaveWithoutTokenUsesWildcard(t *testing.T) {
	store, srv := newTestStore(t, nil)

	srv.SetDocument("u1", "settings", settings{Theme: "light"})

	// Nothing cached: the write is unconditional.
	require.NoError(t, store.Save(context.Background(), "settings", settings{Theme: "dark"}))
	assert.Equal(t, int64(0), srv.Counters.Preconditions.Load())
	assert.Equal(t, int64(1), srv.Counters.DocPuts.Load())
}

func TestStore_Update(t *testing.T) {
	store, srv := newTestStore(t, nil)
	ctx := context.Background()

	srv.SetDocument("u1", "settings", settings{Theme: "light", FocusMins: 25})

	err := store.Update(ctx, "settings", func(cur *settings) (settings, error) {
		require.NotNil(t, cur)
		next := *cur
		next.FocusMins = 50
		return next, nil
	})
	require.NoError(t, err)

	got, err := store.Load(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, "light", got.Theme)
	assert.Equal(t, 50, got.FocusMins)

	boom := errors.New("boom")
	err = store.Update(ctx, "settings", func(*settings) (settings, error) {
		return settings{}, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestStore_BadRequest(t *testing.T) {
	srv := testbackend.New(&testbackend.Config{Logger: quietLogger()})
	defer srv.Close()

	store := NewStore[settings](transport.New(srv.URL()), "", nil, quietLogger())
	_, err := store.Load(context.Background(), "settings")
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)

	store = NewStore[settings](transport.New(srv.URL()), "u1", nil, quietLogger())
	err = store.Save(context.Background(), "", settings{})
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)
	assert.Equal(t, int64(0), srv.Counters.DocPuts.Load())
}

func TestStore_DeletedDocumentDropsToken(t *testing.T) {
	cfg := testbackend.DefaultConfig()
	cfg.NullForMissing = true
	store, _ := newTestStore(t, cfg)

	store.Cache().Set("u1", "settings", `"v9"`)
	got, err := store.Load(context.Background(), "settings")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, ok := store.Cache().Get("u1", "settings")
	assert.False(t, ok)
}
