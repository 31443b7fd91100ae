package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusdeck/syncd/internal/merge"
	"github.com/focusdeck/syncd/internal/rowsync"
	"github.com/focusdeck/syncd/internal/schema"
	"github.com/focusdeck/syncd/internal/testbackend"
	"github.com/focusdeck/syncd/internal/transport"
)

// A pull-intent handler that pulls is safe to run once per adapter.
func TestBus_DuplicatePullsConverge(t *testing.T) {
	cfg := testbackend.DefaultConfig()
	cfg.Logger = quietLogger()
	srv := testbackend.New(cfg)
	defer srv.Close()

	srv.Seed("u1", schema.Row{
		Table: schema.TableSets, ID: "s1", UserID: "u1",
		UpdatedAt: 100, UpdatedBy: "phone", Priority: schema.ClassTouch,
		Data: schema.SetData{Title: "Deep work"},
	})

	replica := merge.NewReplica(schema.DefaultTieBreak)
	sess, err := rowsync.NewSession(
		rowsync.New(transport.New(srv.URL()), quietLogger()),
		rowsync.ReplicaApplier(replica),
		nil,
		rowsync.SessionConfig{UserID: "u1", Writer: schema.Writer{DeviceID: "tab-2"}, Logger: quietLogger()},
	)
	require.NoError(t, err)

	hub := NewHub(t.Name())
	dir := t.TempDir()
	emitter := newContextBus(t, hub, dir, false)
	listener := newContextBus(t, hub, dir, false)

	var mu sync.Mutex
	var runs atomic.Int64
	_, err = listener.SubscribePull(func(Signal) {
		mu.Lock()
		defer mu.Unlock()
		if _, err := sess.PullOnce(context.Background()); err != nil {
			t.Errorf("pull failed: %v", err)
		}
		runs.Add(1)
	})
	require.NoError(t, err)

	require.NoError(t, emitter.EmitPull(context.Background(), "u1", "tab-1"))
	require.Eventually(t, func() bool { return runs.Load() == 2 }, waitFor, tick)

	live := replica.Live(schema.TableSets)
	require.Len(t, live, 1)
	assert.Equal(t, "Deep work", live[0].Data.(schema.SetData).Title)
	assert.Equal(t, 1, replica.Len())
}
