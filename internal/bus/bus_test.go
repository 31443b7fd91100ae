package bus

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newContextBus builds the bus one surface would run: local delivery, a
// shared hub and a shared directory.
func newContextBus(t *testing.T, hub *Hub, dir string, skipSelf bool) *Bus {
	t.Helper()

	file, err := NewFileAdapter(dir, quietLogger())
	require.NoError(t, err)

	b := New(&Config{SkipSelf: skipSelf, Logger: quietLogger()},
		NewLocalAdapter(),
		NewHubAdapter(hub),
		file,
	)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBus_DeliversAcrossContexts(t *testing.T) {
	hub := NewHub(t.Name())
	dir := t.TempDir()

	a := newContextBus(t, hub, dir, false)
	b := newContextBus(t, hub, dir, false)

	var gotA, gotB atomic.Int64
	var lastB atomic.Value
	_, err := a.SubscribePull(func(Signal) { gotA.Add(1) })
	require.NoError(t, err)
	_, err = b.SubscribePull(func(sig Signal) {
		gotB.Add(1)
		lastB.Store(sig)
	})
	require.NoError(t, err)

	require.NoError(t, a.EmitPull(context.Background(), "u1", "laptop"))

	// b hears it through the hub and through the directory.
	require.Eventually(t, func() bool { return gotB.Load() == 2 }, waitFor, tick)
	// a hears its own emit only locally.
	require.Eventually(t, func() bool { return gotA.Load() == 1 }, waitFor, tick)

	sig := lastB.Load().(Signal)
	assert.Equal(t, IntentPull, sig.Intent)
	assert.Equal(t, "u1", sig.UserID)
	assert.Equal(t, "laptop", sig.DeviceID)
	assert.Equal(t, a.Origin(), sig.Origin)
	assert.NotEmpty(t, sig.Nonce)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), gotB.Load(), "more deliveries than adapters")
}

func TestBus_SkipSelf(t *testing.T) {
	hub := NewHub(t.Name())
	dir := t.TempDir()

	a := newContextBus(t, hub, dir, true)
	b := newContextBus(t, hub, dir, true)

	var gotA, gotB atomic.Int64
	_, _ = a.SubscribePush(func(Signal) { gotA.Add(1) })
	_, _ = b.SubscribePush(func(Signal) { gotB.Add(1) })

	require.NoError(t, a.EmitPush(context.Background(), "u1", "laptop"))

	require.Eventually(t, func() bool { return gotB.Load() >= 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), gotA.Load())
}

func TestBus_IntentsAreSeparate(t *testing.T) {
	b := New(&Config{Logger: quietLogger()}, NewLocalAdapter())
	defer b.Close()

	var pulls, pushes atomic.Int64
	_, _ = b.SubscribePull(func(Signal) { pulls.Add(1) })
	_, _ = b.SubscribePush(func(Signal) { pushes.Add(1) })

	require.NoError(t, b.EmitPush(context.Background(), "u1", "d"))
	require.Eventually(t, func() bool { return pushes.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int64(0), pulls.Load())
}

func TestBus_DisposeUnregistersEverywhere(t *testing.T) {
	hub := NewHub(t.Name())
	dir := t.TempDir()

	a := newContextBus(t, hub, dir, false)
	b := newContextBus(t, hub, dir, false)

	var got atomic.Int64
	dispose, err := b.SubscribePull(func(Signal) { got.Add(1) })
	require.NoError(t, err)

	dispose()
	dispose()

	require.NoError(t, a.EmitPull(context.Background(), "u1", "laptop"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), got.Load())
}

// brokenAdapter stands in for a delivery path missing in some context.
type brokenAdapter struct{}

func (brokenAdapter) Name() string                          { return "broken" }
func (brokenAdapter) Publish(context.Context, Signal) error { return errors.New("unavailable") }
func (brokenAdapter) Subscribe(Handler) (func(), error)     { return nil, errors.New("unavailable") }
func (brokenAdapter) Close() error                          { return nil }

func TestBus_SurvivesMissingAdapter(t *testing.T) {
	hub := NewHub(t.Name())

	a := New(&Config{Logger: quietLogger()}, brokenAdapter{}, NewHubAdapter(hub))
	b := New(&Config{Logger: quietLogger()}, brokenAdapter{}, NewHubAdapter(hub))
	defer a.Close()
	defer b.Close()

	var got atomic.Int64
	_, err := b.SubscribePull(func(Signal) { got.Add(1) })
	require.NoError(t, err)

	err = a.EmitPull(context.Background(), "u1", "laptop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	require.Eventually(t, func() bool { return got.Load() == 1 }, waitFor, tick)

	only := New(&Config{Logger: quietLogger()}, brokenAdapter{})
	_, err = only.SubscribePull(func(Signal) {})
	assert.Error(t, err)
}

func TestOpenHub_SharedByName(t *testing.T) {
	h1 := OpenHub("shared-" + t.Name())
	h2 := OpenHub("shared-" + t.Name())
	assert.Same(t, h1, h2)

	a := NewHubAdapter(h1)
	assert.Equal(t, 1, h2.Members())
	require.NoError(t, a.Close())
	assert.Equal(t, 0, h2.Members())
}

func TestParseIntent(t *testing.T) {
	got, err := ParseIntent("pull")
	require.NoError(t, err)
	assert.Equal(t, IntentPull, got)

	_, err = ParseIntent("sync")
	assert.Error(t, err)
}
