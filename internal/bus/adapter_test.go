package bus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DisposeSkipsQueuedDelivery(t *testing.T) {
	r := newRegistry()

	var calls atomic.Int64
	dispose := r.add(func(Signal) { calls.Add(1) })

	// Hold on to the entry as a spawned delivery would.
	var queued *entry
	r.handlers.Range(func(_ uint64, e *entry) bool {
		queued = e
		return false
	})
	require.NotNil(t, queued)

	dispose()
	queued.run(Signal{Intent: IntentPull, UserID: "u1"})

	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, 0, r.len())
}

func TestRegistry_DeliverReachesLiveHandlers(t *testing.T) {
	r := newRegistry()

	var kept, dropped atomic.Int64
	r.add(func(Signal) { kept.Add(1) })
	dispose := r.add(func(Signal) { dropped.Add(1) })
	dispose()

	r.deliver(Signal{Intent: IntentPull, UserID: "u1"})

	require.Eventually(t, func() bool { return kept.Load() == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), dropped.Load())
}
