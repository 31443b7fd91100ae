package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/focusdeck/syncd/internal/rowsync"
	"github.com/focusdeck/syncd/internal/schema"
	"github.com/focusdeck/syncd/internal/syncerr"
)

// Target is what the coordinator keeps fresh. *rowsync.Session implements it.
type Target interface {
	UserID() string
	Tables() []schema.Table
	Cursor() *rowsync.Cursor

	// Fetch pulls everything after the cursor without applying it.
	Fetch(ctx context.Context) (*schema.Envelope, error)

	// ApplyEnvelope applies diffs and then advances the cursor. It may be
	// called from the stream and poll paths at the same time.
	ApplyEnvelope(ctx context.Context, env *schema.Envelope) (int, error)

	// ApplyDiffs applies diffs without moving the cursor.
	ApplyDiffs(ctx context.Context, diffs schema.Batch) (int, error)
}

// Config holds configuration for the coordinator.
type Config struct {
	// PollInterval is the time between polls while polls succeed.
	PollInterval time.Duration

	// MaxPollInterval caps the poll interval while polls keep failing.
	MaxPollInterval time.Duration

	// BackoffMultiplier grows the poll interval after each failure.
	BackoffMultiplier float64

	// ReconnectInterval is the first delay before reconnecting the stream.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the reconnect delay.
	MaxReconnectInterval time.Duration

	// OnStateChange, if set, is called on every state transition.
	// The transition to StateStopped is the last callback ever made.
	// It runs on a coordinator goroutine and must not call Stop.
	OnStateChange func(from, to State)

	// OnApplied, if set, is called after every envelope the target accepted,
	// with the source ("stream" or "poll"), the rows that changed and the
	// envelope's server time. It never runs after the Stopped transition.
	OnApplied func(source string, applied int, serverTimeMs int64)

	// Metrics (default: unregistered collectors)
	Metrics *Metrics

	// Logger for coordinator activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:         30 * time.Second,
		MaxPollInterval:      5 * time.Minute,
		BackoffMultiplier:    2,
		ReconnectInterval:    time.Second,
		MaxReconnectInterval: 30 * time.Second,
		Logger:               log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// Coordinator keeps a Target fresh with an event stream and a polling loop
// running side by side.
//
// The poll loop runs whatever the stream's health, so a stream that stalls
// without erroring cannot starve the target. Both paths apply into the same
// target without coordination; the dominance merge makes that safe.
//
// A stream event that cannot be decoded or applied opens a gap. While a gap
// is open, stream events are applied but never move the cursor, and the poll
// loop is woken. The first poll that started after the gap opened and
// succeeded closes it.
//
// Bad request and unauthorized failures are not retried: Start returns them.
type Coordinator struct {
	target Target
	dialer StreamDialer
	config *Config

	state   atomic.Int32
	stateMu sync.Mutex

	pullNow chan struct{}

	gapMu   sync.Mutex
	gapOpen bool
	gapGen  uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a coordinator. A nil dialer disables the stream and leaves
// the coordinator polling only.
func New(target Target, dialer StreamDialer, config *Config) (*Coordinator, error) {
	if target == nil {
		return nil, fmt.Errorf("target cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = defaults.ReconnectInterval
	}
	if config.MaxReconnectInterval < config.ReconnectInterval {
		config.MaxReconnectInterval = config.ReconnectInterval
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(nil)
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Coordinator{
		target:  target,
		dialer:  dialer,
		config:  config,
		pullNow: make(chan struct{}, 1),
	}, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(to State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	from := State(c.state.Load())
	if from == to || from == StateStopped {
		return
	}
	c.state.Store(int32(to))
	c.config.Metrics.State.Set(float64(to))
	c.config.Logger.Printf("State %s -> %s", from, to)
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(from, to)
	}
}

// Start runs the stream and poll loops until ctx is cancelled or Stop is
// called. When Start returns, both loops have exited, the stream is closed
// and no callback will run again.
//
// A coordinator can be started once.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	if c.State() == StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already stopped")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	defer close(c.done)
	defer cancel()

	c.config.Logger.Printf("Starting smart sync for %s at cursor %d", c.target.UserID(), c.target.Cursor().Load())

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.pollLoop(gctx) })
	if c.dialer != nil {
		g.Go(func() error { return c.streamLoop(gctx) })
	} else {
		c.setState(StateDegraded)
	}

	err := g.Wait()
	c.setState(StateStopped)
	c.config.Logger.Println("Smart sync stopped")
	return err
}

// Stop cancels the loops and waits for Start to return.
// Safe to call more than once and before Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done, running := c.cancel, c.done, c.running
	c.mu.Unlock()

	if !running {
		c.setState(StateStopped)
		return
	}
	cancel()
	<-done
}

// PullNow asks the poll loop to pull immediately instead of waiting for
// its timer. Requests made while one is already pending are merged.
func (c *Coordinator) PullNow() {
	select {
	case c.pullNow <- struct{}{}:
	default:
	}
}

// newPollBackOff returns the interval policy for failed polls: the first
// retry waits one multiplier step past the base interval, later retries
// keep growing until MaxPollInterval. No jitter and no give-up.
func newPollBackOff(config *Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(float64(config.PollInterval) * config.BackoffMultiplier)
	if b.InitialInterval > config.MaxPollInterval {
		b.InitialInterval = config.MaxPollInterval
	}
	b.Multiplier = config.BackoffMultiplier
	b.MaxInterval = config.MaxPollInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func newReconnectBackOff(config *Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectInterval
	b.Multiplier = 2
	b.MaxInterval = config.MaxReconnectInterval
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// pollLoop pulls once right away, then on every tick or PullNow request.
func (c *Coordinator) pollLoop(ctx context.Context) error {
	b := newPollBackOff(c.config)
	wait := time.Duration(0)

	for {
		if !sleep(ctx, wait, c.pullNow) {
			return nil
		}

		err := c.pollOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.config.Metrics.Polls.WithLabelValues("error").Inc()
			if syncerr.IsFatal(err) {
				c.config.Logger.Printf("Poll failed, giving up: %v", err)
				return fmt.Errorf("poll failed: %w", err)
			}
			wait = b.NextBackOff()
			c.config.Logger.Printf("Poll failed, retrying in %s: %v", wait, err)
			continue
		}

		c.config.Metrics.Polls.WithLabelValues("ok").Inc()
		b.Reset()
		wait = c.config.PollInterval
	}
}

func (c *Coordinator) pollOnce(ctx context.Context) error {
	gen := c.gapGeneration()
	env, err := c.target.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := c.apply(ctx, env, "poll"); err != nil {
		return err
	}
	c.closeGap(gen)
	return nil
}

// openGap records that a stream event was lost and wakes the poll loop.
// Every call starts a new generation, so only polls fetched afterwards can
// close it.
func (c *Coordinator) openGap(cause error) {
	c.gapMu.Lock()
	c.gapOpen = true
	c.gapGen++
	c.gapMu.Unlock()

	c.config.Logger.Printf("Stream gap at cursor %d, pulling to recover: %v", c.target.Cursor().Load(), cause)
	c.PullNow()
}

func (c *Coordinator) gapGeneration() uint64 {
	c.gapMu.Lock()
	defer c.gapMu.Unlock()
	return c.gapGen
}

func (c *Coordinator) closeGap(gen uint64) {
	c.gapMu.Lock()
	defer c.gapMu.Unlock()
	if c.gapOpen && c.gapGen == gen {
		c.gapOpen = false
		c.config.Logger.Printf("Stream gap closed by poll")
	}
}

func (c *Coordinator) hasGap() bool {
	c.gapMu.Lock()
	defer c.gapMu.Unlock()
	return c.gapOpen
}

// apply hands an envelope to the target unless the coordinator is stopping.
// Stream envelopes leave the cursor alone while a gap is open.
func (c *Coordinator) apply(ctx context.Context, env *schema.Envelope, source string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var (
		applied int
		err     error
	)
	if source == "stream" && c.hasGap() {
		applied, err = c.target.ApplyDiffs(ctx, env.Diffs)
	} else {
		applied, err = c.target.ApplyEnvelope(ctx, env)
	}
	if err != nil {
		return err
	}
	if applied > 0 {
		c.config.Metrics.RowsApplied.WithLabelValues(source).Add(float64(applied))
		c.config.Logger.Printf("Applied %d rows from %s (cursor %d)", applied, source, env.ServerTimeMs)
	}
	if c.config.OnApplied != nil {
		c.config.OnApplied(source, applied, env.ServerTimeMs)
	}
	return nil
}

// streamLoop keeps one stream open, reconnecting from the current cursor
// with backoff whenever it fails.
func (c *Coordinator) streamLoop(ctx context.Context) error {
	b := newReconnectBackOff(c.config)

	for {
		stream, err := c.dialer.Dial(ctx, c.target.UserID(), c.target.Cursor().Load(), c.target.Tables())
		if ctx.Err() != nil {
			if stream != nil {
				_ = stream.Close()
			}
			return nil
		}

		if err != nil {
			if syncerr.IsFatal(err) {
				c.config.Logger.Printf("Stream refused, giving up: %v", err)
				return fmt.Errorf("stream dial failed: %w", err)
			}
			c.setState(StateDegraded)
		} else {
			c.setState(StateStreaming)
			b.Reset()
			err = c.consume(ctx, stream)
			_ = stream.Close()
			if ctx.Err() != nil {
				return nil
			}
			c.setState(StateDegraded)
		}

		wait := b.NextBackOff()
		c.config.Metrics.Reconnects.Inc()
		c.config.Logger.Printf("Stream unavailable, reconnecting in %s: %v", wait, err)
		if !sleep(ctx, wait, nil) {
			return nil
		}
	}
}

// consume applies stream events until the stream fails. Events that cannot
// be decoded or applied are skipped and open a gap.
func (c *Coordinator) consume(ctx context.Context, stream Stream) error {
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		env, err := decodeEvent(msg)
		if err != nil {
			c.config.Metrics.StreamEvents.WithLabelValues("malformed").Inc()
			c.config.Logger.Printf("Skipping event: %v", err)
			c.openGap(err)
			continue
		}

		if err := c.apply(ctx, env, "stream"); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.config.Metrics.StreamEvents.WithLabelValues("error").Inc()
			c.config.Logger.Printf("Failed to apply event at %d: %v", env.ServerTimeMs, err)
			c.openGap(err)
			continue
		}
		c.config.Metrics.StreamEvents.WithLabelValues("applied").Inc()
	}
}

// decodeEvent parses one stream message into a pull envelope.
func decodeEvent(msg []byte) (*schema.Envelope, error) {
	var env schema.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, syncerr.Protocol("unparseable event: %v", err)
	}
	if env.ServerTimeMs <= 0 {
		return nil, syncerr.Protocol("event without server_time_ms")
	}
	if env.Diffs == nil {
		env.Diffs = make(schema.Batch)
	}
	return &env, nil
}

// sleep waits for d, a wake signal or cancellation.
// Returns false if ctx was cancelled.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
