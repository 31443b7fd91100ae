package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds bus configuration.
type Config struct {
	// Origin identifies this bus in emitted signals (default: random UUID).
	Origin string

	// SkipSelf drops signals this bus emitted before they reach its own
	// handlers.
	SkipSelf bool

	// Logger for bus activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Origin: uuid.NewString(),
		Logger: log.New(os.Stderr, "[bus] ", log.LstdFlags),
	}
}

// Bus fans sync intents out over every configured adapter and gathers them
// back from all of them.
//
// Delivery is at-least-once per adapter: one emit may reach a handler once
// through each adapter that can see it. There is no ordering between pull
// and push intents; a caller that needs pull-then-push must wait for its
// pull to finish before emitting the push.
type Bus struct {
	adapters []Adapter
	config   *Config
}

// New creates a bus over the given adapters. The bus owns them and closes
// them on Close.
func New(config *Config, adapters ...Adapter) *Bus {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Origin == "" {
		config.Origin = defaults.Origin
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Bus{adapters: adapters, config: config}
}

// Origin returns the origin stamped on signals this bus emits.
func (b *Bus) Origin() string {
	return b.config.Origin
}

// Adapters returns the names of the configured adapters.
func (b *Bus) Adapters() []string {
	names := make([]string, len(b.adapters))
	for i, a := range b.adapters {
		names[i] = a.Name()
	}
	return names
}

// EmitPull asks every listener to pull.
func (b *Bus) EmitPull(ctx context.Context, userID, deviceID string) error {
	return b.Emit(ctx, IntentPull, userID, deviceID)
}

// EmitPush asks every listener to push.
func (b *Bus) EmitPush(ctx context.Context, userID, deviceID string) error {
	return b.Emit(ctx, IntentPush, userID, deviceID)
}

// Emit publishes through every adapter. A failing adapter does not stop the
// others; the returned error joins every failure.
func (b *Bus) Emit(ctx context.Context, intent Intent, userID, deviceID string) error {
	sig := Signal{
		Intent:   intent,
		UserID:   userID,
		DeviceID: deviceID,
		Origin:   b.config.Origin,
		Nonce:    uuid.NewString(),
		At:       time.Now().UnixMilli(),
	}

	var errs []error
	for _, a := range b.adapters {
		if err := a.Publish(ctx, sig); err != nil {
			b.config.Logger.Printf("WARNING: %s adapter failed to publish %s: %v", a.Name(), intent, err)
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SubscribePull registers h for pull intents.
func (b *Bus) SubscribePull(h Handler) (func(), error) {
	return b.Subscribe(IntentPull, h)
}

// SubscribePush registers h for push intents.
func (b *Bus) SubscribePush(h Handler) (func(), error) {
	return b.Subscribe(IntentPush, h)
}

// Subscribe registers h for one intent on every adapter and returns a
// single function that unregisters it from all of them.
//
// Adapters that refuse the subscription are logged and skipped; an error is
// returned only if none accepted it.
//
// Once the returned function has run, h is not started again. A call already
// in progress when it runs is not interrupted.
func (b *Bus) Subscribe(intent Intent, h Handler) (func(), error) {
	filtered := func(sig Signal) {
		if sig.Intent != intent {
			return
		}
		if b.config.SkipSelf && sig.Origin == b.config.Origin {
			return
		}
		h(sig)
	}

	var disposers []func()
	var errs []error
	for _, a := range b.adapters {
		dispose, err := a.Subscribe(filtered)
		if err != nil {
			b.config.Logger.Printf("WARNING: %s adapter refused subscription: %v", a.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
			continue
		}
		disposers = append(disposers, dispose)
	}

	if len(disposers) == 0 && len(b.adapters) > 0 {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", intent, errors.Join(errs...))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, d := range disposers {
				d()
			}
		})
	}, nil
}

// Close closes every adapter.
func (b *Bus) Close() error {
	var errs []error
	for _, a := range b.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
