package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/focusdeck/syncd/internal/bus"
	"github.com/focusdeck/syncd/internal/config"
	"github.com/focusdeck/syncd/internal/logging"
	"github.com/focusdeck/syncd/internal/replica"
	"github.com/focusdeck/syncd/internal/rowsync"
	"github.com/focusdeck/syncd/internal/schema"
	"github.com/focusdeck/syncd/internal/state"
	"github.com/focusdeck/syncd/internal/transport"
)

// app holds what the sync commands share for one (user, device) pair.
type app struct {
	cfg     *config.Config
	sink    *logging.Sink
	logger  *log.Logger
	client  *transport.Client
	db      *replica.DB
	store   *state.Store
	session *rowsync.Session
}

// appOptions selects what openApp sets up.
type appOptions struct {
	// remote creates the client and session; requires server.url and user_id.
	remote bool

	// since replaces the saved cursor when hasSince is set.
	since    int64
	hasSince bool
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(config.Options{File: configFile})
	if err != nil {
		fatalf("%v", err)
	}
	if quiet {
		cfg.Log.Quiet = true
	}
	return cfg
}

func openSink(cfg *config.Config) *logging.Sink {
	sink, err := logging.Open(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Quiet:      cfg.Log.Quiet,
		Verbose:    verbose,
	})
	if err != nil {
		fatalf("opening log: %v", err)
	}
	return sink
}

func newClient(cfg *config.Config) *transport.Client {
	opts := []transport.Option{
		transport.WithHTTPClient(&http.Client{Timeout: cfg.Server.Timeout}),
	}
	if cfg.Server.Token != "" {
		opts = append(opts, transport.WithToken(cfg.Server.Token))
	}
	return transport.New(cfg.Server.URL, opts...)
}

// openApp loads config, the replica and saved state. With opts.remote it
// also restores the pending queue into a new session whose cursor persists
// every advance.
func openApp(opts appOptions) *app {
	cfg := loadConfig()
	if err := cfg.EnsureDeviceID(); err != nil {
		fatalf("%v", err)
	}
	if opts.remote {
		if err := cfg.RequireRemote(); err != nil {
			fatalf("%v", err)
		}
	}

	sink := openSink(cfg)
	a := &app{cfg: cfg, sink: sink, logger: sink.Logger("syncd")}

	db, err := replica.Open(cfg.Replica, cfg.TieBreakOrder(), sink.Logger("replica"))
	if err != nil {
		fatalf("opening replica: %v", err)
	}
	a.db = db

	store, err := state.Open(cfg.State)
	if err != nil {
		a.close()
		fatalf("%v", err)
	}
	a.store = store

	if !opts.remote {
		return a
	}

	saved, err := store.Get(cfg.UserID, cfg.DeviceID)
	if err != nil {
		a.close()
		fatalf("reading cursor: %v", err)
	}
	since := saved.Since
	if opts.hasSince {
		since = opts.since
	}

	cursor := rowsync.NewCursor(since, func(to int64) {
		if err := store.Advance(cfg.UserID, cfg.DeviceID, to); err != nil {
			a.logger.Printf("WARNING: failed to save cursor %d: %v", to, err)
		}
	})

	a.client = newClient(cfg)
	session, err := rowsync.NewSession(rowsync.New(a.client, sink.Logger("rowsync")), db, cursor, rowsync.SessionConfig{
		UserID:   cfg.UserID,
		Writer:   cfg.Writer(),
		Tables:   cfg.TableList(),
		TieBreak: cfg.TieBreakOrder(),
		OnQueued: func(pending schema.Batch) {
			if err := store.SavePending(cfg.UserID, cfg.DeviceID, pending); err != nil {
				a.logger.Printf("WARNING: failed to save pending queue: %v", err)
			}
		},
		Logger: sink.Logger("session"),
	})
	if err != nil {
		a.close()
		fatalf("%v", err)
	}

	pending, err := store.LoadPending(cfg.UserID, cfg.DeviceID)
	if err != nil {
		a.close()
		fatalf("%v", err)
	}
	if err := session.Restore(pending); err != nil {
		a.logger.Printf("WARNING: discarding unreadable pending queue: %v", err)
	}
	a.session = session
	return a
}

// savePending writes the pending queue so an interrupted process resumes it.
func (a *app) savePending() {
	if a.session == nil {
		return
	}
	if err := a.store.SavePending(a.cfg.UserID, a.cfg.DeviceID, a.session.PendingBatch()); err != nil {
		a.logger.Printf("WARNING: failed to save pending queue: %v", err)
	}
}

// recordPush saves push bookkeeping after a successful push.
func (a *app) recordPush() {
	if err := a.store.MarkPushed(a.cfg.UserID, a.cfg.DeviceID, a.session.Pending()); err != nil {
		a.logger.Printf("WARNING: failed to record push: %v", err)
	}
	a.savePending()
}

func (a *app) close() {
	a.savePending()
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.sink != nil {
		_ = a.sink.Close()
	}
}

// openBus builds a bus over the in-process hub and, when a bus directory is
// configured, the cross-process file adapter.
func openBus(cfg *config.Config, sink *logging.Sink) (*bus.Bus, error) {
	logger := sink.Logger("bus")
	adapters := []bus.Adapter{
		bus.NewLocalAdapter(),
		bus.NewHubAdapter(bus.OpenHub(cfg.Bus.Hub)),
	}
	if cfg.Bus.Dir != "" {
		file, err := bus.NewFileAdapter(cfg.Bus.Dir, logger)
		if err != nil {
			for _, ad := range adapters {
				_ = ad.Close()
			}
			return nil, err
		}
		adapters = append(adapters, file)
	}

	return bus.New(&bus.Config{
		SkipSelf: cfg.Bus.SkipSelf,
		Logger:   logger,
	}, adapters...), nil
}
