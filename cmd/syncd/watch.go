package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/focusdeck/syncd/internal/bus"
	"github.com/focusdeck/syncd/internal/dashboard"
	"github.com/focusdeck/syncd/internal/realtime"
	"github.com/focusdeck/syncd/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep the replica fresh and listen for sync signals (foreground)",
	Long: `Run smart sync in the foreground.

The watcher will:
  1. Stream row changes from the authority, reconnecting with backoff
  2. Poll on a timer at the same time, backing off while polls fail
  3. Pull immediately when another context on this machine emits a pull
  4. Push pending writes when another context emits a push
  5. Persist the cursor and the pending queue as they change

With monitor_addr set, /metrics, /health, /api/status and a websocket event
feed at /ws are served on that address.

SIGHUP reopens the log file. Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(sinceOptions(cmd))
		defer a.close()
		cfg := a.cfg

		ctx, cancel := commandContext()
		defer cancel()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		var (
			server  *dashboard.Server
			handler *dashboard.Handler
			coord   *realtime.Coordinator
		)

		coordCfg := &realtime.Config{
			PollInterval:         cfg.Poll.Interval,
			MaxPollInterval:      cfg.Poll.MaxInterval,
			BackoffMultiplier:    cfg.Poll.Multiplier,
			ReconnectInterval:    cfg.Stream.ReconnectInterval,
			MaxReconnectInterval: cfg.Stream.MaxReconnectInterval,
			Metrics:              realtime.NewMetrics(reg),
			Logger:               a.sink.Logger("realtime"),
			OnStateChange: func(from, to realtime.State) {
				if handler != nil {
					handler.OnStateChange(from, to)
				}
			},
			OnApplied: func(source string, applied int, serverTimeMs int64) {
				if handler != nil {
					handler.OnApplied(source, applied, serverTimeMs)
				}
			},
		}

		var dialer realtime.StreamDialer
		if cfg.Stream.Enabled {
			dialer = realtime.NewWebSocketDialer(a.client)
		}

		coord, err := realtime.New(a.session, dialer, coordCfg)
		if err != nil {
			a.close()
			fatalf("%v", err)
		}

		if cfg.MonitorAddr != "" {
			server = dashboard.NewServer(&dashboard.Config{
				Addr:     cfg.MonitorAddr,
				Gatherer: reg,
				Status: func(ctx context.Context) (any, error) {
					stats, err := a.db.Stats(ctx)
					if err != nil {
						return nil, err
					}
					return map[string]any{
						"user_id":   cfg.UserID,
						"device_id": cfg.DeviceID,
						"state":     coord.State().String(),
						"cursor":    a.session.Cursor().Load(),
						"pending":   a.session.Pending(),
						"tables":    stats,
						"totals":    handler.Totals(),
					}, nil
				},
				Logger: a.sink.Logger("dashboard"),
			})
			handler = dashboard.NewHandler(server, a.sink.Logger("dashboard"))
			if err := server.Start(); err != nil {
				a.close()
				fatalf("failed to start monitor: %v", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					a.logger.Printf("WARNING: %v", err)
				}
			}()
		}

		b, err := openBus(cfg, a.sink)
		if err != nil {
			a.close()
			fatalf("%v", err)
		}
		defer b.Close()

		pushNow := make(chan struct{}, 1)
		mine := func(sig bus.Signal) bool {
			if sig.UserID != cfg.UserID {
				return false
			}
			if handler != nil {
				handler.OnSignal(sig)
			}
			return true
		}

		disposePull, err := b.SubscribePull(func(sig bus.Signal) {
			if mine(sig) {
				coord.PullNow()
			}
		})
		if err != nil {
			a.close()
			fatalf("%v", err)
		}
		defer disposePull()

		disposePush, err := b.SubscribePush(func(sig bus.Signal) {
			if !mine(sig) {
				return
			}
			select {
			case pushNow <- struct{}{}:
			default:
			}
		})
		if err != nil {
			a.close()
			fatalf("%v", err)
		}
		defer disposePush()

		fmt.Printf("%s Watching %s as %s\n", ui.RenderAccent("🚀"), cfg.UserID, cfg.DeviceID)
		pairs := []ui.KV{
			{Key: "Server", Value: cfg.Server.URL},
			{Key: "Replica", Value: cfg.Replica},
			{Key: "Cursor", Value: fmt.Sprintf("%d", a.session.Cursor().Load())},
			{Key: "Pending", Value: fmt.Sprintf("%d", a.session.Pending())},
			{Key: "Bus", Value: fmt.Sprintf("%v", b.Adapters())},
		}
		if server != nil {
			pairs = append(pairs, ui.KV{Key: "Monitor", Value: "http://" + server.Addr()})
		}
		ui.PrintKV(os.Stdout, pairs...)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return coord.Start(gctx) })
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					if err := a.sink.Rotate(); err != nil {
						a.logger.Printf("WARNING: %v", err)
					}
				case <-pushNow:
					resp, err := a.session.Push(gctx)
					if err != nil {
						a.savePending()
						continue
					}
					a.recordPush()
					if handler != nil {
						handler.OnPushed(resp, a.session.Pending())
					}
				}
			}
		})

		// Anything queued by an earlier run goes out once the watcher is up.
		if a.session.Pending() > 0 {
			select {
			case pushNow <- struct{}{}:
			default:
			}
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			a.close()
			fatalf("watcher stopped: %v", err)
		}
		fmt.Println("\nWatcher stopped")
	},
}

func init() {
	watchCmd.Flags().String("since", "", "Start from this point instead of the saved cursor")
	rootCmd.AddCommand(watchCmd)
}
