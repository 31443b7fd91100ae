package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/focusdeck/syncd/internal/schema"
	"github.com/focusdeck/syncd/internal/ui"
)

// sinceOptions reads the --since flag of cmd.
func sinceOptions(cmd *cobra.Command) appOptions {
	opts := appOptions{remote: true}
	raw, _ := cmd.Flags().GetString("since")
	if raw == "" {
		return opts
	}
	since, err := parseSince(raw, time.Now())
	if err != nil {
		fatalf("%v", err)
	}
	opts.since, opts.hasSince = since, true
	return opts
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// notifyPeers tells other contexts on this machine that new rows exist.
func notifyPeers(ctx context.Context, a *app) {
	b, err := openBus(a.cfg, a.sink)
	if err != nil {
		a.logger.Printf("WARNING: bus unavailable: %v", err)
		return
	}
	defer b.Close()
	if err := b.EmitPull(ctx, a.cfg.UserID, a.cfg.DeviceID); err != nil {
		a.logger.Printf("WARNING: failed to notify peers: %v", err)
	}
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull changes from the authority into the local replica",
	Long: `Pull every row changed since the saved cursor, apply it to the local
replica and advance the cursor.

--since restarts the pull from an earlier point; re-applied rows are
harmless. It accepts milliseconds since epoch or phrases like "2 hours ago".`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(sinceOptions(cmd))
		defer a.close()

		ctx, cancel := commandContext()
		defer cancel()

		start := time.Now()
		from := a.session.Cursor().Load()
		applied, err := a.session.PullOnce(ctx)
		if err != nil {
			a.close()
			fatalf("pull failed: %v", err)
		}

		fmt.Printf("%s Pulled in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		ui.PrintKV(os.Stdout,
			ui.KV{Key: "Applied", Value: fmt.Sprintf("%d rows", applied)},
			ui.KV{Key: "Cursor", Value: fmt.Sprintf("%d -> %d", from, a.session.Cursor().Load())},
		)
	},
}

var pushCmd = &cobra.Command{
	Use:     "push [batch.json]",
	GroupID: "sync",
	Short:   "Push pending local writes",
	Long: `Push every pending local write to the authority.

With a batch file, the rows in it are first stamped with this device's
writer, applied to the local replica and queued. The file maps table names
to row arrays:

  {"sets": [{"id": "s1", "data": {"title": "Morning"}}]}

Writes that cannot be pushed stay queued and are retried by the next push,
sync or watch.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(appOptions{remote: true})
		defer a.close()

		ctx, cancel := commandContext()
		defer cancel()

		var (
			resp *schema.PushResponse
			err  error
		)
		if len(args) == 1 {
			batch, rerr := schema.ReadBatchFile(args[0])
			if rerr != nil {
				a.close()
				fatalf("%v", rerr)
			}
			resp, err = a.session.Write(ctx, batch)
		} else {
			resp, err = a.session.Push(ctx)
		}
		if err != nil {
			a.close()
			fatalf("push failed (%d rows still pending): %v", a.session.Pending(), err)
		}
		a.recordPush()

		if resp.Accepted > 0 {
			notifyPeers(ctx, a)
		}
		fmt.Printf("%s Pushed %d rows\n", ui.RenderPass("✓"), resp.Accepted)
		ui.PrintKV(os.Stdout,
			ui.KV{Key: "Server time", Value: fmt.Sprintf("%d", resp.ServerTimeMs)},
			ui.KV{Key: "Pending", Value: fmt.Sprintf("%d", a.session.Pending())},
		)
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull, then push pending writes",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(sinceOptions(cmd))
		defer a.close()

		ctx, cancel := commandContext()
		defer cancel()

		pulled, resp, err := a.session.Sync(ctx)
		if err != nil {
			a.close()
			fatalf("%v", err)
		}
		a.recordPush()
		if resp.Accepted > 0 {
			notifyPeers(ctx, a)
		}

		fmt.Printf("%s Sync complete\n", ui.RenderPass("✓"))
		ui.PrintKV(os.Stdout,
			ui.KV{Key: "Pulled", Value: fmt.Sprintf("%d rows", pulled)},
			ui.KV{Key: "Pushed", Value: fmt.Sprintf("%d rows", resp.Accepted)},
			ui.KV{Key: "Cursor", Value: fmt.Sprintf("%d", a.session.Cursor().Load())},
		)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <table> <id>...",
	GroupID: "data",
	Short:   "Delete rows by writing tombstones",
	Args:    cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		table := schema.Table(args[0])
		if !table.Valid() {
			fatalf("unknown table %q", args[0])
		}

		a := openApp(appOptions{remote: true})
		defer a.close()

		ctx, cancel := commandContext()
		defer cancel()

		var rows []schema.Row
		for _, id := range args[1:] {
			row, ok, err := a.db.GetContext(ctx, table, id)
			if err != nil {
				a.close()
				fatalf("%v", err)
			}
			if !ok || row.IsTombstone() {
				fmt.Fprintf(os.Stderr, "%s %s/%s not found, skipping\n", ui.RenderWarn("⚠"), table, id)
				continue
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			return
		}

		resp, err := a.session.Delete(ctx, rows...)
		if err != nil {
			fmt.Printf("%s Deleted %d rows locally; push failed, they stay pending: %v\n",
				ui.RenderWarn("⚠"), len(rows), err)
			return
		}
		a.recordPush()
		notifyPeers(ctx, a)
		fmt.Printf("%s Deleted %d rows (server time %d)\n", ui.RenderPass("✓"), len(rows), resp.ServerTimeMs)
	},
}

func init() {
	pullCmd.Flags().String("since", "", "Pull from this point instead of the saved cursor")
	syncCmd.Flags().String("since", "", "Pull from this point instead of the saved cursor")

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(deleteCmd)
}
