package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/focusdeck/syncd/internal/ui"
)

func formatMillis(ms int64) string {
	if ms == 0 {
		return ui.RenderMuted("never")
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show replica and cursor status",
	Long: `Display the local sync state of this device.

Shows:
  - Replica file location and size
  - Live and deleted rows per table
  - Saved cursor, last pull and last push
  - Writes waiting to be pushed`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(appOptions{})
		defer a.close()
		cfg := a.cfg

		size := "-"
		if info, err := os.Stat(cfg.Replica); err == nil {
			size = ui.FormatBytes(info.Size())
		}

		stats, err := a.db.Stats(context.Background())
		if err != nil {
			a.close()
			fatalf("%v", err)
		}

		cursor, err := a.store.Get(cfg.UserID, cfg.DeviceID)
		if err != nil {
			a.close()
			fatalf("%v", err)
		}
		pending, err := a.store.LoadPending(cfg.UserID, cfg.DeviceID)
		if err != nil {
			a.close()
			fatalf("%v", err)
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		user := cfg.UserID
		if user == "" {
			user = ui.RenderWarn("not set")
		}
		ui.PrintKV(os.Stdout,
			ui.KV{Key: "User", Value: user},
			ui.KV{Key: "Device", Value: fmt.Sprintf("%s (%s)", cfg.DeviceID, cfg.Priority)},
			ui.KV{Key: "Replica", Value: fmt.Sprintf("%s (%s)", cfg.Replica, size)},
			ui.KV{Key: "Cursor", Value: strconv.FormatInt(cursor.Since, 10)},
			ui.KV{Key: "Last pull", Value: formatMillis(cursor.LastPullAt)},
			ui.KV{Key: "Last push", Value: formatMillis(cursor.LastPushAt)},
			ui.KV{Key: "Pending", Value: strconv.Itoa(pending.Len())},
		)
		fmt.Println()

		rows := make([][]string, 0, len(stats))
		for _, st := range stats {
			rows = append(rows, []string{
				string(st.Table),
				strconv.Itoa(st.Live),
				strconv.Itoa(st.Tombstones),
				formatMillis(st.LastUpdatedAt),
			})
		}
		fmt.Println(ui.Table([]string{"Table", "Live", "Deleted", "Last write"}, rows))
		fmt.Println()
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "advanced",
	Short:   "Discard the local replica, cursor and pending writes",
	Long: `Delete every local row, the saved cursor and the pending queue for this
(user, device), e.g. after logging out. The next pull starts from zero.

Pending writes that were never pushed are lost.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		a := openApp(appOptions{})
		defer a.close()
		cfg := a.cfg

		pending, err := a.store.LoadPending(cfg.UserID, cfg.DeviceID)
		if err != nil {
			a.close()
			fatalf("%v", err)
		}
		if !force {
			fmt.Printf("%s This deletes the replica at %s", ui.RenderWarn("⚠"), cfg.Replica)
			if pending.Len() > 0 {
				fmt.Printf(" and %d unpushed writes", pending.Len())
			}
			fmt.Printf("\n   Re-run with --force to continue\n")
			return
		}

		if err := a.db.Reset(context.Background()); err != nil {
			a.close()
			fatalf("%v", err)
		}
		if err := a.store.Reset(cfg.UserID, cfg.DeviceID); err != nil {
			a.close()
			fatalf("%v", err)
		}
		fmt.Printf("%s Local state reset\n", ui.RenderPass("✓"))
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		out, err := cfg.Show()
		if err != nil {
			fatalf("%v", err)
		}
		source := cfg.File
		if source == "" {
			source = "defaults and environment"
		}
		fmt.Printf("# %s\n%s", source, out)
	},
}

func init() {
	resetCmd.Flags().Bool("force", false, "Reset without confirmation")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(configCmd)
}
