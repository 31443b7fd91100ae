package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/focusdeck/syncd/internal/bus"
	"github.com/focusdeck/syncd/internal/ui"
)

var busCmd = &cobra.Command{
	Use:     "bus",
	GroupID: "advanced",
	Short:   "Cross-context sync signals",
}

var busEmitCmd = &cobra.Command{
	Use:   "emit <pull|push>",
	Short: "Ask every watcher of this user to pull or push now",
	Long: `Emit a sync intent on the bus. Watchers on this machine sharing the bus
directory react to it: pull fetches from the authority immediately, push
sends their pending writes.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		intent, err := bus.ParseIntent(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		cfg := loadConfig()
		if cfg.UserID == "" {
			fatalf("user_id is not set")
		}
		if err := cfg.EnsureDeviceID(); err != nil {
			fatalf("%v", err)
		}
		sink := openSink(cfg)
		defer sink.Close()

		b, err := openBus(cfg, sink)
		if err != nil {
			fatalf("%v", err)
		}
		defer b.Close()

		ctx, cancel := commandContext()
		defer cancel()

		if err := b.Emit(ctx, intent, cfg.UserID, cfg.DeviceID); err != nil {
			fmt.Printf("%s Emitted %s with errors: %v\n", ui.RenderWarn("⚠"), intent, err)
			return
		}
		fmt.Printf("%s Emitted %s via %v\n", ui.RenderPass("✓"), intent, b.Adapters())
	},
}

func init() {
	busCmd.AddCommand(busEmitCmd)
	rootCmd.AddCommand(busCmd)
}
