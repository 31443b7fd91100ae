package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/focusdeck/syncd/internal/migrate"
	"github.com/focusdeck/syncd/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <export.jsonl>",
	GroupID: "data",
	Short:   "Import rows exported by an older client",
	Long: `Import a JSONL export of rows into the local replica.

Legacy writers ("d:<device>", "m:<device>") are converted to an explicit
priority class. Repeated rows collapse to the version that wins the merge.

With --push the imported rows are also queued and pushed to the authority.
With --to-batch they are written as a batch file that 'syncd push' accepts.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		toBatch, _ := cmd.Flags().GetString("to-batch")
		push, _ := cmd.Flags().GetBool("push")

		a := openApp(appOptions{remote: push && !dryRun})
		defer a.close()

		ctx, cancel := commandContext()
		defer cancel()

		opts := migrate.Options{
			FromJSONL:   args[0],
			UserID:      a.cfg.UserID,
			TieBreak:    a.cfg.TieBreakOrder(),
			Applier:     a.db,
			ToBatchFile: toBatch,
			DryRun:      dryRun,
			Backup:      backup,
		}

		fmt.Printf("%s Importing %s...\n", ui.RenderAccent("📥"), args[0])
		result, err := migrate.Import(ctx, opts)
		if err != nil {
			a.close()
			fatalf("%v", err)
		}

		pairs := []ui.KV{
			{Key: "Read", Value: fmt.Sprintf("%d rows", result.RowsRead)},
			{Key: "Imported", Value: fmt.Sprintf("%d rows", result.RowsImported)},
			{Key: "Applied", Value: fmt.Sprintf("%d rows", result.Applied)},
			{Key: "Tombstones", Value: fmt.Sprintf("%d", result.Tombstones)},
			{Key: "Duplicates", Value: fmt.Sprintf("%d", result.Duplicates)},
			{Key: "Legacy writers", Value: fmt.Sprintf("%d", result.LegacyWriters)},
		}
		if result.BackupCreated != "" {
			pairs = append(pairs, ui.KV{Key: "Backup", Value: result.BackupCreated})
		}
		ui.PrintKV(os.Stdout, pairs...)

		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), e)
		}

		if dryRun {
			fmt.Printf("%s Dry run, nothing written\n", ui.RenderMuted("·"))
			return
		}
		if !push || result.RowsImported == 0 {
			fmt.Printf("%s Import complete\n", ui.RenderPass("✓"))
			return
		}

		if err := a.session.Restore(result.Batch); err != nil {
			a.close()
			fatalf("%v", err)
		}
		resp, err := a.session.Push(ctx)
		if err != nil {
			fmt.Printf("%s Imported locally; push failed, %d rows stay pending: %v\n",
				ui.RenderWarn("⚠"), a.session.Pending(), err)
			return
		}
		a.recordPush()
		notifyPeers(ctx, a)
		fmt.Printf("%s Import complete, pushed %d rows\n", ui.RenderPass("✓"), resp.Accepted)
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "Parse and validate without writing")
	importCmd.Flags().Bool("backup", false, "Copy the export before importing")
	importCmd.Flags().String("to-batch", "", "Also write the imported rows as a batch file")
	importCmd.Flags().Bool("push", false, "Push the imported rows to the authority")
	rootCmd.AddCommand(importCmd)
}
