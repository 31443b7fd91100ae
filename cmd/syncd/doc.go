package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/focusdeck/syncd/internal/docstore"
	"github.com/focusdeck/syncd/internal/syncerr"
	"github.com/focusdeck/syncd/internal/ui"
)

var docCmd = &cobra.Command{
	Use:     "doc",
	GroupID: "data",
	Short:   "Read and write single documents",
	Long: `Read and write per-user documents such as settings.

Writes are conditional: the document is read first to learn its freshness
token, and a write that loses a race is retried once after re-reading.`,
}

func openDocStore() (*docstore.Store[json.RawMessage], func()) {
	cfg := loadConfig()
	if err := cfg.RequireRemote(); err != nil {
		fatalf("%v", err)
	}
	sink := openSink(cfg)
	store := docstore.NewStore[json.RawMessage](newClient(cfg), cfg.UserID, nil, sink.Logger("docstore"))
	return store, func() { _ = sink.Close() }
}

var docGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a document",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, done := openDocStore()
		defer done()

		ctx, cancel := commandContext()
		defer cancel()

		doc, err := store.LoadDocument(ctx, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if doc == nil {
			fmt.Fprintf(os.Stderr, "%s Document %s does not exist\n", ui.RenderWarn("⚠"), args[0])
			os.Exit(1)
		}

		var out bytes.Buffer
		if err := json.Indent(&out, *doc.Data, "", "  "); err != nil {
			out.Reset()
			out.Write(*doc.Data)
		}
		fmt.Println(out.String())

		if showMeta, _ := cmd.Flags().GetBool("meta"); showMeta {
			ui.PrintKV(os.Stderr,
				ui.KV{Key: "Updated at", Value: fmt.Sprintf("%d", doc.UpdatedAt)},
				ui.KV{Key: "ETag", Value: doc.ETag},
			)
		}
	},
}

var docPutCmd = &cobra.Command{
	Use:   "put <key> <json|@file|->",
	Short: "Write a document",
	Long: `Write a document. The value is inline JSON, @path to read a file, or -
to read standard input.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := readDocValue(args[1], os.Stdin)
		if err != nil {
			fatalf("%v", err)
		}

		store, done := openDocStore()
		defer done()

		ctx, cancel := commandContext()
		defer cancel()

		if _, err := store.LoadDocument(ctx, args[0]); err != nil {
			fatalf("%v", err)
		}
		if err := store.Save(ctx, args[0], raw); err != nil {
			if errors.Is(err, syncerr.ErrConflict) {
				fatalf("document %s keeps changing on another device; try again", args[0])
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Saved %s\n", ui.RenderPass("✓"), args[0])
	},
}

// readDocValue resolves the value argument of doc put.
func readDocValue(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		// #nosec G304 - path from CLI
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document value: %w", err)
	}

	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("document value is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func init() {
	docGetCmd.Flags().Bool("meta", false, "Also print updated_at and the freshness token to stderr")

	docCmd.AddCommand(docGetCmd)
	docCmd.AddCommand(docPutCmd)
	rootCmd.AddCommand(docCmd)
}
