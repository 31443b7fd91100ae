// Package migrate imports row exports written by older clients.
//
// An export is a JSONL file with one row per line, each carrying its table:
//
//	{"table":"sets","id":"s1","updated_at":1700000000000,"updated_by":"d:laptop","deleted_at":null,"data":{...}}
//
// Older clients encoded the device class inside updated_by ("d:" pointer,
// "m:" touch). Import moves that tag into the explicit priority class and
// keeps only the device id, so imported rows tie-break exactly like rows
// written by current clients.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/focusdeck/syncd/internal/merge"
	"github.com/focusdeck/syncd/internal/rowsync"
	"github.com/focusdeck/syncd/internal/schema"
)

// Options contains configuration for an import
type Options struct {
	// FromJSONL is the export to read.
	FromJSONL string

	// UserID fills rows that do not name their owner. Rows owned by a
	// different user are rejected.
	UserID string

	// TieBreak folds duplicate rows (default: schema.DefaultTieBreak)
	TieBreak schema.TieBreak

	// Applier receives the imported batch (optional).
	Applier rowsync.Applier

	// ToBatchFile writes the imported batch as a push-ready JSON file (optional).
	ToBatchFile string

	// DryRun parses and validates without applying or writing.
	DryRun bool

	// Backup copies the export next to itself before importing.
	Backup bool
}

// Result contains statistics about the import
type Result struct {
	RowsRead      int
	RowsImported  int
	LegacyWriters int
	Tombstones    int
	Duplicates    int
	Applied       int
	BackupCreated string
	Batch         schema.Batch
	Errors        []string
}

// ReadJSONL parses an export. Blank lines are skipped. A malformed line
// stops the read with its line number.
func ReadJSONL(r io.Reader) ([]schema.Row, error) {
	var rows []schema.Row
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var row schema.Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("invalid row at line %d: %w", lineNum, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	return rows, nil
}

// NormalizeWriter moves a legacy "<tag>:<device>" writer into the explicit
// priority class. Returns true if the row was rewritten. Rows that already
// carry a class are left alone.
func NormalizeWriter(row *schema.Row) bool {
	if row.Priority != schema.ClassUnknown {
		return false
	}
	class, device := schema.ParseLegacyWriter(row.UpdatedBy)
	if class == schema.ClassUnknown {
		return false
	}
	row.Priority = class
	row.UpdatedBy = device
	return true
}

// Import reads, normalizes, validates and folds an export, then applies it
// and/or writes it as a batch file. Invalid rows are reported in
// Result.Errors and skipped; they do not fail the import.
func Import(ctx context.Context, opts Options) (*Result, error) {
	if len(opts.TieBreak.Order) == 0 {
		opts.TieBreak = schema.DefaultTieBreak
	}

	// #nosec G304 - controlled path from CLI
	file, err := os.Open(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to open export: %w", err)
	}
	defer file.Close()

	result := &Result{}

	if opts.Backup && !opts.DryRun {
		backupPath, err := backup(opts.FromJSONL)
		if err != nil {
			return nil, err
		}
		result.BackupCreated = backupPath
	}

	rows, err := ReadJSONL(file)
	if err != nil {
		return nil, err
	}
	result.RowsRead = len(rows)

	// Duplicate keys collapse to the dominating version, so the batch holds
	// what a replica would end up with after applying every line.
	folded := merge.NewReplica(opts.TieBreak)
	for i := range rows {
		row := rows[i]
		if NormalizeWriter(&row) {
			result.LegacyWriters++
		}
		if row.UserID == "" {
			row.UserID = opts.UserID
		}
		if opts.UserID != "" && row.UserID != opts.UserID {
			result.Errors = append(result.Errors,
				fmt.Sprintf("row %s/%s belongs to %s, not %s", row.Table, row.ID, row.UserID, opts.UserID))
			continue
		}
		if err := row.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %s/%s: %v", row.Table, row.ID, err))
			continue
		}
		if _, held := folded.Get(row.Table, row.ID); held {
			result.Duplicates++
		}
		folded.ApplyRow(row)
	}

	result.Batch = folded.Snapshot()
	result.RowsImported = result.Batch.Len()
	for _, row := range result.Batch.Rows() {
		if row.IsTombstone() {
			result.Tombstones++
		}
	}

	if opts.DryRun || result.RowsImported == 0 {
		return result, nil
	}

	if opts.Applier != nil {
		applied, err := opts.Applier.Apply(ctx, result.Batch)
		if err != nil {
			return result, fmt.Errorf("failed to apply imported rows: %w", err)
		}
		result.Applied = applied
	}

	if opts.ToBatchFile != "" {
		if err := schema.WriteBatchFile(opts.ToBatchFile, result.Batch); err != nil {
			return result, err
		}
	}

	return result, nil
}

func backup(path string) (string, error) {
	backupPath := path + ".backup." + time.Now().Format("20060102-150405")
	input, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read export for backup: %w", err)
	}
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backupPath, nil
}
