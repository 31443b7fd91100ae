// Package loadtest checks that replicas converge under concurrent,
// reordered and duplicated delivery, and measures apply latency.
//
// A run generates writes from many simulated devices, with timestamps drawn
// from a narrow window so exact ties are common. Every replica receives the
// full set of writes in its own random order, in batches, with some batches
// delivered twice, while all replicas apply concurrently. At the end every
// replica must hold exactly what folding the writes with the merge rule
// produces.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/focusdeck/syncd/internal/merge"
	"github.com/focusdeck/syncd/internal/replica"
	"github.com/focusdeck/syncd/internal/schema"
)

// Config describes one run.
type Config struct {
	// Dir holds the replica databases (required)
	Dir string

	// Replicas is the number of independent replicas (default: 4)
	Replicas int

	// Devices is the number of simulated writers (default: 8)
	Devices int

	// Rows is the number of distinct row ids written to (default: 50)
	Rows int

	// WritesPerDevice is the number of writes each device makes (default: 100)
	WritesPerDevice int

	// BatchSize is the number of rows per apply (default: 10)
	BatchSize int

	// TimeWindow bounds updated_at to [1, TimeWindow] ms; small windows
	// force tie-breaks (default: 20)
	TimeWindow int64

	// DeleteRatio is the share of writes that are tombstones (default: 0.1)
	DeleteRatio float64

	// DuplicateRatio is the share of batches delivered twice (default: 0.1)
	DuplicateRatio float64

	// Seed makes runs reproducible
	Seed int64

	// TieBreak orders exact-timestamp ties (default: schema.DefaultTieBreak)
	TieBreak schema.TieBreak

	// Logger for run progress (default: stderr logger)
	Logger *log.Logger
}

func (c *Config) setDefaults() {
	if c.Replicas <= 0 {
		c.Replicas = 4
	}
	if c.Devices <= 0 {
		c.Devices = 8
	}
	if c.Rows <= 0 {
		c.Rows = 50
	}
	if c.WritesPerDevice <= 0 {
		c.WritesPerDevice = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = 20
	}
	if c.DeleteRatio <= 0 || c.DeleteRatio >= 1 {
		c.DeleteRatio = 0.1
	}
	if c.DuplicateRatio <= 0 || c.DuplicateRatio > 1 {
		c.DuplicateRatio = 0.1
	}
	if len(c.TieBreak.Order) == 0 {
		c.TieBreak = schema.DefaultTieBreak
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}
}

// LatencyStats captures apply latency across all replicas.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalApplies int
	Durations    []time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Writes     int
	Replicas   int
	FinalRows  int
	Tombstones int
	Latency    *LatencyStats

	// Divergent lists "replica N: table/id ..." lines for every mismatch.
	// Empty means every replica converged.
	Divergent []string
}

// Converged reports whether every replica matched the expected state.
func (r *Report) Converged() bool {
	return len(r.Divergent) == 0
}

// GenerateWrites creates the writes of every simulated device.
// Half the devices report the pointer class, half touch.
func GenerateWrites(cfg Config) []schema.Row {
	cfg.setDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	tables := []schema.Table{schema.TableSets, schema.TableActions}
	writes := make([]schema.Row, 0, cfg.Devices*cfg.WritesPerDevice)

	for d := 0; d < cfg.Devices; d++ {
		device := fmt.Sprintf("device-%02d", d)
		class := schema.ClassPointer
		if d%2 == 1 {
			class = schema.ClassTouch
		}

		for w := 0; w < cfg.WritesPerDevice; w++ {
			table := tables[rng.Intn(len(tables))]
			row := schema.Row{
				Table:     table,
				ID:        fmt.Sprintf("%s-%03d", table, rng.Intn(cfg.Rows)),
				UserID:    "loadtest",
				UpdatedAt: 1 + rng.Int63n(cfg.TimeWindow),
				UpdatedBy: device,
				Priority:  class,
			}
			title := fmt.Sprintf("%s write %d", device, w)
			switch table {
			case schema.TableSets:
				row.Data = schema.SetData{Title: title, Order: w}
			case schema.TableActions:
				row.Data = schema.ActionData{SetID: "sets-000", Title: title, Order: w}
			}
			if rng.Float64() < cfg.DeleteRatio {
				row = row.Tombstone(row.UpdatedAt)
			}
			writes = append(writes, row)
		}
	}
	return writes
}

// Run executes a load test. It fails only on setup or database errors;
// divergence is reported in the Report.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	cfg.setDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("loadtest directory is required")
	}

	writes := GenerateWrites(cfg)
	expected := merge.NewReplica(cfg.TieBreak)
	for _, w := range writes {
		expected.ApplyRow(w)
	}

	dbs := make([]*replica.DB, cfg.Replicas)
	quiet := log.New(io.Discard, "", 0)
	for i := range dbs {
		db, err := replica.Open(filepath.Join(cfg.Dir, fmt.Sprintf("replica-%02d.db", i)), cfg.TieBreak, quiet)
		if err != nil {
			closeAll(dbs)
			return nil, fmt.Errorf("failed to open replica %d: %w", i, err)
		}
		if err := db.Reset(ctx); err != nil {
			_ = db.Close()
			closeAll(dbs)
			return nil, err
		}
		dbs[i] = db
	}
	defer closeAll(dbs)

	cfg.Logger.Printf("Applying %d writes from %d devices into %d replicas", len(writes), cfg.Devices, cfg.Replicas)

	var mu sync.Mutex
	var durations []time.Duration

	g, gctx := errgroup.WithContext(ctx)
	for i, db := range dbs {
		i, db := i, db
		g.Go(func() error {
			local, err := deliver(gctx, db, writes, cfg, cfg.Seed+int64(i)+1)
			mu.Lock()
			durations = append(durations, local...)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Writes:   len(writes),
		Replicas: cfg.Replicas,
		Latency:  computeLatencyStats(durations),
	}
	for _, row := range expected.Snapshot().Rows() {
		report.FinalRows++
		if row.IsTombstone() {
			report.Tombstones++
		}
	}

	for i, db := range dbs {
		diffs, err := compare(ctx, db, expected, cfg.TieBreak)
		if err != nil {
			return nil, fmt.Errorf("failed to compare replica %d: %w", i, err)
		}
		for _, d := range diffs {
			report.Divergent = append(report.Divergent, fmt.Sprintf("replica %d: %s", i, d))
		}
	}

	return report, nil
}

// deliver applies the writes in a seeded random order, in batches, with
// some batches applied twice. Returns the latency of every apply.
func deliver(ctx context.Context, db *replica.DB, writes []schema.Row, cfg Config, seed int64) ([]time.Duration, error) {
	rng := rand.New(rand.NewSource(seed))
	order := rng.Perm(len(writes))

	var durations []time.Duration
	for start := 0; start < len(order); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(order) {
			end = len(order)
		}
		batch := make(schema.Batch)
		for _, idx := range order[start:end] {
			batch.Add(writes[idx])
		}

		times := 1
		if rng.Float64() < cfg.DuplicateRatio {
			times = 2
		}
		for n := 0; n < times; n++ {
			begin := time.Now()
			if _, err := db.Apply(ctx, batch); err != nil {
				return durations, err
			}
			durations = append(durations, time.Since(begin))
		}
	}
	return durations, nil
}

// compare lists every row where db differs from the expected replica.
func compare(ctx context.Context, db *replica.DB, expected *merge.Replica, tb schema.TieBreak) ([]string, error) {
	var diffs []string
	for _, table := range schema.AllTables {
		got, err := db.ListContext(ctx, replica.ListFilter{Table: table, IncludeTombstones: true})
		if err != nil {
			return nil, err
		}
		want := expected.All(table)

		held := make(map[string]schema.Row, len(got))
		for _, row := range got {
			held[row.ID] = row
		}
		for _, w := range want {
			g, ok := held[w.ID]
			if !ok {
				diffs = append(diffs, fmt.Sprintf("%s/%s missing", table, w.ID))
				continue
			}
			if merge.Compare(g, w, tb) != 0 {
				diffs = append(diffs, fmt.Sprintf("%s/%s holds %s@%d, want %s@%d",
					table, w.ID, g.UpdatedBy, g.UpdatedAt, w.UpdatedBy, w.UpdatedAt))
			}
			delete(held, w.ID)
		}
		for id := range held {
			diffs = append(diffs, fmt.Sprintf("%s/%s unexpected", table, id))
		}
	}
	sort.Strings(diffs)
	return diffs, nil
}

func closeAll(dbs []*replica.DB) {
	for _, db := range dbs {
		if db != nil {
			_ = db.Close()
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalApplies: len(durations),
		Durations:    sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Apply latency:\n")
	fmt.Fprintf(w, "  Applies:       %d\n", s.TotalApplies)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
