package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/dvstm/stm"
)

// runConfig holds the workload shape.
type runConfig struct {
	workers    int
	duration   time.Duration
	words      uint64
	align      uint64
	writeRatio float64
	opsPerTx   int
	roRatio    float64
	churn      bool
	verbose    bool
	metrics    bool
}

// runStats aggregates worker-side counters.
type runStats struct {
	commits  atomic.Uint64
	aborts   atomic.Uint64
	rejected atomic.Uint64
	reads    atomic.Uint64
	writes   atomic.Uint64
}

func newRunCommand() *cobra.Command {
	var cfg runConfig

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a concurrent workload against one region",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(&cfg)
		},
	}
	addRunFlags(cmd.Flags(), &cfg)
	return cmd
}

func addRunFlags(f *pflag.FlagSet, cfg *runConfig) {
	f.IntVar(&cfg.workers, "workers", 8, "concurrent worker goroutines")
	f.DurationVar(&cfg.duration, "duration", 5*time.Second, "how long to run")
	f.Uint64Var(&cfg.words, "words", 64, "words in the first segment")
	f.Uint64Var(&cfg.align, "align", 8, "word size in bytes (power of two)")
	f.Float64Var(&cfg.writeRatio, "write-ratio", 0.5, "fraction of ops that write")
	f.IntVar(&cfg.opsPerTx, "ops-per-tx", 4, "operations per transaction")
	f.Float64Var(&cfg.roRatio, "ro-ratio", 0.25, "fraction of read-only transactions")
	f.BoolVar(&cfg.churn, "churn", false, "also allocate and free segments")
	f.BoolVar(&cfg.verbose, "verbose", false, "debug logging")
	f.BoolVar(&cfg.metrics, "metrics", false, "dump Prometheus counters at exit")
}

func runStress(cfg *runConfig) error {
	if cfg.workers <= 0 {
		return errors.New("--workers must be positive")
	}
	if cfg.writeRatio < 0 || cfg.writeRatio > 1 {
		return errors.New("--write-ratio must be in [0,1]")
	}

	logger, err := buildLogger(cfg.verbose)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer func() { _ = logger.Sync() }()

	opts := []stm.Option{stm.WithLogger(logger)}
	var reg *prometheus.Registry
	if cfg.metrics {
		reg = prometheus.NewRegistry()
		opts = append(opts, stm.WithMetrics(reg))
	}

	tm, err := stm.New(cfg.words*cfg.align, cfg.align, opts...)
	if err != nil {
		return errors.Wrap(err, "create region")
	}
	defer tm.Destroy()

	logger.Info("starting workload",
		zap.Int("workers", cfg.workers),
		zap.Duration("duration", cfg.duration),
		zap.String("region", humanize.IBytes(cfg.words*cfg.align)),
		zap.Float64("write_ratio", cfg.writeRatio),
		zap.Bool("churn", cfg.churn))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	var stats runStats
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.workers; w++ {
		seed := time.Now().UnixNano() ^ int64(w)<<32
		g.Go(func() error {
			worker(ctx, tm, cfg, &stats, rand.New(rand.NewSource(seed)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	report(tm, &stats, elapsed)
	if reg != nil {
		if err := dumpMetrics(reg); err != nil {
			return err
		}
	}
	return nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg = zap.NewDevelopmentConfig()
	}
	return zcfg.Build()
}

// worker loops transactions until the context expires.
func worker(ctx context.Context, tm *stm.TM, cfg *runConfig, stats *runStats, rng *rand.Rand) {
	align := tm.Align()
	buf := make([]byte, align)

	// Segments this worker allocated and committed, eligible for churn.
	var owned []stm.Addr

	for ctx.Err() == nil {
		readOnly := rng.Float64() < cfg.roRatio
		tx := tm.Begin(readOnly)
		if tx == stm.InvalidTx {
			stats.rejected.Add(1)
			continue
		}

		aborted := false
		for op := 0; op < cfg.opsPerTx && !aborted; op++ {
			target := tm.Start().Add(uint64(rng.Int63n(int64(cfg.words))) * align)
			if !readOnly && rng.Float64() < cfg.writeRatio {
				binary.LittleEndian.PutUint64(buf, rng.Uint64())
				if tm.Write(tx, buf, target) {
					stats.writes.Add(1)
				} else {
					aborted = true
				}
			} else {
				if tm.Read(tx, target, buf) {
					stats.reads.Add(1)
				} else {
					aborted = true
				}
			}
		}

		if !aborted && !readOnly && cfg.churn {
			aborted = !churnSegments(tm, tx, rng, &owned, align)
		}

		if aborted {
			stats.aborts.Add(1)
			continue
		}
		tm.End(tx)
		stats.commits.Add(1)
	}
}

// churnSegments occasionally allocates a scratch segment or frees a
// previously committed one. Reports whether the transaction survived.
func churnSegments(tm *stm.TM, tx stm.TxID, rng *rand.Rand, owned *[]stm.Addr, align uint64) bool {
	switch {
	case rng.Intn(4) == 0:
		h, status := tm.Alloc(tx, 4*align)
		switch status {
		case stm.AllocSuccess:
			// Touch the fresh segment so installation has work to do.
			if !tm.Write(tx, make([]byte, align), h) {
				return false
			}
			*owned = append(*owned, h)
		default:
			return false
		}
	case len(*owned) > 0 && rng.Intn(4) == 0:
		h := (*owned)[len(*owned)-1]
		*owned = (*owned)[:len(*owned)-1]
		if !tm.Free(tx, h) {
			return false
		}
	}
	return true
}

func report(tm *stm.TM, stats *runStats, elapsed time.Duration) {
	commits := stats.commits.Load()
	aborts := stats.aborts.Load()
	total := commits + aborts

	fmt.Printf("elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("epochs:     %s\n", humanize.Comma(int64(tm.Epoch())))
	fmt.Printf("commits:    %s (%.1f/s)\n",
		humanize.Comma(int64(commits)), float64(commits)/elapsed.Seconds())
	fmt.Printf("aborts:     %s", humanize.Comma(int64(aborts)))
	if total > 0 {
		fmt.Printf(" (%.1f%%)", 100*float64(aborts)/float64(total))
	}
	fmt.Println()
	fmt.Printf("rejected:   %s\n", humanize.Comma(int64(stats.rejected.Load())))
	fmt.Printf("reads:      %s\n", humanize.Comma(int64(stats.reads.Load())))
	fmt.Printf("writes:     %s\n", humanize.Comma(int64(stats.writes.Load())))
}

func dumpMetrics(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	fmt.Println("--- prometheus ---")
	for _, f := range families {
		for _, m := range f.GetMetric() {
			label := ""
			for _, l := range m.GetLabel() {
				label += fmt.Sprintf("{%s=%s}", l.GetName(), l.GetValue())
			}
			fmt.Printf("%s%s %v\n", f.GetName(), label, m.GetCounter().GetValue())
		}
	}
	return nil
}
