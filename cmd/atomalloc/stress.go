package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fklr/atomalloc"
)

var (
	stressWorkers  int
	stressCycles   int
	stressMaxSize  int
	stressHold     int
	stressSeed     uint64
	stressDuration time.Duration
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressWorkers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	cmd.Flags().IntVarP(&stressCycles, "cycles", "n", 10000, "Allocate/write/read/deallocate cycles per worker")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 0, "Largest request size in bytes (default max_block_size)")
	cmd.Flags().IntVar(&stressHold, "hold", 8, "Blocks each worker keeps live before releasing the oldest")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().DurationVar(&stressDuration, "timeout", 0, "Abort the run after this long")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent allocation workload",
		Long: `The stress command runs concurrent workers that allocate blocks of
random size, fill them with a worker specific pattern, read them back and
release them. Fresh blocks are checked for leftover data when zero_on_dealloc
is enabled. Out of memory errors are counted, any other error aborts the run.

Example:
  atomalloc stress --workers 8 --cycles 100000
  atomalloc stress --config small.yaml --hold 64 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd.Context())
		},
	}
}

type stressReport struct {
	Workers   int             `json:"workers"`
	Cycles    int             `json:"cycles"`
	Elapsed   time.Duration   `json:"elapsed"`
	OpsPerSec float64         `json:"ops_per_sec"`
	OOM       uint64          `json:"oom"`
	Stats     atomalloc.Stats `json:"stats"`
}

// stressWorker owns a ring of live blocks. Its pattern byte makes data
// written by one worker recognizable in another worker's block.
type stressWorker struct {
	id      int
	a       *atomalloc.Allocator
	rng     *rand.Rand
	pattern byte
	maxSize int
	zeroed  bool
	live    []atomalloc.Block
	oom     *atomic.Uint64
}

func (w *stressWorker) run(ctx context.Context, cycles int) error {
	defer w.drain()
	for n := range cycles {
		if err := w.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				// timed out or another worker failed
				return nil
			}
			return fmt.Errorf("worker %d cycle %d: %w", w.id, n, err)
		}
	}
	return nil
}

func (w *stressWorker) cycle(ctx context.Context) error {
	size := 1 + w.rng.IntN(w.maxSize)
	b, err := w.a.Allocate(ctx, atomalloc.Layout{Size: size, Align: 8})
	if errors.Is(err, atomalloc.ErrOutOfMemory) {
		w.oom.Add(1)
		return w.release(ctx)
	}
	if err != nil {
		return err
	}
	if w.zeroed {
		fresh, err := b.Read(0, size)
		if err != nil {
			return err
		}
		if !bytes.Equal(fresh, make([]byte, size)) {
			return errors.New("fresh block carries data of a previous owner")
		}
	}
	data := bytes.Repeat([]byte{w.pattern}, size)
	if err := b.Write(0, data); err != nil {
		return err
	}
	got, err := b.Read(0, size)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, data) {
		return errors.New("block content changed under its owner")
	}
	w.live = append(w.live, b)
	if len(w.live) > stressHold {
		return w.release(ctx)
	}
	return nil
}

func (w *stressWorker) release(ctx context.Context) error {
	if len(w.live) == 0 {
		return nil
	}
	b := w.live[0]
	w.live = w.live[1:]
	return w.a.Deallocate(ctx, b)
}

func (w *stressWorker) drain() {
	for _, b := range w.live {
		if err := w.a.Deallocate(context.Background(), b); err != nil {
			log.Warn().Int("worker", w.id).Err(err).Msg("release during drain failed")
		}
	}
	w.live = nil
}

func runStress(ctx context.Context) error {
	if stressWorkers <= 0 || stressCycles <= 0 || stressHold < 0 {
		return fmt.Errorf("workers and cycles must be > 0, hold must be >= 0")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := atomalloc.WithConfig(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	maxSize := stressMaxSize
	if maxSize <= 0 {
		maxSize = int(cfg.MaxBlockSize)
	}
	if stressDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stressDuration)
		defer cancel()
	}

	printVerbose("allocator %s: %d workers x %d cycles, sizes up to %s\n",
		a.ID(), stressWorkers, stressCycles, humanize.IBytes(uint64(maxSize)))

	var oom atomic.Uint64
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for id := range stressWorkers {
		w := &stressWorker{
			id:      id,
			a:       a,
			rng:     rand.New(rand.NewPCG(stressSeed, uint64(id))),
			pattern: byte(id%255 + 1),
			maxSize: maxSize,
			zeroed:  cfg.ZeroOnDealloc,
			oom:     &oom,
		}
		g.Go(func() error {
			return w.run(ctx, stressCycles)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	st := a.Stats()
	report := stressReport{
		Workers:   stressWorkers,
		Cycles:    stressCycles,
		Elapsed:   elapsed,
		OpsPerSec: float64(st.Allocations+st.Deallocations) / elapsed.Seconds(),
		OOM:       oom.Load(),
		Stats:     st,
	}
	return finishStress(report)
}

// finishStress prints the report in the selected format. A run that leaves
// bytes in use fails either way.
func finishStress(r stressReport) error {
	var leak error
	if n := r.Stats.BytesInUse; n != 0 {
		leak = fmt.Errorf("%s still in use after all workers released their blocks", humanize.IBytes(n))
	}
	if jsonOut {
		if err := printJSON(r); err != nil {
			return err
		}
		return leak
	}
	printReport(r)
	return leak
}

func printReport(r stressReport) {
	st := r.Stats
	fmt.Printf("Workers:        %d x %s cycles in %s\n", r.Workers, humanize.Comma(int64(r.Cycles)), r.Elapsed.Round(time.Millisecond))
	fmt.Printf("Throughput:     %s ops/s\n", humanize.CommafWithDigits(r.OpsPerSec, 0))
	fmt.Printf("Allocations:    %s\n", humanize.Comma(int64(st.Allocations)))
	fmt.Printf("Deallocations:  %s\n", humanize.Comma(int64(st.Deallocations)))
	fmt.Printf("Cache hits:     %s\n", humanize.Comma(int64(st.CacheHits)))
	fmt.Printf("Cache misses:   %s\n", humanize.Comma(int64(st.CacheMisses)))
	fmt.Printf("Out of memory:  %s (%s retries)\n", humanize.Comma(int64(r.OOM)), humanize.Comma(int64(st.OOMRetries)))
	fmt.Printf("Evictions:      %s\n", humanize.Comma(int64(st.Evictions)))
	fmt.Printf("Reclaims:       %s\n", humanize.Comma(int64(st.Reclaims)))
	fmt.Printf("Bytes moved:    %s allocated, %s freed\n", humanize.IBytes(st.BytesAllocated), humanize.IBytes(st.BytesFreed))
	fmt.Printf("Pool:           %s charged, %s mapped, %d slots\n", humanize.IBytes(st.PoolBytes), humanize.IBytes(st.MappedBytes), st.Slots)
	fmt.Printf("Cache:          %d hot, %d cold\n", st.HotBlocks, st.ColdBlocks)
}
