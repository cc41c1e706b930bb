package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pagemill/segheap/alloc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	stressOps         int
	stressGoroutines  int
	stressMaxSize     int
	stressSeed        int64
	stressCross       int
	stressWindow      int
	stressSegmentSize int
	stressPageSize    int
	stressDebug       bool
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOps, "ops", 200000, "Total operations across all goroutines")
	cmd.Flags().IntVar(&stressGoroutines, "goroutines", 4, "Worker goroutines, one heap each")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 20480, "Largest request size in bytes")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&stressCross, "cross", 25, "Percentage of frees routed through another goroutine")
	cmd.Flags().IntVar(&stressWindow, "window", 256, "Live blocks each worker keeps before freeing")
	cmd.Flags().IntVar(&stressSegmentSize, "segment-size", 4<<20, "Segment size in bytes")
	cmd.Flags().IntVar(&stressPageSize, "page-size", 64<<10, "Page size in bytes")
	cmd.Flags().BoolVar(&stressDebug, "debug", false, "Enable allocator debug checks (poisoning, double-free panics)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a randomized allocator workload",
		Long: `The stress command hammers a pool with a random mix of alloc, free,
realloc and collect calls from several goroutines, optionally routing a
share of the frees through a different goroutine to exercise the deferred
free queues. Afterwards it verifies that every byte was returned and the
bookkeeping invariants hold, then prints the pool statistics.

Example:
  segctl stress
  segctl stress --ops 1000000 --goroutines 8 --cross 50
  segctl stress --max-size 512 --debug --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

func runStress() error {
	p, err := alloc.NewPool(
		alloc.WithSegmentSize(stressSegmentSize),
		alloc.WithPageSize(stressPageSize),
		alloc.WithDebugChecks(stressDebug),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	crossFrees := make(chan alloc.Pointer, 1024)
	var freer errgroup.Group
	freer.Go(func() error {
		for ptr := range crossFrees {
			p.Free(ptr)
		}
		return nil
	})

	heaps := make([]*alloc.Heap, stressGoroutines)
	for i := range heaps {
		heaps[i] = p.NewHeap()
	}

	start := time.Now()
	perWorker := stressOps / stressGoroutines

	var workers errgroup.Group
	for w := 0; w < stressGoroutines; w++ {
		h := heaps[w]
		seed := stressSeed + int64(w)
		workers.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			live := make([]alloc.Pointer, 0, stressWindow)

			freeOne := func(idx int) {
				ptr := live[idx]
				live[idx] = live[len(live)-1]
				live = live[:len(live)-1]
				if stressCross > 0 && rng.Intn(100) < stressCross {
					crossFrees <- ptr
				} else {
					h.Free(ptr)
				}
			}

			for i := 0; i < perWorker; i++ {
				switch op := rng.Intn(10); {
				case op < 5:
					ptr, allocErr := h.Alloc(1 + rng.Intn(stressMaxSize))
					if allocErr != nil {
						return fmt.Errorf("alloc: %w", allocErr)
					}
					live = append(live, ptr)
					if len(live) > stressWindow {
						freeOne(rng.Intn(len(live)))
					}
				case op < 8:
					if len(live) > 0 {
						freeOne(rng.Intn(len(live)))
					}
				case op < 9:
					if len(live) > 0 {
						idx := rng.Intn(len(live))
						moved, reErr := h.Realloc(live[idx], 1+rng.Intn(stressMaxSize))
						if reErr != nil {
							return fmt.Errorf("realloc: %w", reErr)
						}
						live[idx] = moved
					}
				default:
					h.Collect(false)
				}
			}

			for _, ptr := range live {
				h.Free(ptr)
			}
			printVerbose("worker %d done (%d ops)\n", seed-stressSeed, perWorker)
			return nil
		})
	}

	if err := workers.Wait(); err != nil {
		return err
	}
	close(crossFrees)
	if err := freer.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	for _, h := range heaps {
		h.Collect(true)
		if err := h.Close(); err != nil {
			return err
		}
	}

	snap := p.Stats()
	if jsonOut {
		if err := printJSON(snap); err != nil {
			return err
		}
	} else {
		printInfo("%s", snap.String())
		printInfo("\n%s ops in %s (%s ops/s)\n",
			humanize.Comma(int64(stressOps)), elapsed.Round(time.Millisecond),
			humanize.Comma(int64(float64(stressOps)/elapsed.Seconds())))
	}

	if invErr := p.CheckInvariants(); invErr != nil {
		printError("invariant violation: %v\n", invErr)
		return invErr
	}
	if snap.LiveBytes != 0 || snap.Allocs != snap.Frees || snap.ReservedBytes != 0 {
		printError("leak detected: %d bytes live, %d allocs vs %d frees, %d bytes reserved\n",
			snap.LiveBytes, snap.Allocs, snap.Frees, snap.ReservedBytes)
		return fmt.Errorf("stress run leaked memory")
	}
	printInfo("PASS\n")
	return nil
}
