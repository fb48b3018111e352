package main

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pakit/partition"
	"github.com/joshuapare/pakit/partition/reclaim"
	"github.com/joshuapare/pakit/partition/scan"
)

var (
	stressWorkers     int
	stressOps         int
	stressMaxSize     int
	stressLive        int
	stressScan        bool
	stressThreadCache bool
	stressTagging     bool
	stressSeed        uint64
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressWorkers, "workers", "w", 4, "Number of allocating goroutines")
	cmd.Flags().IntVarP(&stressOps, "ops", "n", 100000, "Operations per worker")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 4096, "Largest allocation in bytes")
	cmd.Flags().IntVar(&stressLive, "live", 256, "Live allocations kept per worker")
	cmd.Flags().BoolVar(&stressScan, "scan", false, "Quarantine frees and scan in the background")
	cmd.Flags().BoolVar(&stressThreadCache, "thread-cache", true, "Enable per-worker thread caches")
	cmd.Flags().BoolVar(&stressTagging, "tagging", false, "Stamp generation tags on allocations")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Random seed")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a random allocation workload",
		Long: `The stress command runs workers that allocate and free random sizes
against one partition, each through its own thread handle, then reclaims and
prints the partition's statistics.

With --scan, frees go to quarantine and the scanner runs whenever the
quarantine crosses its limit. Workers keep every eighth live allocation on
their shadow stack so scans find references.

Example:
  pactl stress
  pactl stress --workers 8 --ops 1000000 --max-size 65536
  pactl stress --scan --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

type stressResult struct {
	Workers   int             `json:"workers"`
	Ops       int64           `json:"ops"`
	Duration  time.Duration   `json:"duration_ns"`
	Reclaim   reclaim.Result  `json:"reclaim"`
	Stats     partition.Stats `json:"stats"`
	Scans     int             `json:"scans"`
	LastScan  *scan.ScanStats `json:"last_scan,omitempty"`
	ScanState string          `json:"scan_state,omitempty"`
}

// scanLog keeps the reports of every scan.
type scanLog struct {
	mu    sync.Mutex
	count int
	last  scan.ScanStats
}

func (l *scanLog) ReportScan(st scan.ScanStats) {
	l.mu.Lock()
	l.count++
	l.last = st
	l.mu.Unlock()
}

func runStress() error {
	if stressWorkers < 1 || stressOps < 1 || stressMaxSize < 1 || stressLive < 1 {
		return fmt.Errorf("workers, ops, max-size and live must be positive")
	}
	if _, err := initAddressSpace(); err != nil {
		return err
	}

	root, err := partition.New(partition.Options{
		Name:        "stress",
		ThreadCache: stressThreadCache,
		Tagging:     stressTagging,
	})
	if err != nil {
		return err
	}
	defer root.Close()

	rec := reclaim.New()
	rec.RegisterPartition(root)

	var scans scanLog
	var scanner *scan.Scanner
	if stressScan {
		cfg := scan.DefaultConfig()
		cfg.Reporter = &scans
		if scanner, err = scan.New(cfg); err != nil {
			return err
		}
		defer scanner.Close()
		if err := scanner.RegisterScannableRoot(root); err != nil {
			return err
		}
		rec.SetScanner(scanner)
	}

	printVerbose("Running %d workers x %s ops, sizes 1..%d\n", stressWorkers, formatCount(stressOps), stressMaxSize)

	var ops atomic.Int64
	errs := make(chan error, stressWorkers)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < stressWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			if err := stressWorker(root, uint64(w), &ops); err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}

	if scanner != nil {
		scanner.FinishScanForTesting()
	}
	res := stressResult{
		Workers:  stressWorkers,
		Ops:      ops.Load(),
		Duration: elapsed,
		Reclaim:  rec.ReclaimAll(),
		Stats:    root.Stats(),
	}
	if scanner != nil {
		scans.mu.Lock()
		res.Scans = scans.count
		if scans.count > 0 {
			last := scans.last
			res.LastScan = &last
		}
		scans.mu.Unlock()
		res.ScanState = scanner.State().String()
	}

	if jsonOut {
		return printJSON(res)
	}
	printStressResult(res)
	return nil
}

// stressWorker allocates and frees through its own thread handle until it has
// done stressOps operations, then frees everything it still holds.
func stressWorker(root *partition.Root, id uint64, ops *atomic.Int64) error {
	th, err := root.NewThread()
	if err != nil {
		return err
	}
	defer th.Close()

	rng := rand.New(rand.NewPCG(stressSeed, id))
	live := make([]uintptr, stressLive)
	if stressScan {
		for range (len(live) + 7) / 8 {
			if _, err := th.Stack().Push(0); err != nil {
				return err
			}
		}
	}
	for i := 0; i < stressOps; i++ {
		j := rng.IntN(len(live))
		if live[j] != 0 {
			if stressScan && j%8 == 0 {
				th.Stack().Set(j/8, 0)
			}
			th.Free(live[j])
			live[j] = 0
		} else {
			size := uintptr(1 + rng.IntN(stressMaxSize))
			a := th.Alloc(size)
			root.Bytes(a, 1)[0] = byte(i)
			live[j] = a
			if stressScan && j%8 == 0 {
				th.Stack().Set(j/8, a)
			}
		}
		if stressScan && i%64 == 0 {
			th.Safepoint()
		}
	}
	ops.Add(int64(stressOps))
	for _, a := range live {
		th.Free(a)
	}
	return nil
}

func printStressResult(res stressResult) {
	st := res.Stats
	printInfo("Workers:      %d\n", res.Workers)
	printInfo("Operations:   %s in %s (%s)\n", formatCount(res.Ops), res.Duration.Round(time.Millisecond), formatRate(res.Ops, res.Duration))
	printInfo("Allocs/frees: %s / %s\n", formatCount(st.Allocs), formatCount(st.Frees))
	printInfo("Committed:    %s\n", formatBytes(st.CommittedBytes))
	printInfo("Allocated:    %s\n", formatBytes(st.AllocatedBytes))
	printInfo("Super pages:  %d\n", st.SuperPages)
	printInfo("Reclaimed:    %s decommitted, %s discarded\n", formatBytes(res.Reclaim.Decommitted), formatBytes(res.Reclaim.Discarded))
	if res.ScanState != "" {
		printInfo("Scans:        %d (state %s)\n", res.Scans, res.ScanState)
		if ls := res.LastScan; ls != nil {
			printInfo("Last scan:    epoch %d, %s quarantined, %s survived, %s freed in %s\n",
				ls.Epoch, formatBytes(ls.QuarantinedBytes), formatBytes(ls.SurvivedBytes),
				formatBytes(ls.FreedBytes), ls.Total.Round(time.Microsecond))
		}
	}
	if verbose {
		printInfo("\n%10s %8s %8s %8s %12s\n", "SLOT", "ACTIVE", "FULL", "EMPTY", "ALLOCATED")
		for _, b := range st.Buckets {
			printInfo("%10s %8d %8d %8d %12s\n", formatCount(b.SlotSize), b.ActiveSpans, b.FullSpans, b.EmptySpans, formatCount(b.AllocatedSlots))
		}
	}
}
