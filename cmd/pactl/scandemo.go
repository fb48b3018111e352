package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/partition"
	"github.com/joshuapare/pakit/partition/bitmap"
	"github.com/joshuapare/pakit/partition/scan"
)

var (
	demoSize   int
	demoRounds int
)

func init() {
	cmd := newScanDemoCmd()
	cmd.Flags().IntVar(&demoSize, "size", 64, "Allocation size in bytes")
	cmd.Flags().IntVar(&demoRounds, "rounds", 2, "Scans to run while the reference is held")
	rootCmd.AddCommand(cmd)
}

func newScanDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan-demo",
		Short: "Walk through a quarantine scan",
		Long: `The scan-demo command allocates one object, keeps its address on the
thread's shadow stack and frees it. The freed slot stays in quarantine for as
long as the stack holds the reference. Once the reference is dropped the next
scan returns the slot to its span.

Example:
  pactl scan-demo
  pactl scan-demo --size 8192 --rounds 3 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanDemo()
		},
	}
	return cmd
}

type demoStep struct {
	Step        string  `json:"step"`
	Epoch       uint64  `json:"epoch"`
	State       string  `json:"state"`
	Quarantined uintptr `json:"quarantined_bytes"`
}

func runScanDemo() error {
	if demoSize < 1 || demoSize > layout.MaxBucketed {
		return fmt.Errorf("size must be between 1 and %d", layout.MaxBucketed)
	}
	if _, err := initAddressSpace(); err != nil {
		return err
	}

	cfg := scan.DefaultConfig()
	cfg.ClearType = scan.ClearEager
	s, err := scan.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	root, err := partition.New(partition.Options{Name: "demo"})
	if err != nil {
		return err
	}
	defer root.Close()
	if err := s.RegisterScannableRoot(root); err != nil {
		return err
	}

	th, err := root.NewThread()
	if err != nil {
		return err
	}
	defer th.Close()

	a := th.Alloc(uintptr(demoSize))
	var steps []demoStep
	record := func(step string) {
		st := demoStep{
			Step:        step,
			Epoch:       s.Epoch(),
			State:       bitmap.States(a).Get(a).String(),
			Quarantined: root.QuarantinedBytes(),
		}
		steps = append(steps, st)
		printVerbose("%-32s epoch=%d state=%s quarantined=%s\n", st.Step, st.Epoch, st.State, formatBytes(st.Quarantined))
	}
	record("allocated")

	if _, err := th.Stack().Push(a); err != nil {
		return err
	}
	th.Free(a)
	record("freed, address on stack")

	for i := 0; i < demoRounds; i++ {
		s.PerformScan(scan.Blocking)
		record(fmt.Sprintf("scan %d", i+1))
	}

	other := th.Alloc(uintptr(demoSize))
	reused := other == a
	th.Free(other)

	th.Stack().Pop()
	s.PerformScan(scan.Blocking)
	record("reference dropped, scanned")

	if jsonOut {
		return printJSON(struct {
			Addr   uintptr    `json:"addr"`
			Reused bool       `json:"reused_while_referenced"`
			Steps  []demoStep `json:"steps"`
		}{a, reused, steps})
	}

	printInfo("Object %#x (%d bytes)\n\n", a, demoSize)
	printInfo("%-32s %6s  %-18s %s\n", "STEP", "EPOCH", "STATE", "QUARANTINED")
	for _, st := range steps {
		printInfo("%-32s %6d  %-18s %s\n", st.Step, st.Epoch, st.State, formatBytes(st.Quarantined))
	}
	if reused {
		return fmt.Errorf("slot %#x was reused while referenced", a)
	}
	printInfo("\nThe slot was not reused while the stack referenced it.\n")
	return nil
}
