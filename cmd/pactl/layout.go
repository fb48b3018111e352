package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pakit/internal/layout"
	"github.com/joshuapare/pakit/partition"
	"github.com/joshuapare/pakit/partition/addrspace"
)

var (
	layoutClasses string
)

func init() {
	cmd := newLayoutCmd()
	cmd.Flags().StringVar(&layoutClasses, "classes", "sparse", "Size classes to list: sparse, dense or pow2")
	rootCmd.AddCommand(cmd)
}

func newLayoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Show pool placement, superpage layout and size classes",
		Long: `The layout command computes where each pool would be placed inside the
address-space reservation, prints the regions of a superpage and lists the
bucket slot sizes with their slot span sizes. Nothing is reserved.

Example:
  pactl layout
  pactl layout --pools default --classes dense
  pactl layout --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLayout()
		},
	}
	return cmd
}

type poolLayout struct {
	Pool       string  `json:"pool"`
	Offset     uintptr `json:"offset"`
	Size       uintptr `json:"size"`
	SuperPages int     `json:"super_pages"`
	Anchor     bool    `json:"anchor,omitempty"`
}

type region struct {
	Name   string  `json:"name"`
	Offset uintptr `json:"offset"`
	Size   uintptr `json:"size"`
}

type sizeClass struct {
	SlotSize  uintptr `json:"slot_size"`
	SpanPages int     `json:"span_pages"`
	Slots     int     `json:"slots_per_span"`
}

type layoutReport struct {
	Total       uintptr      `json:"total"`
	Alignment   uintptr      `json:"alignment"`
	Pools       []poolLayout `json:"pools"`
	SuperPage   []region     `json:"super_page"`
	SizeClasses string       `json:"size_classes"`
	Classes     []sizeClass  `json:"classes"`
}

func sizeClassConfig(name string) (partition.SizeClassConfig, error) {
	switch name {
	case "sparse":
		return partition.ConfigSparse, nil
	case "dense":
		return partition.ConfigDense, nil
	case "pow2":
		return partition.ConfigPowerOfTwo, nil
	default:
		return partition.SizeClassConfig{}, fmt.Errorf("unknown size classes %q", name)
	}
}

func superPageRegions() []region {
	return []region{
		{"guard", 0, layout.SystemPageSize},
		{"metadata", layout.MetadataOffset, layout.MetadataSize},
		{"free-slot bitmap", layout.FreeSlotBitmapOffset, layout.FreeSlotBitmapSize},
		{"state bitmap", layout.StateBitmapOffset, layout.StateBitmapSize},
		{"tag bitmap", layout.TagBitmapOffset, layout.TagBitmapSize},
		{"payload", layout.PayloadOffset, layout.PayloadSize},
		{"guard", layout.PayloadEnd, layout.SuperPageSize - layout.PayloadEnd},
	}
}

func buildLayoutReport() (*layoutReport, error) {
	cfg, err := poolConfig()
	if err != nil {
		return nil, err
	}
	plan, err := addrspace.PlanLayout(cfg)
	if err != nil {
		return nil, err
	}
	classes, err := sizeClassConfig(layoutClasses)
	if err != nil {
		return nil, err
	}

	rep := &layoutReport{
		Total:       plan.Total,
		Alignment:   plan.Alignment(cfg),
		SuperPage:   superPageRegions(),
		SizeClasses: classes.Name,
	}
	for i, p := range cfg.Pools {
		rep.Pools = append(rep.Pools, poolLayout{
			Pool:       p.Handle.String(),
			Offset:     plan.Offsets[i],
			Size:       p.Size,
			SuperPages: int(p.Size >> layout.SuperPageShift),
			Anchor:     i == plan.AnchorIndex,
		})
	}
	for _, s := range classes.SlotSizes() {
		pages := partition.SlotSpanPages(s)
		rep.Classes = append(rep.Classes, sizeClass{
			SlotSize:  s,
			SpanPages: pages,
			Slots:     int(uintptr(pages) * layout.PartitionPageSize / s),
		})
	}
	return rep, nil
}

func runLayout() error {
	rep, err := buildLayoutReport()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rep)
	}

	printInfo("Reservation: %s, aligned to %s\n\n", formatBytes(rep.Total), formatBytes(rep.Alignment))
	printInfo("%-14s %14s %12s %12s\n", "POOL", "OFFSET", "SIZE", "SUPERPAGES")
	for _, p := range rep.Pools {
		anchor := ""
		if p.Anchor {
			anchor = "  (anchor)"
		}
		printInfo("%-14s %#14x %12s %12s%s\n", p.Pool, p.Offset, formatBytes(p.Size), formatCount(p.SuperPages), anchor)
	}

	printInfo("\nSuperpage (%s):\n", formatBytes(layout.SuperPageSize))
	for _, r := range rep.SuperPage {
		printInfo("  %-18s %#9x  %10s\n", r.Name, r.Offset, formatBytes(r.Size))
	}

	printInfo("\nSize classes (%s, %d buckets):\n", rep.SizeClasses, len(rep.Classes))
	printInfo("  %10s %6s %8s\n", "SLOT", "PAGES", "SLOTS")
	for _, c := range rep.Classes {
		printInfo("  %10s %6d %8s\n", formatCount(c.SlotSize), c.SpanPages, formatCount(c.Slots))
	}
	printVerbose("\nDirect map above %s, alignment up to %s\n",
		formatBytes(layout.MaxBucketed), formatBytes(layout.MaxDirectMapAlignment))
	return nil
}
