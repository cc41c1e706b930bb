package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pagemill/segheap/alloc"
	"github.com/spf13/cobra"
)

var classesPageSize int

func init() {
	cmd := newClassesCmd()
	cmd.Flags().IntVar(&classesPageSize, "page-size", 64<<10, "Page size the table is built for")
	rootCmd.AddCommand(cmd)
}

func newClassesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classes [fine|balanced|coarse]",
		Short: "Print a size-class table",
		Long: `The classes command prints the block sizes of one of the built-in
size-class configurations, with the per-page block count and the worst-case
internal fragmentation of each class.

Example:
  segctl classes
  segctl classes fine --page-size 65536
  segctl classes coarse --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "balanced"
			if len(args) == 1 {
				name = args[0]
			}
			return runClasses(name)
		},
	}
	return cmd
}

// ClassRow is one size class in the report.
type ClassRow struct {
	Index         int
	BlockSize     int
	BlocksPerPage int
	MaxWastePct   float64
}

// ClassTable is the full report.
type ClassTable struct {
	Name     string
	PageSize int
	Classes  []ClassRow
}

func presetByName(name string) (alloc.SizeClassConfig, error) {
	switch strings.ToLower(name) {
	case "fine", "finegrained":
		return alloc.ConfigFineGrained, nil
	case "balanced":
		return alloc.ConfigBalanced, nil
	case "coarse":
		return alloc.ConfigCoarse, nil
	default:
		return alloc.SizeClassConfig{}, fmt.Errorf("unknown configuration %q (want fine, balanced or coarse)", name)
	}
}

func runClasses(name string) error {
	cfg, err := presetByName(name)
	if err != nil {
		return err
	}

	// Building the pool also validates the configuration against the
	// page size.
	p, err := alloc.NewPool(
		alloc.WithSizeClasses(cfg),
		alloc.WithPageSize(classesPageSize),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	snap := p.Stats()
	table := ClassTable{Name: cfg.Name, PageSize: classesPageSize}
	prev := 0
	for i, c := range snap.PerClass {
		waste := float64(c.BlockSize-prev-1) / float64(c.BlockSize) * 100
		table.Classes = append(table.Classes, ClassRow{
			Index:         i,
			BlockSize:     c.BlockSize,
			BlocksPerPage: classesPageSize / c.BlockSize,
			MaxWastePct:   waste,
		})
		prev = c.BlockSize
	}

	if jsonOut {
		return printJSON(table)
	}

	last := table.Classes[len(table.Classes)-1]
	printInfo("Size classes %q: %d classes, %s .. %s (page %s)\n\n",
		cfg.Name, len(table.Classes),
		humanize.IBytes(uint64(table.Classes[0].BlockSize)),
		humanize.IBytes(uint64(last.BlockSize)),
		humanize.IBytes(uint64(classesPageSize)))
	printInfo("  idx  block      blocks/page  max waste\n")
	for _, row := range table.Classes {
		printInfo("  %3d  %-9s  %-11d  %.1f%%\n",
			row.Index, humanize.IBytes(uint64(row.BlockSize)), row.BlocksPerPage, row.MaxWastePct)
	}
	return nil
}
