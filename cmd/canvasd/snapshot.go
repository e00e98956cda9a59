package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rplacetk/canvasd/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Work with board snapshot files",
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show the size, guessed dimensions and color counts of a snapshot",
	Long: `Inspect reads a raw board file and reports what the timelapse renderer
would make of it: dimensions are only known for the standard board sizes.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	info, err := snapshot.Inspect(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "size: %d bytes\n", info.Size)
	if info.Known {
		fmt.Fprintf(out, "dimensions: %dx%d\n", info.Width, info.Height)
	} else {
		fmt.Fprintln(out, "dimensions: unknown")
	}

	colors := make([]int, 0, len(info.Colors))
	for c := range info.Colors {
		colors = append(colors, int(c))
	}
	sort.Ints(colors)
	for _, c := range colors {
		fmt.Fprintf(out, "color %3d: %d\n", c, info.Colors[byte(c)])
	}
	return nil
}
