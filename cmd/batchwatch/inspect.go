package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/payflow/batchwatch/internal/sink/arrow"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.arrow>",
		Short: "Print an exported snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			snap, err := arrow.ReadSnapshot(args[0])
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			renderBatch(a.out, snap.Batch)
			renderSnapshotHeader(a.out, snap.ExportedAt, snap.Filter)
			renderItems(a.out, snap.Items)
			return nil
		},
	}
}
