package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/syncer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the device action log",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List queued records",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return listEntries(cmd.OutOrStdout(), (*syncer.ActionLog).Pending)
			},
		},
		&cobra.Command{
			Use:   "dead",
			Short: "List dead-lettered records",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return listEntries(cmd.OutOrStdout(), (*syncer.ActionLog).DeadLetters)
			},
		},
		&cobra.Command{
			Use:   "requeue [record-id...]",
			Short: "Move dead-lettered records back to the queue (all when no id is given)",
			RunE: func(cmd *cobra.Command, args []string) error {
				d, err := openDevice(nil, false)
				if err != nil {
					return err
				}
				defer d.close()
				moved, err := d.log.Requeue(args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d record(s)\n", moved)
				return nil
			},
		},
		&cobra.Command{
			Use:   "flush",
			Short: "Replay queued records against the backend now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				d, err := openDevice(nil, true)
				if err != nil {
					return err
				}
				defer d.close()
				if !d.monitor.Check(cmd.Context()) {
					return fmt.Errorf("backend %s is unreachable", d.cfg.BackendURL)
				}
				report := d.flusher.Flush(cmd.Context())
				d.logger.Debug("manual flush finished", zap.Int("flushed", report.Flushed), zap.Error(report.Err))
				fmt.Fprintf(cmd.OutOrStdout(), "flushed %d, failed %d, dead-lettered %d, pending %d\n",
					report.Flushed, report.Failed, report.DeadLettered, report.Pending)
				return report.Err
			},
		},
	)
	return cmd
}

func listEntries(out io.Writer, read func(*syncer.ActionLog) ([]syncer.LogEntry, error)) error {
	d, err := openDevice(nil, false)
	if err != nil {
		return err
	}
	defer d.close()

	entries, err := read(d.log)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tKIND\tTABLE\tQUEUED AT\tREJECTIONS\tLAST ERROR")
	for _, entry := range entries {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\n",
			entry.Record.ID,
			entry.Record.Mutation.Kind(),
			entry.Record.Mutation.Table(),
			entry.Record.QueuedAt.Local().Format(time.DateTime),
			entry.Rejections,
			entry.LastError,
		)
	}
	return writer.Flush()
}
