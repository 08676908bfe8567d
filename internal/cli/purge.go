package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"task-dispatch-engine/internal/config"
	"task-dispatch-engine/internal/tasks"
)

type purgeFlags struct {
	outbox  time.Duration
	events  time.Duration
	archive time.Duration
	skip    []string
}

// retention resolves flags against configured defaults. Named steps in
// skip are disabled.
func (f purgeFlags) retention(cfg config.Config) (tasks.Retention, error) {
	r := tasks.Retention{Outbox: cfg.OutboxRetention, Events: cfg.EventRetention, ArchiveAfter: cfg.TaskArchiveAfter}
	if f.outbox > 0 {
		r.Outbox = f.outbox
	}
	if f.events > 0 {
		r.Events = f.events
	}
	if f.archive > 0 {
		r.ArchiveAfter = f.archive
	}
	for _, step := range f.skip {
		switch step {
		case "outbox":
			r.Outbox = 0
		case "events":
			r.Events = 0
		case "archive":
			r.ArchiveAfter = 0
		default:
			return r, fmt.Errorf("unknown purge step %q (want outbox, events or archive)", step)
		}
	}
	return r, nil
}

func newPurgeCmd() *cobra.Command {
	var flags purgeFlags
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop published outbox entries and old events, archive old terminal tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := flags.retention(config.Load())
			if err != nil {
				return err
			}
			svc, closeFn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			rep, err := svc.Purge(cmd.Context(), r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "outbox entries removed: %d\nevents removed: %d\ntasks archived: %d\n",
				rep.OutboxEntries, rep.Events, rep.ArchivedTasks)
			return nil
		},
	}
	cmd.Flags().DurationVar(&flags.outbox, "outbox", 0, "retention for published outbox entries (default OUTBOX_RETENTION)")
	cmd.Flags().DurationVar(&flags.events, "events", 0, "retention for audit events (default EVENT_RETENTION)")
	cmd.Flags().DurationVar(&flags.archive, "archive-after", 0, "archive terminal tasks finished before this age (default TASK_ARCHIVE_AFTER)")
	cmd.Flags().StringSliceVar(&flags.skip, "skip", nil, "steps to skip: outbox, events, archive")
	return cmd
}
