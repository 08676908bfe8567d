package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReplayCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-announce tasks parked on the transient dead-letter path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			replayed, err := svc.ReplayDeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range replayed {
				fmt.Fprintln(out, t.ID)
			}
			fmt.Fprintf(out, "replayed %d task(s)\n", len(replayed))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks to replay (0 replays all)")
	return cmd
}
