package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"task-dispatch-engine/internal/tasks"
)

func newStatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show outbox backlog, queue depths, dead letters and breaker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			st, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printStats(w io.Writer, st tasks.Stats) {
	fmt.Fprintf(w, "outbox backlog:     %d (oldest %s)\n", st.OutboxBacklog, st.OutboxOldestAge)
	fmt.Fprintln(w, "queues:")
	for _, name := range sortedKeys(st.QueueDepths) {
		fmt.Fprintf(w, "  %-16s %d\n", name, st.QueueDepths[name])
	}
	fmt.Fprintln(w, "dead letters:")
	for _, class := range sortedKeys(st.DeadLetters) {
		fmt.Fprintf(w, "  %-16s %d\n", class, st.DeadLetters[class])
	}
	if st.Breaker != nil {
		fmt.Fprintf(w, "breaker %s: %s (%d/%d failed, ratio %.2f)\n",
			st.Breaker.Name, st.Breaker.State, st.Breaker.Failures, st.Breaker.Requests, st.Breaker.FailureRatio)
	}
	if len(st.Transitions) > 0 {
		fmt.Fprintln(w, "transitions:")
		for _, tc := range st.Transitions {
			from := string(tc.From)
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(w, "  %s -> %s: %d\n", from, tc.To, tc.Count)
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
