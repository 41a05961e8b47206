package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/voicelock/internal/eventstore"
)

func newEventsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <identity>",
		Short: "Show the audit trail for an identity, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, err := opts.openCore(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer core.Close()

			events, err := core.Audit.ListIdentityEvents(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tOUTCOME\tSCORE\tREQUEST")
			for _, e := range events {
				score := "-"
				if e.Type == eventstore.TypeVerify && (e.Outcome == eventstore.OutcomeMatch || e.Outcome == eventstore.OutcomeNoMatch) {
					score = fmt.Sprintf("%.4f", e.Score)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.RFC3339), e.Type, e.Outcome, score, e.RequestID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	return cmd
}
