package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/spf13/cobra"
)

func newBalanceCmd(c *cli) *cobra.Command {
	var (
		usage  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "balance USER",
		Short: "Show an account's credit balance and recent usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ledger, err := newLedger(c.cfg.Ledger, nil)
			if err != nil {
				return err
			}
			defer func() { _ = ledger.Close() }()

			user := args[0]
			balance, err := ledger.GetBalance(ctx, user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if usage <= 0 {
				if asJSON {
					return json.NewEncoder(out).Encode(map[string]any{"user_id": user, "balance": balance})
				}
				_, err = fmt.Fprintf(out, "%s: %d credits\n", user, balance)
				return err
			}

			entries, err := ledger.Usage(ctx, user, usage)
			if err != nil {
				return err
			}
			stats := credits.SummarizeUsage(entries, time.Time{})
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]any{"user_id": user, "balance": balance, "usage": entries, "totals": stats})
			}
			fmt.Fprintf(out, "%s: %d credits\n", user, balance)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tRESERVATION\tACTION\tRESERVED\tCHARGED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", e.At.Format(time.RFC3339), e.ReservationID, e.Action, e.Reserved, e.Charged)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			actions := make([]string, 0, len(stats.ByAction))
			for a := range stats.ByAction {
				actions = append(actions, a)
			}
			sort.Strings(actions)
			fmt.Fprintf(out, "total used: %d over %d entries\n", stats.TotalUsed, stats.Count)
			for _, a := range actions {
				fmt.Fprintf(out, "  %s: %d\n", a, stats.ByAction[a])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&usage, "usage", 0, "also list this many recent usage entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "render JSON output")
	return cmd
}
