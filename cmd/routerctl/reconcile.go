package main

import (
	"text/tabwriter"

	"github.com/spf13/cobra"

	"smsrouter/internal/store"
)

type counterResult struct {
	TenantID string `json:"tenantId"`
	Drifted  bool   `json:"drifted"`
	Days     int    `json:"days"`
}

type balanceResult struct {
	TenantID string `json:"tenantId"`
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
	Drifted  bool   `json:"drifted"`
	Fixed    bool   `json:"fixed"`
}

func newReconcileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check cached counters and balances against the ledger",
	}

	var counterTenant string
	counters := &cobra.Command{
		Use:   "counters",
		Short: "Rebuild inbox counters from inbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, closeFn, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			var reports []store.CounterReport
			if counterTenant != "" {
				rep, err := svc.ReconcileCounters(ctx, counterTenant)
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			} else if reports, err = svc.ReconcileAllCounters(ctx); err != nil {
				return err
			}

			results := make([]counterResult, 0, len(reports))
			for _, r := range reports {
				results = append(results, counterResult{TenantID: r.TenantID, Drifted: r.Drifted, Days: len(r.Rebuilt)})
			}
			return render(cmd.OutOrStdout(), a.output, results, func(tw *tabwriter.Writer) {
				if len(results) == 0 {
					row(tw, "no drift")
					return
				}
				row(tw, "TENANT", "DRIFTED", "DAYS")
				for _, r := range results {
					row(tw, r.TenantID, r.Drifted, r.Days)
				}
			})
		},
	}
	counters.Flags().StringVar(&counterTenant, "tenant", "", "only this tenant (default: all tenants, drifted ones reported)")

	var balanceTenant string
	var fix bool
	balances := &cobra.Command{
		Use:   "balances",
		Short: "Compare cached balances with the credit transaction sum",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, closeFn, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			ids := []string{balanceTenant}
			if balanceTenant == "" {
				if ids, err = svc.Store.ListTenantIDs(ctx); err != nil {
					return err
				}
			}
			var results []balanceResult
			for _, id := range ids {
				rep, err := svc.ReconcileBalance(ctx, id, fix)
				if err != nil {
					return err
				}
				if rep.Drifted || balanceTenant != "" {
					results = append(results, balanceResult{
						TenantID: rep.TenantID,
						Stored:   rep.Stored.String(),
						Computed: rep.Computed.String(),
						Drifted:  rep.Drifted,
						Fixed:    rep.Fixed,
					})
				}
			}
			return render(cmd.OutOrStdout(), a.output, results, func(tw *tabwriter.Writer) {
				if len(results) == 0 {
					row(tw, "no drift")
					return
				}
				row(tw, "TENANT", "STORED", "COMPUTED", "DRIFTED", "FIXED")
				for _, r := range results {
					row(tw, r.TenantID, r.Stored, r.Computed, r.Drifted, r.Fixed)
				}
			})
		},
	}
	balances.Flags().StringVar(&balanceTenant, "tenant", "", "only this tenant (default: all tenants, drifted ones reported)")
	balances.Flags().BoolVar(&fix, "fix", false, "rewrite drifted balances to the ledger sum")

	cmd.AddCommand(counters, balances)
	return cmd
}
