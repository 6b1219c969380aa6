package main

import (
	"errors"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"smsrouter/internal/domain"
)

func newTenantCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Create and inspect tenants",
	}

	var name, balance string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a tenant with an optional opening balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := decimal.NewFromString(balance)
			if err != nil {
				return errors.New("--balance must be a decimal")
			}
			ctx := cmd.Context()
			svc, closeFn, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			t, err := svc.CreateTenant(ctx, args[0], name, initial)
			if err != nil {
				return err
			}
			return printTenant(cmd, a, t)
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&balance, "balance", "0", "opening balance")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a tenant and its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, closeFn, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			t, err := svc.GetTenant(ctx, args[0])
			if err != nil {
				return err
			}
			return printTenant(cmd, a, t)
		},
	}

	cmd.AddCommand(create, show)
	return cmd
}

func printTenant(cmd *cobra.Command, a *app, t domain.Tenant) error {
	return render(cmd.OutOrStdout(), a.output, t, func(tw *tabwriter.Writer) {
		row(tw, "ID", "NAME", "BALANCE", "WEBHOOK")
		row(tw, t.ID, t.Name, t.Balance.String(), t.WebhookURL)
	})
}

func newBindingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binding",
		Short: "Manage tenant bindings",
	}

	var address, modem, port string
	add := &cobra.Command{
		Use:   "add <tenant-id>",
		Short: "Bind a destination address or modem/port to a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b := domain.Binding{TenantID: args[0]}
			switch {
			case address != "" && modem == "" && port == "":
				b.Kind, b.Address = domain.BindingAddress, address
			case address == "" && modem != "" && port != "":
				b.Kind, b.ModemID, b.PortID = domain.BindingModemPort, modem, port
			default:
				return errors.New("pass either --address or both --modem and --port")
			}
			ctx := cmd.Context()
			svc, closeFn, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := svc.AddBinding(ctx, b); err != nil {
				return err
			}
			cmd.Println("binding added; running ingest services pick it up on their next refresh")
			return nil
		},
	}
	add.Flags().StringVar(&address, "address", "", "destination phone number")
	add.Flags().StringVar(&modem, "modem", "", "modem id")
	add.Flags().StringVar(&port, "port", "", "port id")

	cmd.AddCommand(add)
	return cmd
}

func newCreditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Credit ledger operations",
	}

	var amount, note, actor string
	grant := &cobra.Command{
		Use:   "grant <tenant-id>",
		Short: "Grant credit to a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return errors.New("--amount must be a decimal")
			}
			if actor == "" {
				return errors.New("--actor is required")
			}
			ctx := cmd.Context()
			svc, closeFn, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			tx, err := svc.GrantCredit(ctx, args[0], amt, actor, note)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, tx, func(tw *tabwriter.Writer) {
				row(tw, "TENANT", "TRANSACTION", "DELTA", "BALANCE")
				row(tw, tx.TenantID, tx.ID, tx.Delta.String(), tx.BalanceAfter.String())
			})
		},
	}
	grant.Flags().StringVar(&amount, "amount", "", "amount to grant")
	grant.Flags().StringVar(&note, "note", "", "free-form note stored on the transaction")
	grant.Flags().StringVar(&actor, "actor", "", "operator id recorded on the transaction")

	cmd.AddCommand(grant)
	return cmd
}

func newWebhookCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Configure tenant forwarding endpoints",
	}

	var url, secret string
	set := &cobra.Command{
		Use:   "set <tenant-id>",
		Short: "Set the forwarding URL and signing secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, closeFn, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			return svc.SetWebhook(ctx, args[0], url, secret)
		},
	}
	set.Flags().StringVar(&url, "url", "", "absolute http(s) URL")
	set.Flags().StringVar(&secret, "secret", "", "HMAC signing secret (16+ characters)")

	clearCmd := &cobra.Command{
		Use:   "clear <tenant-id>",
		Short: "Stop forwarding for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, closeFn, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			return svc.ClearWebhook(ctx, args[0])
		},
	}

	cmd.AddCommand(set, clearCmd)
	return cmd
}
