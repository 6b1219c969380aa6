package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"smsrouter/internal/config"
	"smsrouter/internal/logging"
	"smsrouter/internal/service"
	"smsrouter/internal/store/pg"
)

type app struct {
	cfg    config.CtlConfig
	dsn    string
	output string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "routerctl",
		Short:         "smsrouter operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg = config.LoadCtl()
			logging.Init("routerctl", a.cfg.LogFormat, a.cfg.LogLevel)
			if a.dsn == "" {
				a.dsn = a.cfg.DBDSN
			}
			switch a.output {
			case "json", "yaml", "text":
				return nil
			default:
				return fmt.Errorf("unknown output format %q", a.output)
			}
		},
	}
	root.PersistentFlags().StringVar(&a.dsn, "dsn", "", "postgres DSN (default: $DB_DSN)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "text", "output format: text, json, yaml")

	root.AddCommand(
		newMigrateCmd(a),
		newReconcileCmd(a),
		newTenantCmd(a),
		newBindingCmd(a),
		newCreditCmd(a),
		newWebhookCmd(a),
		newTokenCmd(a),
	)
	return root
}

// ledger opens a pool and a service over it. The returned func closes the
// pool.
func (a *app) ledger(ctx context.Context) (*service.LedgerService, func(), error) {
	if a.dsn == "" {
		return nil, nil, errors.New("no database: set DB_DSN or --dsn")
	}
	db, err := pg.NewPool(ctx, a.dsn, pg.PoolOptions{MaxConns: 4})
	if err != nil {
		return nil, nil, err
	}
	return &service.LedgerService{Store: pg.New(db)}, db.Close, nil
}
