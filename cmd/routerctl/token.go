package main

import (
	"errors"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"smsrouter/internal/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Operator API tokens",
	}

	var subject string
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint an operator bearer token signed with OPERATOR_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("OPERATOR_JWT_SECRET is not set")
			}
			if subject == "" {
				return errors.New("--subject is required")
			}
			token, err := auth.Issue(a.cfg.JWTSecret, a.cfg.JWTIssuer, subject, roles, ttl)
			if err != nil {
				return err
			}
			expires := time.Now().Add(ttl).UTC()
			out := map[string]any{"token": token, "subject": subject, "expiresAt": expires}
			return render(cmd.OutOrStdout(), a.output, out, func(tw *tabwriter.Writer) {
				row(tw, token)
			})
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "actor id recorded on audited operations")
	issue.Flags().StringSliceVar(&roles, "role", []string{auth.RoleOperator}, "roles claim")
	issue.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")

	cmd.AddCommand(issue)
	return cmd
}
