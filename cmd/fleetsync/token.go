package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage session tokens",
	}

	var identity auth.Identity
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token for a dashboard user or device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&identity.UserID, "user", "", "User identifier (token subject)")
	issue.Flags().StringVar(&identity.DisplayName, "name", "", "Display name")
	issue.Flags().StringSliceVar(&identity.Roles, "role", nil, "Role to grant (repeatable)")
	_ = issue.MarkFlagRequired("user")

	cmd.AddCommand(issue)
	return cmd
}
