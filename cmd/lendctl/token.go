package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vaultlend/crypto"
	"vaultlend/services/lendingd/server"
)

func tokenCommand() *cobra.Command {
	var (
		secretEnv string
		subject   string
		scopes    []string
		issuer    string
		audience  string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for lendingd",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := os.Getenv(secretEnv)
			if secret == "" {
				return fmt.Errorf("secret environment variable %s is empty", secretEnv)
			}
			addr, err := crypto.DecodeAddress(subject)
			if err != nil {
				return fmt.Errorf("invalid subject: %w", err)
			}
			token, err := server.IssueToken([]byte(secret), server.TokenRequest{
				Subject:  addr,
				Scopes:   scopes,
				Issuer:   issuer,
				Audience: audience,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secretEnv, "secret-env", envSecret, "environment variable holding the HMAC secret")
	cmd.Flags().StringVar(&subject, "subject", "", "account address placed in the sub claim")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scope to grant (repeatable)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim")
	cmd.Flags().StringVar(&audience, "audience", "", "aud claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
