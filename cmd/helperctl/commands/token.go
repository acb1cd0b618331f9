package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"lendhelper/cmd/internal/passphrase"
	"lendhelper/config"
	"lendhelper/crypto"
	"lendhelper/services/helperd/middleware"
)

func tokenCmd() *cobra.Command {
	var subject, issuer, audience, secretEnv string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the shared auth secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := crypto.DecodeAddressWithPrefix(subject, crypto.AccountPrefix)
			if err != nil {
				return fmt.Errorf("--sub: %w", err)
			}
			secret, err := passphrase.NewSource(secretEnv, "auth secret").Get()
			if err != nil {
				return err
			}
			if len(secret) < config.MinAuthSecretBytes {
				return fmt.Errorf("auth secret must be at least %d bytes", config.MinAuthSecretBytes)
			}
			token, err := middleware.IssueToken(middleware.TokenRequest{
				Secret:   secret,
				Issuer:   issuer,
				Audience: audience,
				Subject:  sub,
				Scopes:   scopes,
				TTL:      ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	defaults := config.Default()
	cmd.Flags().StringVar(&subject, "sub", "", "caller account (bech32 lh address)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes, e.g. admin")
	cmd.Flags().StringVar(&issuer, "issuer", defaults.Auth.Issuer, "token issuer")
	cmd.Flags().StringVar(&audience, "audience", defaults.Auth.Audience, "token audience")
	cmd.Flags().StringVar(&secretEnv, "secret-env", config.EnvAuthSecret, "environment variable holding the secret")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
