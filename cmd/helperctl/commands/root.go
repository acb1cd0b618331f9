package commands

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Environment variables consulted when the matching flag is not set.
const (
	EnvEndpoint = "LENDHELPER_ENDPOINT"
	EnvToken    = "LENDHELPER_TOKEN"
)

const defaultEndpoint = "http://127.0.0.1:8480"

type globals struct {
	endpoint string
	token    string
	timeout  time.Duration
}

func Execute() error {
	return NewRoot().Execute()
}

// NewRoot assembles the helperctl command tree.
func NewRoot() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "helperctl",
		Short:         "Operate the lending helper service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.endpoint == "" {
				g.endpoint = envOr(EnvEndpoint, defaultEndpoint)
			}
			if g.token == "" {
				g.token = strings.TrimSpace(os.Getenv(EnvToken))
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&g.endpoint, "endpoint", "", "helperd base URL (default $"+EnvEndpoint+" or "+defaultEndpoint+")")
	root.PersistentFlags().StringVar(&g.token, "token", "", "bearer token (default $"+EnvToken+")")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		tokenCmd(),
		approveCmd(g),
		mintCmd(g),
		mintBorrowCmd(g),
		repayCmd(g),
		repayRedeemCmd(g),
		transferCmd(g),
		balancesCmd(g),
		marketsCmd(g),
		receiptCmd(g),
		receiptsCmd(g),
		streamCmd(g),
		adminCmd(g),
		exportCmd(),
	)
	return root
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}
