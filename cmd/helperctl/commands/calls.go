package commands

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

// callFlags are shared by every state-changing command.
type callFlags struct {
	idempotencyKey string
}

func (f *callFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.idempotencyKey, "idempotency-key", "", "replay-safe key; retries with the same key return the first response")
}

func (g *globals) post(cmd *cobra.Command, path string, body any, flags *callFlags) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	var out map[string]any
	if err := g.client().do(ctx, http.MethodPost, path, nil, body, &out, withIdempotencyKey(flags.idempotencyKey)); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func approveCmd(g *globals) *cobra.Command {
	var flags callFlags
	var spender string
	cmd := &cobra.Command{
		Use:   "approve <asset> <amount>",
		Short: "Allow the helper (or --spender) to pull an asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/assets/approve", map[string]string{
				"asset":   args[0],
				"amount":  args[1],
				"spender": spender,
			}, &flags)
		},
	}
	cmd.Flags().StringVar(&spender, "spender", "", "spender account (default the helper)")
	flags.bind(cmd)
	return cmd
}

func mintCmd(g *globals) *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "mint <market> <amount>",
		Short: "Supply underlying to a market and receive its shares",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/mint", map[string]string{"market": args[0], "amount": args[1]}, &flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func mintBorrowCmd(g *globals) *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "mint-borrow <supply-market> <supply-amount> <borrow-market> <borrow-amount>",
		Short: "Supply collateral and borrow against it in one call",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/mint-borrow", map[string]string{
				"supplyMarket": args[0],
				"supplyAmount": args[1],
				"borrowMarket": args[2],
				"borrowAmount": args[3],
			}, &flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func repayCmd(g *globals) *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "repay <market> <amount>",
		Short: "Repay borrowed underlying",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/repay", map[string]string{"market": args[0], "amount": args[1]}, &flags)
		},
	}
	flags.bind(cmd)
	return cmd
}

func repayRedeemCmd(g *globals) *cobra.Command {
	var flags callFlags
	var mode string
	cmd := &cobra.Command{
		Use:   "repay-redeem <debt-market> <repay-amount> <redeem-market> <redeem-amount>",
		Short: "Repay debt and redeem collateral in one call",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case "shares", "underlying":
			default:
				return fmt.Errorf("--mode must be shares or underlying, got %q", mode)
			}
			return g.post(cmd, "/v1/repay-redeem", map[string]any{
				"debtMarket":   args[0],
				"repayAmount":  args[1],
				"redeemMarket": args[2],
				"redeem":       map[string]string{"mode": mode, "amount": args[3]},
			}, &flags)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "shares", "redeem amount unit: shares or underlying")
	flags.bind(cmd)
	return cmd
}

func transferCmd(g *globals) *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "transfer <market> <to> <shares>",
		Short: "Move market shares to another account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.post(cmd, "/v1/markets/"+url.PathEscape(args[0])+"/transfer", map[string]string{
				"to":     args[1],
				"shares": args[2],
			}, &flags)
		},
	}
	flags.bind(cmd)
	return cmd
}
